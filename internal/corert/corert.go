// Package corert is the runtime core's own facade (spec.md §6): the glue
// that wires MetadataView, AssemblyRegistry, TypeSystem, GCHeap, GC,
// StackMap, Unwinder, ExceptionDispatch, the Tier-0 JIT, and
// CompiledMethodRegistry into one coherent object a boot shim or test
// harness can drive. Nothing here reimplements those packages' own logic —
// corert only resolves metadata tokens against them, decides the concrete
// object layouts (System.String, the boxed-value header) the rest of the
// runtime treats as opaque, and supplies the jit.Resolver/jit.Helpers/
// strpool.Allocator/gc.ObjectTracer/gc.RootProvider seams those packages
// declare but cannot implement themselves.
//
// Grounded on the teacher's own top-level wiring in cmd/rtg/main.go (one
// struct holding every subsystem, constructed once at startup) and on
// iansmith-mazarin's kernel entry point composing its page allocator, heap,
// and scheduler the same way.
package corert

import (
	"fmt"
	"sync"

	"kernrt/internal/codeheap"
	"kernrt/internal/ehdispatch"
	"kernrt/internal/gc"
	"kernrt/internal/gcheap"
	"kernrt/internal/jit"
	"kernrt/internal/kernelapi"
	"kernrt/internal/klog"
	"kernrt/internal/metadata"
	"kernrt/internal/registry"
	"kernrt/internal/stackmap"
	"kernrt/internal/strpool"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
)

// Runtime is the single object a boot shim or harness constructs: every
// subsystem of spec.md §4/§5, wired together, plus the per-assembly state
// (metadata views, name-based resolution caches) that only corert itself
// needs to keep.
type Runtime struct {
	CodeHeap   *codeheap.Heap
	GCHeap     *gcheap.Heap
	Assemblies *registry.AssemblyRegistry
	Methods    *registry.CompiledMethodRegistry
	Strings    *strpool.Pool
	EH         *ehdispatch.Dispatcher
	Collector  *gc.Collector
	Unwind     *unwind.Table
	Log        *klog.Logger

	threads kernelapi.ThreadControl
	bridge  kernelapi.NativeBridge
	helpers jit.Helpers

	stringMT  *typesystem.MethodTable // the runtime's own concrete System.String descriptor
	wellKnown wellKnownTypes          // fixed MethodTables for the exceptions Tier-0 raises itself

	excMu      sync.Mutex
	currentExc uintptr // the in-flight exception object, for rethrow (spec.md §9: single in-flight exception per runtime, Tier-0 has no per-thread tracking yet)

	extraRootsMu sync.Mutex
	extraRoots   []kernelapi.VirtAddr // roots a harness pinned via RegisterStaticRoot

	mu         sync.RWMutex
	assemblies map[registry.AssemblyID]*assemblyState

	methodMu  sync.RWMutex
	stackMaps map[kernelapi.VirtAddr]*stackmap.Table // keyed by unwind.Entry.Begin

	trampMu             sync.Mutex
	trampolineKeys      []registry.MethodKey
	trampolineBridgeAddr kernelapi.VirtAddr
}

// assemblyState is everything corert tracks for one loaded assembly beyond
// what registry.AssemblyRecord itself stores: the parsed metadata view and
// image (for RVA-addressed method bodies and field initializers) and the
// name-based caches that stand in for full TypeRef/MemberRef resolution
// scope walking (documented simplification, see DESIGN.md).
type assemblyState struct {
	rec  *registry.AssemblyRecord
	view *metadata.View
	img  *metadata.Image

	typesByName    map[string]*typesystem.MethodTable
	methodsByOwner map[uint32]map[string]uint32 // owner TypeDef token -> method name -> MethodDef token
	methods        map[uint32]methodDefInfo     // MethodDef token -> info

	fieldsByOwner map[uint32]map[string]uint32 // owner TypeDef token -> field name -> Field token
	fields        map[uint32]fieldDefInfo      // Field token -> info
}

// fieldDefInfo is everything the resolver needs about one Field row.
type fieldDefInfo struct {
	shape    shape
	isStatic bool
	offset   int32 // instance fields only
}

// methodDefInfo is everything the resolver needs about one MethodDef: its
// signature, declaring type, and (if not abstract) the RVA its CIL body
// starts at.
type methodDefInfo struct {
	token    uint32
	name     string
	sig      metadata.MethodSig
	mt       *typesystem.MethodTable // declaring type
	rva      uint32
	isStatic bool
}

// New constructs a Runtime over the host kernel's page allocator, virtual
// memory mapper, thread control, and native call bridge (kernelapi). The
// returned Runtime has no assemblies loaded yet; call LoadAssembly before
// resolving or running any managed code.
func New(pages kernelapi.PageAllocator, vm kernelapi.VirtualMemory, threads kernelapi.ThreadControl, bridge kernelapi.NativeBridge, log *klog.Logger) (*Runtime, error) {
	if log == nil {
		log = klog.Default
	}
	rt := &Runtime{
		CodeHeap:   codeheap.New(pages, vm, 0),
		GCHeap:     gcheap.New(pages, vm),
		Assemblies: registry.NewAssemblyRegistry(),
		Methods:    registry.NewCompiledMethodRegistry(),
		Unwind:     unwind.NewTable(),
		Log:        log,
		threads:    threads,
		bridge:     bridge,
		assemblies: make(map[registry.AssemblyID]*assemblyState),
		stackMaps:  make(map[kernelapi.VirtAddr]*stackmap.Table),
	}
	rt.stringMT = &typesystem.MethodTable{
		Name:  "System.String",
		Flags: 0, // reference type; a string holds no managed references of its own
	}
	rt.Strings = strpool.New(rt)
	rt.EH = ehdispatch.New(rt.invokeFunclet)
	rt.wellKnown = newWellKnownTypes()

	helpers, err := rt.buildHelpers()
	if err != nil {
		return nil, fmt.Errorf("corert: registering native helpers: %w", err)
	}
	rt.helpers = helpers

	trampBridge, err := bridge.RegisterHelper(rt.resolveTrampoline)
	if err != nil {
		return nil, fmt.Errorf("corert: registering trampoline bridge: %w", err)
	}
	rt.trampolineBridgeAddr = trampBridge

	walker := &gc.StackWalker{
		Unwind:    rt.Unwind,
		StackMaps: rt.stackMaps,
		ReadStack: readMemWord,
		ReadSlot:  readMemWord,
	}
	rt.Collector = gc.New(rt.GCHeap, threads, rootProvider{rt}, walker, objectTracer{rt})
	return rt, nil
}

// stringMethodTable exposes the runtime's own System.String descriptor to
// package-internal helpers (strpool allocation, box/unbox of char[] are the
// only other things that might need to special-case it).
func (rt *Runtime) stringMethodTable() *typesystem.MethodTable { return rt.stringMT }
