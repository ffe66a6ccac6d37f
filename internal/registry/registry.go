// Package registry implements CompiledMethodRegistry and AssemblyRegistry
// (spec.md §4.10, §3's AssemblyRecord): the concurrent token→native-entry
// table that lets recursive and mutually-recursive compilation terminate,
// and the per-assembly directory of loaded types, static-field storage, and
// cross-assembly references.
//
// Grounded on spec.md §9's explicit redesign guidance ("arena + index, not
// pointer cycles... a Reserved slot is created before any code references
// it") and on the teacher's own forward-reference bookkeeping in
// backend.go: funcOffsets map[string]int plus a callFixups list lets the
// code generator emit a call to a function it hasn't placed yet and patch
// it once the offset is known. CompiledMethodRegistry generalizes that
// same "stable key now, resolved value later" idea into a three-state
// machine so two threads racing to compile the same method cooperate
// instead of double-compiling.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"kernrt/internal/ehdispatch"
	"kernrt/internal/kernelapi"
	"kernrt/internal/stackmap"
	"kernrt/internal/typesystem"
)

// MethodState is a CompiledMethodRecord's place in the compilation
// lifecycle (spec.md §3).
type MethodState int32

const (
	StateReserved MethodState = iota
	StateCompiling
	StateReady
)

func (s MethodState) String() string {
	switch s {
	case StateReserved:
		return "Reserved"
	case StateCompiling:
		return "Compiling"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("MethodState(%d)", int(s))
	}
}

// MethodKey identifies one method across the whole runtime: the assembly
// that declares it and its metadata token within that assembly.
type MethodKey struct {
	AssemblyID AssemblyID
	Token      uint32
}

// MethodRecord is one method's entry (spec.md §3's CompiledMethodRecord).
// TrampolineAddr is stable from the moment the record is created — callers
// emitted before compilation finishes target it, and it is itself what
// Reserved/Compiling lookups return; the fields populated by Finish are
// only valid once State() reports StateReady.
type MethodRecord struct {
	state int32 // atomic MethodState

	TrampolineAddr kernelapi.VirtAddr

	mu             sync.RWMutex
	nativeEntry    kernelapi.VirtAddr
	codeLength     int
	prologueLength int
	stackMap       *stackmap.Table
	clauses        *ehdispatch.MethodClauses
}

// State returns the record's current lifecycle state.
func (rec *MethodRecord) State() MethodState {
	return MethodState(atomic.LoadInt32(&rec.state))
}

// BeginCompiling attempts the Reserved→Compiling transition, succeeding
// for exactly one caller (spec.md §5(b): "Reserved → Compiling must
// succeed exactly once so that two threads racing to JIT the same method
// cooperate"). A false result means another thread already owns
// compilation, or the method reached Ready while this thread was deciding
// to compile it — the caller should fall back to using TrampolineAddr (or,
// if State() is already StateReady, the published entry) rather than
// compiling again.
func (rec *MethodRecord) BeginCompiling() bool {
	return atomic.CompareAndSwapInt32(&rec.state, int32(StateReserved), int32(StateCompiling))
}

// Finish publishes the compiled method's native entry point and metadata
// and transitions the record to Ready. It must be called at most once, by
// the thread that won BeginCompiling.
func (rec *MethodRecord) Finish(entry kernelapi.VirtAddr, codeLength, prologueLength int, sm *stackmap.Table, clauses *ehdispatch.MethodClauses) {
	rec.mu.Lock()
	rec.nativeEntry = entry
	rec.codeLength = codeLength
	rec.prologueLength = prologueLength
	rec.stackMap = sm
	rec.clauses = clauses
	rec.mu.Unlock()
	atomic.StoreInt32(&rec.state, int32(StateReady))
}

// Snapshot returns the metadata Finish published. Valid only once State()
// reports StateReady; callers that observe StateReady are guaranteed to see
// a fully published Snapshot (Finish stores the fields before flipping the
// atomic state word).
func (rec *MethodRecord) Snapshot() (entry kernelapi.VirtAddr, codeLength, prologueLength int, sm *stackmap.Table, clauses *ehdispatch.MethodClauses) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.nativeEntry, rec.codeLength, rec.prologueLength, rec.stackMap, rec.clauses
}

// CompiledMethodRegistry is the concurrent (assembly,token)→state table of
// spec.md §4.10. One instance is shared by every compiling thread.
type CompiledMethodRegistry struct {
	mu      sync.Mutex
	methods map[MethodKey]*MethodRecord
}

// NewCompiledMethodRegistry returns an empty registry.
func NewCompiledMethodRegistry() *CompiledMethodRegistry {
	return &CompiledMethodRegistry{methods: make(map[MethodKey]*MethodRecord)}
}

// Reserve returns the record for key, creating it in StateReserved with
// trampoline as its stable call target if this is the first request for
// key. The bool result is true only when this call performed the creation
// — the JIT should begin compiling only when it owns a fresh reservation
// (spec.md §4.10: "reservations are created eagerly... whenever it
// encounters a call to an unknown method, so the emitter always has a
// stable call target to emit").
func (r *CompiledMethodRegistry) Reserve(key MethodKey, trampoline kernelapi.VirtAddr) (*MethodRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.methods[key]; ok {
		return rec, false
	}
	rec := &MethodRecord{state: int32(StateReserved), TrampolineAddr: trampoline}
	r.methods[key] = rec
	return rec, true
}

// Lookup returns the record for key without creating one.
func (r *CompiledMethodRegistry) Lookup(key MethodKey) (*MethodRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.methods[key]
	return rec, ok
}

// AssemblyID names one loaded assembly.
type AssemblyID int64

// AssemblyRecord is one loaded image's directory (spec.md §3's
// AssemblyRecord): its defined types by token, its static-field arena, and
// the other assemblies it references.
type AssemblyRecord struct {
	ID   AssemblyID
	Name string

	mu          sync.RWMutex
	types       map[uint32]*typesystem.MethodTable
	staticArena []byte
	staticSlots map[uint32]int // field token -> byte offset in staticArena
	staticCur   int
	refRoots    []kernelapi.VirtAddr // addresses of reference-typed static slots, for GC

	references []AssemblyID        // assemblies this one depends on
	dependents map[AssemblyID]bool // assemblies that depend on this one
}

// DefineType registers mt under token, overwriting any previous definition
// (re-registration happens only during EnC-style reloads, which this
// runtime does not otherwise model).
func (rec *AssemblyRecord) DefineType(token uint32, mt *typesystem.MethodTable) {
	rec.mu.Lock()
	rec.types[token] = mt
	rec.mu.Unlock()
}

// ResolveType looks up a previously defined type by token.
func (rec *AssemblyRecord) ResolveType(token uint32) (*typesystem.MethodTable, bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	mt, ok := rec.types[token]
	return mt, ok
}

// AllocStaticSlot reserves size bytes within the assembly's static arena
// for field token (spec.md §3: "a contiguous block with slot offsets"),
// returning the offset. Calling it again for the same token returns the
// offset already assigned rather than allocating again, so class
// initializers can be re-entered idempotently. isReference marks the slot
// as holding an object pointer, making its address a GC root for as long
// as the assembly stays loaded.
func (rec *AssemblyRecord) AllocStaticSlot(token uint32, size int, isReference bool) (int, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if off, ok := rec.staticSlots[token]; ok {
		return off, nil
	}
	if rec.staticCur+size > len(rec.staticArena) {
		return 0, fmt.Errorf("registry: static arena exhausted for assembly %d (need %d more bytes, %d available)", rec.ID, size, len(rec.staticArena)-rec.staticCur)
	}
	off := rec.staticCur
	rec.staticSlots[token] = off
	rec.staticCur += size
	if isReference {
		rec.refRoots = append(rec.refRoots, staticSlotAddr(rec.staticArena, off))
	}
	return off, nil
}

// staticSlotAddr computes the address of offset off within arena. Hosts
// that back staticArena with pinned, non-moving memory (every allocation
// in this runtime, per spec.md §3 invariant 3: "objects never move") may
// rely on this address staying valid for the assembly's lifetime.
func staticSlotAddr(arena []byte, off int) kernelapi.VirtAddr {
	if len(arena) == 0 {
		return 0
	}
	return kernelapi.VirtAddr(uintptr(unsafe.Pointer(&arena[0])) + uintptr(off))
}

// StaticFieldAddr returns the address of an already-allocated static slot.
func (rec *AssemblyRecord) StaticFieldAddr(token uint32) (kernelapi.VirtAddr, error) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	off, ok := rec.staticSlots[token]
	if !ok {
		return 0, fmt.Errorf("registry: static field token %#x not allocated in assembly %d", token, rec.ID)
	}
	return staticSlotAddr(rec.staticArena, off), nil
}

// AssemblyRegistry is the central directory of loaded assemblies (spec.md
// §2's AssemblyRegistry row): per-assembly type/static-field/foreign
// reference directory, with dependency-checked unload.
type AssemblyRegistry struct {
	mu         sync.RWMutex
	assemblies map[AssemblyID]*AssemblyRecord
	byName     map[string]AssemblyID
	nextID     AssemblyID
}

// NewAssemblyRegistry returns an empty registry.
func NewAssemblyRegistry() *AssemblyRegistry {
	return &AssemblyRegistry{
		assemblies: make(map[AssemblyID]*AssemblyRecord),
		byName:     make(map[string]AssemblyID),
	}
}

// Load registers a newly-loaded assembly named name with a static arena of
// staticArenaSize bytes, returning its record.
func (a *AssemblyRegistry) Load(name string, staticArenaSize int) *AssemblyRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	rec := &AssemblyRecord{
		ID:          a.nextID,
		Name:        name,
		types:       make(map[uint32]*typesystem.MethodTable),
		staticArena: make([]byte, staticArenaSize),
		staticSlots: make(map[uint32]int),
		dependents:  make(map[AssemblyID]bool),
	}
	a.assemblies[rec.ID] = rec
	a.byName[name] = rec.ID
	return rec
}

// Get returns the record for id.
func (a *AssemblyRegistry) Get(id AssemblyID) (*AssemblyRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.assemblies[id]
	return rec, ok
}

// Resolve finds a loaded assembly by simple name. Version and public-key
// token matching are left to the caller (spec.md §9 open question: "the
// exact matching of assembly references... is left to the implementer");
// this runtime resolves AssemblyRef rows by name only, which is sufficient
// for the single-fixture-image scenarios §8 exercises.
func (a *AssemblyRegistry) Resolve(name string) (*AssemblyRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byName[name]
	if !ok {
		return nil, false
	}
	return a.assemblies[id], true
}

// ResolveReference records that referencer depends on target, so Unload
// can refuse to remove an assembly still in use (spec.md §9: "this spec
// requires dependency-check-before-unload").
func (a *AssemblyRegistry) ResolveReference(referencer, target AssemblyID) error {
	a.mu.RLock()
	referencerRec, ok1 := a.assemblies[referencer]
	targetRec, ok2 := a.assemblies[target]
	a.mu.RUnlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("registry: cannot resolve reference %d -> %d: assembly not loaded", referencer, target)
	}
	referencerRec.mu.Lock()
	referencerRec.references = append(referencerRec.references, target)
	referencerRec.mu.Unlock()

	targetRec.mu.Lock()
	targetRec.dependents[referencer] = true
	targetRec.mu.Unlock()
	return nil
}

// Unload removes id, refusing if any other loaded assembly still
// references it.
func (a *AssemblyRegistry) Unload(id AssemblyID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.assemblies[id]
	if !ok {
		return fmt.Errorf("registry: assembly %d not loaded", id)
	}
	rec.mu.RLock()
	n := len(rec.dependents)
	rec.mu.RUnlock()
	if n > 0 {
		return fmt.Errorf("registry: assembly %d has %d dependent assemblies, refusing unload", id, n)
	}
	for _, dep := range rec.references {
		if depRec, ok := a.assemblies[dep]; ok {
			depRec.mu.Lock()
			delete(depRec.dependents, id)
			depRec.mu.Unlock()
		}
	}
	delete(a.assemblies, id)
	delete(a.byName, rec.Name)
	return nil
}

// StaticRoots implements gc.RootProvider: every loaded assembly's
// reference-typed static slot addresses.
func (a *AssemblyRegistry) StaticRoots() []kernelapi.VirtAddr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []kernelapi.VirtAddr
	for _, rec := range a.assemblies {
		rec.mu.RLock()
		out = append(out, rec.refRoots...)
		rec.mu.RUnlock()
	}
	return out
}
