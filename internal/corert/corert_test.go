package corert

import (
	"testing"

	"kernrt/internal/simkernel"
	"kernrt/internal/typesystem"
)

// newTestRuntime wires a Runtime over simkernel, the same host-development
// kernelapi implementation cmd/coreharness runs against: AllocObject and
// AllocArray write through real unsafe.Pointer dereferences into an
// object's header, so a fake that only hands out fabricated bookkeeping
// addresses (as codeheap/gcheap's own test fakes do, since neither package
// itself dereferences the addresses it bumps) would segfault here.
func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	mem := simkernel.NewMemory()
	bridge := simkernel.NewBridge()
	rt, err := New(mem, mem, simkernel.Threads{}, bridge, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

func TestAllocObjectStampsHeaderAndIsZeroed(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Point", BaseSize: 24}

	addr, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatalf("AllocObject: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected nonzero address")
	}
	if got := mtFromAddr(readMemWord(uintptr(addr) + typesystem.MTOffset)); got != mt {
		t.Fatalf("stamped MethodTable = %p, want %p", got, mt)
	}
	if v := readMemWord(uintptr(addr) + 8); v != 0 {
		t.Fatalf("expected zeroed field storage, got %#x", v)
	}
}

func TestAllocObjectDistinctAddresses(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Widget", BaseSize: 16}

	a, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatal(err)
	}
	b, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct object addresses")
	}
}

func TestAllocArrayStampsLengthAndElements(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Int32[]", ComponentSize: 8, Flags: typesystem.IsArray}

	addr, err := rt.AllocArray(mtAddr(mt), 4)
	if err != nil {
		t.Fatalf("AllocArray: %v", err)
	}
	if got := readMemWord(uintptr(addr) + arrayLengthOffset); got != 4 {
		t.Fatalf("stamped length = %d, want 4", got)
	}
	writeMemWord(uintptr(addr)+arrayDataOffset+2*8, 0xABCD)
	if got := readMemWord(uintptr(addr) + arrayDataOffset + 2*8); got != 0xABCD {
		t.Fatalf("element write/read round-trip failed, got %#x", got)
	}
}

func TestAllocArrayRejectsNegativeLength(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Int32[]", ComponentSize: 8, Flags: typesystem.IsArray}
	if _, err := rt.allocArray(mt, -1); err == nil {
		t.Fatal("expected an error for a negative array length")
	}
}

func TestRegisterStaticRootFeedsRootProvider(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Anchor", BaseSize: 8}
	obj, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatal(err)
	}
	rt.RegisterStaticRoot(obj)

	rp := rootProvider{rt: rt}
	roots := rp.StaticRoots()
	found := false
	for _, r := range roots {
		if r == obj {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %#x among static roots, got %v", obj, roots)
	}
}

func TestObjectTracerWalksFixedSeries(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{
		Name:     "Node",
		BaseSize: 24,
		Flags:    typesystem.HasReferences,
		GCDesc:   typesystem.GCDesc{Series: []typesystem.Series{{Offset: 8, Length: 16}}},
	}
	addr, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatal(err)
	}
	writeMemWord(uintptr(addr)+8, 0x1000)
	writeMemWord(uintptr(addr)+16, 0) // a null slot must not be reported as a reference

	refs := (objectTracer{rt: rt}).TraceReferences(uintptr(addr))
	if len(refs) != 1 || refs[0] != 0x1000 {
		t.Fatalf("TraceReferences = %v, want [0x1000]", refs)
	}
}

func TestObjectTracerSkipsTypesWithoutReferences(t *testing.T) {
	rt := newTestRuntime(t)
	mt := &typesystem.MethodTable{Name: "Leaf", BaseSize: 8}
	addr, err := rt.AllocObject(mtAddr(mt))
	if err != nil {
		t.Fatal(err)
	}
	if refs := (objectTracer{rt: rt}).TraceReferences(uintptr(addr)); refs != nil {
		t.Fatalf("expected no references, got %v", refs)
	}
}
