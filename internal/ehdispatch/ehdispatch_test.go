package ehdispatch

import (
	"testing"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
)

func TestDispatchInvokesMatchingCatch(t *testing.T) {
	exType := &typesystem.MethodTable{Name: "System.ArgumentException"}

	var invoked []kernelapi.VirtAddr
	invoker := func(entry kernelapi.VirtAddr, parentFrame, excObj uintptr) uintptr {
		invoked = append(invoked, entry)
		return 0xC0DE
	}
	d := New(invoker)

	mc := &MethodClauses{
		Entry: unwind.Entry{Begin: 0x1000, End: 0x1100},
		Clauses: []Clause{
			{Kind: ClauseCatch, TryStart: 0x1000, TryEnd: 0x1100, CatchType: exType, FuncletEntry: 0x1200},
		},
	}
	d.Register(mc)

	exc := ManagedException{Object: 0x9000, ObjectMT: exType, ThrowSite: 0x1010}
	frames := []Frame{{mc: mc, pc: 0x1010}}

	cont, err := d.Dispatch(exc, frames)
	if err != nil {
		t.Fatal(err)
	}
	if cont != 0xC0DE {
		t.Fatalf("continuation = %#x, want 0xc0de", cont)
	}
	if len(invoked) != 1 || invoked[0] != 0x1200 {
		t.Fatalf("expected exactly the catch funclet invoked, got %v", invoked)
	}
}

func TestDispatchRunsInterveningFinallies(t *testing.T) {
	exType := &typesystem.MethodTable{Name: "System.Exception"}
	var order []kernelapi.VirtAddr
	invoker := func(entry kernelapi.VirtAddr, parentFrame, excObj uintptr) uintptr {
		order = append(order, entry)
		return 0xABCD
	}
	d := New(invoker)

	inner := &MethodClauses{
		Entry: unwind.Entry{Begin: 0x1000, End: 0x1050},
		Clauses: []Clause{
			{Kind: ClauseFinally, TryStart: 0x1000, TryEnd: 0x1050, FuncletEntry: 0x1500},
		},
	}
	outer := &MethodClauses{
		Entry: unwind.Entry{Begin: 0x2000, End: 0x2100},
		Clauses: []Clause{
			{Kind: ClauseCatch, TryStart: 0x2000, TryEnd: 0x2100, CatchType: exType, FuncletEntry: 0x2500},
		},
	}
	d.Register(inner)
	d.Register(outer)

	exc := ManagedException{Object: 0x9000, ObjectMT: exType, ThrowSite: 0x1010}
	frames := []Frame{{mc: inner, pc: 0x1010}, {mc: outer, pc: 0x2010}}

	_, err := d.Dispatch(exc, frames)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 0x1500 || order[1] != 0x2500 {
		t.Fatalf("expected finally then catch, got %v", order)
	}
}

func TestDispatchUnhandledReturnsError(t *testing.T) {
	d := New(func(kernelapi.VirtAddr, uintptr, uintptr) uintptr { return 0 })
	exc := ManagedException{ObjectMT: &typesystem.MethodTable{Name: "System.Exception"}, ThrowSite: 0x1000}
	if _, err := d.Dispatch(exc, nil); err == nil {
		t.Fatal("expected error for no frames")
	}
}

func TestDispatchFilterAcceptsOnNonzero(t *testing.T) {
	exType := &typesystem.MethodTable{Name: "System.Exception"}
	invoker := func(entry kernelapi.VirtAddr, parentFrame, excObj uintptr) uintptr {
		if entry == 0x1300 {
			return 1 // filter accepts
		}
		return 0x4242
	}
	d := New(invoker)
	mc := &MethodClauses{
		Entry: unwind.Entry{Begin: 0x1000, End: 0x1100},
		Clauses: []Clause{
			{Kind: ClauseFilter, TryStart: 0x1000, TryEnd: 0x1100, FilterEntry: 0x1300, FuncletEntry: 0x1400},
		},
	}
	d.Register(mc)
	exc := ManagedException{ObjectMT: exType, ThrowSite: 0x1010}
	frames := []Frame{{mc: mc, pc: 0x1010}}

	cont, err := d.Dispatch(exc, frames)
	if err != nil {
		t.Fatal(err)
	}
	if cont != 0x4242 {
		t.Fatalf("continuation = %#x, want 0x4242", cont)
	}
}

func TestFramesStopsAtUnregisteredCode(t *testing.T) {
	tbl := unwind.NewTable()
	tbl.Register(unwind.Entry{Begin: 0x1000, End: 0x1050})
	methods := map[kernelapi.VirtAddr]*MethodClauses{
		0x1000: {Entry: unwind.Entry{Begin: 0x1000, End: 0x1050}},
	}
	readStack := func(addr uintptr) uintptr { return 0 } // no caller frame registered
	frames := Frames(tbl, methods, 0x1010, unwind.Context{RSP: 0x500}, readStack)
	if len(frames) != 1 {
		t.Fatalf("expected exactly 1 frame, got %d", len(frames))
	}
}
