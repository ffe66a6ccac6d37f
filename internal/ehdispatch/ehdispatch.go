// Package ehdispatch implements ExceptionDispatch (spec.md §4.8): SEH-style
// two-pass exception handling over the clause tables the JIT attaches to
// each compiled method, including funclet (separately unwindable handler
// code) invocation.
//
// Grounded on 99a22e2e_Talismancer-gvisor-ligolo__pkg-sentry-arch-arch.go's
// machine-context capture/restore shape for a signal-like dispatch loop, and
// the teacher's own label/fixup bookkeeping in backend_x64.go (labelOffsets,
// jumpFixups, callFixups) generalized from "patch a branch once its target
// is known" to "locate and invoke a funclet once its clause is chosen".
package ehdispatch

import (
	"fmt"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
)

// ClauseKind distinguishes the three protected-region clause shapes spec.md
// §4.8 requires (typed catch, filter, and finally/fault).
type ClauseKind int

const (
	ClauseCatch ClauseKind = iota
	ClauseFilter
	ClauseFinally
)

// Clause is one entry of a method's EH table: a protected [TryStart,TryEnd)
// code range and the funclet to run if an exception reaches it.
type Clause struct {
	Kind ClauseKind

	TryStart kernelapi.VirtAddr
	TryEnd   kernelapi.VirtAddr

	// CatchType is consulted only when Kind == ClauseCatch: the funclet
	// runs when the thrown object's MethodTable is assignable to CatchType.
	CatchType *typesystem.MethodTable

	// FilterEntry is consulted only when Kind == ClauseFilter: invoked
	// first-pass to decide whether this clause handles the exception,
	// returning nonzero to accept it (spec.md §4.8's filter semantics).
	FilterEntry kernelapi.VirtAddr

	FuncletEntry kernelapi.VirtAddr
}

// MethodClauses is one compiled method's ordered EH table; clauses are
// tried innermost-first, matching CIL's lexical nesting (spec.md §4.8
// invariant: "clauses are evaluated in the order the compiler emitted
// them, innermost protected region first").
type MethodClauses struct {
	Entry    unwind.Entry
	Clauses  []Clause
}

// FuncletInvoker calls a funclet at entry with the parent frame's
// established frame pointer and, for catch funclets, the exception object
// pointer in the ABI-defined argument register; it returns the funclet's
// result (a continuation address for catch, or 0 for finally).
type FuncletInvoker func(entry kernelapi.VirtAddr, parentFrame uintptr, exceptionObj uintptr) uintptr

// ManagedException is a thrown object plus the program point it was thrown
// from, the unit ExceptionDispatch reasons about.
type ManagedException struct {
	Object    uintptr
	ObjectMT  *typesystem.MethodTable
	ThrowSite kernelapi.VirtAddr
}

// Dispatcher walks an unwind.Table's entries to find and run handlers; it
// holds no state of its own beyond the tables and invoker it was built
// with, so one Dispatcher instance is reused across every Throw.
type Dispatcher struct {
	methods map[kernelapi.VirtAddr]*MethodClauses // keyed by Entry.Begin
	invoke  FuncletInvoker
}

// New returns a Dispatcher that invokes funclets via invoke.
func New(invoke FuncletInvoker) *Dispatcher {
	return &Dispatcher{methods: make(map[kernelapi.VirtAddr]*MethodClauses), invoke: invoke}
}

// Register attaches a compiled method's EH clause table, keyed by its
// unwind entry's start address.
func (d *Dispatcher) Register(mc *MethodClauses) {
	d.methods[mc.Entry.Begin] = mc
}

// Frame is one stack frame visited during dispatch: the method whose
// clause table is in scope and the program counter within it.
type Frame struct {
	mc *MethodClauses
	pc kernelapi.VirtAddr
}

// Dispatch runs the two-pass algorithm spec.md §4.8 describes starting at
// the throw site: pass one walks frames outward evaluating clauses against
// exc without running finallies, looking for a catch/filter that accepts
// it; pass two re-walks the same frames (up to and including the one that
// matched) running any intervening finally funclets, then invokes the
// matching catch funclet and returns its continuation address. It returns
// an error if no frame handles exc (spec.md §7's FatalHalt path — an
// unhandled managed exception).
func (d *Dispatcher) Dispatch(exc ManagedException, frames []Frame) (kernelapi.VirtAddr, error) {
	matchFrame, matchClause := d.findHandler(exc, frames)
	if matchFrame < 0 {
		return 0, fmt.Errorf("ehdispatch: unhandled exception of type %s thrown at %#x", exc.ObjectMT.Name, exc.ThrowSite)
	}

	for i := 0; i <= matchFrame; i++ {
		f := frames[i]
		last := i == matchFrame
		for _, c := range f.mc.Clauses {
			if last && sameClause(c, matchClause) {
				break // clauses past the match enclose the handler itself
			}
			if !inRange(f.pc, c) {
				continue
			}
			if c.Kind == ClauseFinally {
				d.invoke(c.FuncletEntry, 0, 0)
			}
		}
	}

	continuation := d.invoke(matchClause.FuncletEntry, 0, exc.Object)
	return kernelapi.VirtAddr(continuation), nil
}

// findHandler runs pass one: for each frame outward from the throw site,
// for each clause protecting the current pc (innermost-emitted first),
// accept the first ClauseCatch whose CatchType matches or the first
// ClauseFilter whose filter funclet returns nonzero.
func (d *Dispatcher) findHandler(exc ManagedException, frames []Frame) (int, Clause) {
	for i, f := range frames {
		for _, c := range f.mc.Clauses {
			if !inRange(f.pc, c) {
				continue
			}
			switch c.Kind {
			case ClauseCatch:
				if c.CatchType != nil && c.CatchType.IsAssignableFrom(exc.ObjectMT) {
					return i, c
				}
			case ClauseFilter:
				if d.invoke(c.FilterEntry, 0, exc.Object) != 0 {
					return i, c
				}
			}
		}
	}
	return -1, Clause{}
}

func inRange(pc kernelapi.VirtAddr, c Clause) bool {
	return pc >= c.TryStart && pc < c.TryEnd
}

func sameClause(a, b Clause) bool {
	return a.TryStart == b.TryStart && a.TryEnd == b.TryEnd && a.FuncletEntry == b.FuncletEntry && a.Kind == b.Kind
}

// Raise is the entry point a Throw/Rethrow helper drives: it builds the
// frame list outward from start/ctx using tbl and readStack, then runs the
// same two-pass algorithm Dispatch implements. It exists because Dispatch's
// frame list must be built from this Dispatcher's own registered clause
// tables, which callers outside this package have no other way to reach.
func (d *Dispatcher) Raise(exc ManagedException, start kernelapi.VirtAddr, ctx unwind.Context, tbl *unwind.Table, readStack unwind.StackReader) (kernelapi.VirtAddr, error) {
	frames := Frames(tbl, d.methods, start, ctx, readStack)
	return d.Dispatch(exc, frames)
}

// Frames builds the frame list Dispatch consumes by walking the unwind
// table outward from the throw site via VirtualUnwind, stopping once it
// leaves managed code (a Lookup miss).
func Frames(tbl *unwind.Table, methods map[kernelapi.VirtAddr]*MethodClauses, start kernelapi.VirtAddr, ctx unwind.Context, readStack unwind.StackReader) []Frame {
	var out []Frame
	pc := start
	for {
		entry, err := tbl.Lookup(pc)
		if err != nil {
			return out
		}
		if mc := methods[entry.Begin]; mc != nil {
			out = append(out, Frame{mc: mc, pc: pc}) // a method with no clause table has nothing to dispatch to
		}
		ctx = unwind.VirtualUnwind(entry, ctx, readStack)
		pc = kernelapi.VirtAddr(ctx.RIP)
	}
}
