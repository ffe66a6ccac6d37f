package jit

import "kernrt/internal/kernelapi"

// Helpers are native entry points the JIT emits direct calls to for
// operations it does not inline: allocation, casts, boxing, and the various
// ways a Tier-0 method can fault. This is the standard "JIT helper call"
// pattern real CLR-style runtimes use for anything that must reach into the
// GC heap or type system from generated code, keeping the code generator
// itself free of any dependency on gcheap/typesystem beyond the addresses
// it is handed. corert implements and registers these against the GC heap,
// type system, and exception dispatcher it owns.
//
// Helper calls use a fixed two-register argument convention (RDI, then
// RSI) distinct from the managed stack-based calling convention used
// between JIT-compiled methods — this boundary crosses into
// natively-implemented runtime code, so it follows a conventional
// register-argument shape rather than the managed push/pop one.
type Helpers struct {
	AllocObject kernelapi.VirtAddr // rdi=MethodTable* -> rax=obj
	AllocArray  kernelapi.VirtAddr // rdi=MethodTable*, rsi=length -> rax=obj

	Box   kernelapi.VirtAddr // rdi=MethodTable*, rsi=valueAddr -> rax=obj
	Unbox kernelapi.VirtAddr // rdi=MethodTable*, rsi=obj -> rax=valueAddr (throws InvalidCastException on mismatch)

	CastClass kernelapi.VirtAddr // rdi=MethodTable*, rsi=obj -> rax=obj (throws on mismatch)
	IsInst    kernelapi.VirtAddr // rdi=MethodTable*, rsi=obj -> rax=obj|0

	Throw   kernelapi.VirtAddr // rdi=obj -> noreturn
	Rethrow kernelapi.VirtAddr // (no args; rethrows the exception currently in flight) -> noreturn

	RangeCheckFail   kernelapi.VirtAddr // rdi=index, rsi=length -> noreturn
	OverflowFail     kernelapi.VirtAddr // noreturn
	DivideByZeroFail kernelapi.VirtAddr // noreturn
	NullRefFail      kernelapi.VirtAddr // noreturn

	// ResolveVirtualEntry performs the actual vtable lookup a callvirt needs:
	// the receiver's concrete MethodTable is only known at the call site's
	// runtime, not at JIT time, so the JIT cannot bake a vtable byte offset
	// the way it does for instance fields. It instead emits a null check,
	// loads the object pointer into rdi along with the statically resolved
	// slot number into rsi, and lets corert (which already holds every
	// MethodTable as a live Go value) walk mt.ResolveVtableSlot in managed
	// code and hand back the native entry point to call through.
	ResolveVirtualEntry kernelapi.VirtAddr // rdi=obj, rsi=slot -> rax=entry
}

func (mc *methodCompiler) helpers() Helpers { return mc.c.helpers }
