package jit

import (
	"fmt"

	"kernrt/internal/x64asm"
)

// sigArgBytes is the total physical stack footprint of a resolved
// signature's parameters, in the same units layoutFrame uses for argOff.
func sigArgBytes(sig MethodSig) int32 {
	var total int32
	for _, p := range sig.Params {
		total += int32(slotsFor(p.Tag, p.Size) * 8)
	}
	return total
}

// finishCall pops sig's argument slots from the compile-time eval-stack
// model (they were consumed by the callee, never by us — the callee
// doesn't clean its own args per this runtime's convention, so the caller
// does it here with a single add), then pushes the return value if any.
func (mc *methodCompiler) finishCall(sig MethodSig) error {
	for _, p := range sig.Params {
		for i := 0; i < slotsFor(p.Tag, p.Size); i++ {
			if _, err := mc.pop(); err != nil {
				return err
			}
		}
	}
	if n := sigArgBytes(sig); n > 0 {
		mc.e.AddRI(x64asm.RSP, n)
	}
	if sig.HasRet {
		mc.pushFromReg(x64asm.RAX, sig.Ret.Tag, sig.Ret.IsRef)
	}
	return nil
}

func (mc *methodCompiler) compileCall(in Instruction) error {
	switch in.Op {
	case OpCall:
		return mc.compileCallDirect(in)
	case OpCallvirt:
		return mc.compileCallvirt(in)
	case OpCalli:
		return mc.compileCalli(in)
	case OpRet:
		return mc.emitEpilogue()
	case OpJmp:
		return mc.compileTailJmp(in)
	}
	return fmt.Errorf("jit: compileCall: unhandled opcode %#x", in.Op)
}

// compileCallDirect lowers `call`: the args (and, for an instance method,
// the receiver as the first of them) are already sitting on the eval
// stack in the order the preceding instructions pushed them, so there is
// nothing left to do but resolve a stable entry point and call through it
// (spec.md §4.10).
func (mc *methodCompiler) compileCallDirect(in Instruction) error {
	key, sig, err := mc.res.ResolveMethodRef(in.Token)
	if err != nil {
		return err
	}
	entry, err := mc.res.EnsureCallable(key)
	if err != nil {
		return err
	}
	mc.emitHelperCall(entry) // mechanically identical to a helper call: bake + CallIndirect
	return mc.finishCall(sig)
}

// compileCallvirt lowers `callvirt`. The receiver's concrete MethodTable
// is unknown until runtime, so unlike a direct call this cannot bake a
// single fixed entry point: it peeks the receiver (always a single-slot
// managed reference, per ECMA-335) off the stack without disturbing the
// already-pushed argument block, null-checks it, and asks
// ResolveVirtualEntry to do the actual vtable walk in managed code.
func (mc *methodCompiler) compileCallvirt(in Instruction) error {
	slot, sig, err := mc.res.ResolveVirtualSlot(in.Token)
	if err != nil {
		return err
	}
	objOff := sigArgBytes(sig) - 8
	mc.e.MovRMem(x64asm.RDX, x64asm.MemAt(x64asm.RSP, objOff))
	mc.e.CmpRI(x64asm.RDX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	mc.e.MovRR(x64asm.RDI, x64asm.RDX)
	mc.e.MovRImm64(x64asm.RSI, uint64(slot))
	mc.e.MovRImm64(x64asm.R11, uint64(mc.helpers().ResolveVirtualEntry))
	mc.e.CallIndirect(x64asm.R11)
	mc.e.CallIndirect(x64asm.RAX) // entry address ResolveVirtualEntry resolved

	return mc.finishCall(sig)
}

// compileCalli lowers `calli`: the callee address is a value already on
// the stack rather than something the metadata resolver names, and
// Tier-0's Resolver has no seam for standalone method signatures (every
// other call form carries a method token the registry can look up). No
// fixture in this runtime's surface emits calli, so it is left
// unsupported rather than guessed at.
func (mc *methodCompiler) compileCalli(in Instruction) error {
	return fmt.Errorf("jit: calli is not supported in this tier")
}

// compileTailJmp lowers `jmp`: it replaces the current activation with a
// call to another method of the identical signature, reusing the
// caller's own argument block instead of pushing a new one. It tears the
// frame down exactly as emitEpilogue would, but jumps instead of
// returning, since the args already sit where the callee's prologue
// expects them.
func (mc *methodCompiler) compileTailJmp(in Instruction) error {
	key, _, err := mc.res.ResolveMethodRef(in.Token)
	if err != nil {
		return err
	}
	entry, err := mc.res.EnsureCallable(key)
	if err != nil {
		return err
	}
	if mc.frameBytes > 0 {
		mc.e.AddRI(x64asm.RSP, mc.frameBytes)
	}
	mc.e.PopR(x64asm.RBP)
	mc.e.MovRImm64(x64asm.R11, uint64(entry))
	mc.e.JmpIndirect(x64asm.R11)
	return nil
}
