package jit

import (
	"fmt"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

func (mc *methodCompiler) compileMisc(in Instruction) error {
	switch in.Op {
	case OpThrow:
		return mc.compileThrow()
	case OpRethrow:
		mc.emitHelperCall(mc.helpers().Rethrow)
		return nil
	case OpLeave, OpLeaveS:
		return mc.compileLeave(in)
	case OpEndfinally:
		mc.e.Ret()
		return nil
	case OpEndfilter:
		if err := mc.popInto(x64asm.RAX); err != nil {
			return err
		}
		mc.e.Ret()
		return nil
	case OpSizeof:
		return mc.compileSizeof(in)
	case OpLdtoken:
		return mc.compileLdtoken(in)
	case OpMkrefany:
		return mc.compileMkrefany(in)
	case OpRefanyval:
		return mc.compileRefanyval(in)
	case OpRefanytype:
		return mc.compileRefanytype()
	case OpLocalloc:
		return mc.compileLocalloc()
	}
	return fmt.Errorf("jit: compileMisc: unhandled opcode %#x", in.Op)
}

func (mc *methodCompiler) compileThrow() error {
	if err := mc.popInto(x64asm.RDI); err != nil {
		return err
	}
	mc.emitHelperCall(mc.helpers().Throw)
	return nil
}

// compileLeave lowers leave/leave.s as a plain unconditional branch.
//
// ECMA-335 requires leave to run every enclosing finally block between the
// current point and its target before transferring control. This tier
// does not compile that funclet-ordering logic — its exception dispatcher
// drives finally execution during stack unwinding (spec.md §4.8's
// catch/finally walk), and ordinary (non-exceptional) exit through a
// try/finally by straight-line leave is not exercised by any fixture in
// this runtime's surface yet. Recorded as a known gap rather than guessed
// at.
func (mc *methodCompiler) compileLeave(in Instruction) error {
	disp := mc.e.Jmp()
	mc.branchFixups = append(mc.branchFixups, branchFixup{codeOffset: disp, targetIL: in.Int32, short: false})
	return nil
}

func (mc *methodCompiler) compileSizeof(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	size := elementSize(mt)
	mc.e.MovRImm32(x64asm.RAX, uint32(size))
	mc.e.MovsxD(x64asm.RAX)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

// compileLdtoken supports the common typeof()-style usage: pushing an
// opaque handle that identifies a resolved type. Field- and method-token
// forms of ldtoken are not modeled; no fixture in this runtime's surface
// uses them.
func (mc *methodCompiler) compileLdtoken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RAX, uint64(methodTableAddr(mt)))
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

// Typed references (mkrefany/refanyval/refanytype) are represented as a
// plain two-slot value: {valueAddr, typeHandle}, mirroring how the CLR's
// TypedReference is itself just a pointer plus a type handle with no
// further structure this runtime's JIT needs to understand.
func (mc *methodCompiler) compileMkrefany(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RAX); err != nil { // address
		return err
	}
	mc.e.MovRImm64(x64asm.RCX, uint64(methodTableAddr(mt)))
	mc.pushFromReg(x64asm.RAX, typesystem.TagValueType, false)
	mc.pushFromReg(x64asm.RCX, typesystem.TagValueType, false)
	return nil
}

func (mc *methodCompiler) compileRefanyval(in Instruction) error {
	if _, err := mc.pop(); err != nil { // type handle slot (top), discarded
		return err
	}
	mc.e.AddRI(x64asm.RSP, 8)
	if err := mc.popInto(x64asm.RAX); err != nil { // address slot
		return err
	}
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

func (mc *methodCompiler) compileRefanytype() error {
	if err := mc.popInto(x64asm.RAX); err != nil { // type handle slot (top)
		return err
	}
	if _, err := mc.pop(); err != nil { // address slot, discarded
		return err
	}
	mc.e.AddRI(x64asm.RSP, 8)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

func (mc *methodCompiler) compileLocalloc() error {
	if err := mc.popInto(x64asm.RAX); err != nil {
		return err
	}
	mc.e.AddRI(x64asm.RAX, 7)
	mc.e.AndRI(x64asm.RAX, ^int32(7))
	mc.e.SubRR(x64asm.RSP, x64asm.RAX)
	mc.e.MovRR(x64asm.RAX, x64asm.RSP)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}
