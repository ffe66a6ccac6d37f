package jit

import (
	"fmt"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

// isFloat reports whether an eval-stack entry is a floating-point value,
// carried in a GPR as raw bits exactly like everything else on the
// stack-machine stack (movq to/from an XMM register only at the point an
// arithmetic op needs the value as a float).
func isFloat(e evalEntry) bool {
	return e.Tag == typesystem.TagFloat32 || e.Tag == typesystem.TagFloat64
}

func (mc *methodCompiler) compileArith(in Instruction) error {
	switch in.Op {
	case OpNeg, OpNot:
		top, err := mc.pop()
		if err != nil {
			return err
		}
		mc.e.PopR(x64asm.RAX)
		if isFloat(top) {
			mc.e.MovqXR(x64asm.XMM0, x64asm.RAX)
			mc.e.XorpdXX(x64asm.XMM1)
			mc.e.SubsdXX(x64asm.XMM1, x64asm.XMM0)
			mc.e.MovqRX(x64asm.RAX, x64asm.XMM1)
		} else if in.Op == OpNeg {
			mc.e.NegR(x64asm.RAX)
		} else {
			mc.e.NotR(x64asm.RAX)
		}
		mc.pushFromReg(x64asm.RAX, top.Tag, false)
		return nil
	}

	right, err := mc.pop()
	if err != nil {
		return err
	}
	left, err := mc.pop()
	if err != nil {
		return err
	}

	switch in.Op {
	case OpCeq, OpCgt, OpCgtUn, OpClt, OpCltUn:
		return mc.compileCompare(in.Op, left, right)
	}

	if isFloat(left) || isFloat(right) {
		return mc.compileFloatArith(in.Op)
	}
	return mc.compileIntArith(in.Op, left.Tag)
}

// compileIntArith expects right's bits on top of the machine stack and
// left's bits immediately below it (the order the CIL stack leaves them
// in); it pops right into RCX and left into RAX, computes, and pushes one
// Int result, trapping into the matching helper on overflow/divide errors.
func (mc *methodCompiler) compileIntArith(op Opcode, resultTag typesystem.SlotTag) error {
	mc.e.PopR(x64asm.RCX) // right
	mc.e.PopR(x64asm.RAX) // left
	switch op {
	case OpAdd:
		mc.e.AddRR(x64asm.RAX, x64asm.RCX)
	case OpSub:
		mc.e.SubRR(x64asm.RAX, x64asm.RCX)
	case OpMul:
		mc.e.ImulRR(x64asm.RAX, x64asm.RCX)
	case OpAnd:
		mc.e.AndRR(x64asm.RAX, x64asm.RCX)
	case OpOr:
		mc.e.OrRR(x64asm.RAX, x64asm.RCX)
	case OpXor:
		mc.e.XorRR(x64asm.RAX, x64asm.RCX)
	case OpShl:
		mc.e.ShlCl(x64asm.RAX)
	case OpShr:
		mc.e.SarCl(x64asm.RAX)
	case OpShrUn:
		mc.e.ShrCl(x64asm.RAX)
	case OpDiv:
		mc.e.Cqo()
		mc.e.IdivR(x64asm.RCX)
	case OpDivUn:
		mc.e.XorRR(x64asm.RDX, x64asm.RDX)
		mc.e.DivR(x64asm.RCX)
	case OpRem:
		mc.e.Cqo()
		mc.e.IdivR(x64asm.RCX)
		mc.e.MovRR(x64asm.RAX, x64asm.RDX)
	case OpRemUn:
		mc.e.XorRR(x64asm.RDX, x64asm.RDX)
		mc.e.DivR(x64asm.RCX)
		mc.e.MovRR(x64asm.RAX, x64asm.RDX)
	case OpAddOvf, OpAddOvfUn:
		mc.e.AddRR(x64asm.RAX, x64asm.RCX)
		mc.emitOverflowTrap()
	case OpSubOvf, OpSubOvfUn:
		mc.e.SubRR(x64asm.RAX, x64asm.RCX)
		mc.emitOverflowTrap()
	case OpMulOvf, OpMulOvfUn:
		mc.e.ImulRR(x64asm.RAX, x64asm.RCX)
		mc.emitOverflowTrap()
	default:
		return fmt.Errorf("jit: compileIntArith: unhandled opcode %#x", op)
	}
	mc.pushFromReg(x64asm.RAX, resultTag, false)
	return nil
}

// emitOverflowTrap branches past a call into the overflow helper when the
// preceding arithmetic op left the overflow flag clear.
func (mc *methodCompiler) emitOverflowTrap() {
	skip := mc.e.JccShort(x64asm.CondNO)
	mc.emitHelperCall(mc.helpers().OverflowFail)
	mc.e.PatchRel8At(skip, mc.e.Len())
}

func (mc *methodCompiler) compileFloatArith(op Opcode) error {
	mc.e.PopR(x64asm.RCX)
	mc.e.PopR(x64asm.RAX)
	mc.e.MovqXR(x64asm.XMM1, x64asm.RCX) // right
	mc.e.MovqXR(x64asm.XMM0, x64asm.RAX) // left
	switch op {
	case OpAdd:
		mc.e.AddsdXX(x64asm.XMM0, x64asm.XMM1)
	case OpSub:
		mc.e.SubsdXX(x64asm.XMM0, x64asm.XMM1)
	case OpMul:
		mc.e.MulsdXX(x64asm.XMM0, x64asm.XMM1)
	case OpDiv, OpDivUn:
		mc.e.DivsdXX(x64asm.XMM0, x64asm.XMM1)
	default:
		return fmt.Errorf("jit: compileFloatArith: unsupported float opcode %#x", op)
	}
	mc.e.MovqRX(x64asm.RAX, x64asm.XMM0)
	mc.pushFromReg(x64asm.RAX, typesystem.TagFloat64, false)
	return nil
}

// compileCompare lowers ceq/cgt/cgt.un/clt/clt.un into a 0/1 Int result via
// SETcc, dispatching on whether either operand is floating point.
func (mc *methodCompiler) compileCompare(op Opcode, left, right evalEntry) error {
	if isFloat(left) || isFloat(right) {
		mc.e.PopR(x64asm.RCX)
		mc.e.PopR(x64asm.RAX)
		mc.e.MovqXR(x64asm.XMM1, x64asm.RCX)
		mc.e.MovqXR(x64asm.XMM0, x64asm.RAX)
		mc.e.UcomisdXX(x64asm.XMM0, x64asm.XMM1)
	} else {
		mc.e.PopR(x64asm.RCX)
		mc.e.PopR(x64asm.RAX)
		mc.e.CmpRR(x64asm.RAX, x64asm.RCX)
	}
	var cc x64asm.Cond
	switch op {
	case OpCeq:
		cc = x64asm.CondE
	case OpCgt:
		cc = x64asm.CondG
	case OpCgtUn:
		cc = x64asm.CondA
	case OpClt:
		cc = x64asm.CondL
	case OpCltUn:
		cc = x64asm.CondB
	}
	mc.e.SetCC(cc, x64asm.RAX)
	mc.e.MovzxB(x64asm.RAX)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}
