package jit

import (
	"kernrt/internal/x64asm"
)

// isBackEdge reports whether a branch targets an IL offset at or before its
// own instruction start — a loop back-edge, per spec.md §5's safepoint
// placement rule.
func isBackEdge(in Instruction, targetIL int) bool {
	return targetIL <= in.Offset
}

func (mc *methodCompiler) compileBranch(in Instruction) error {
	if in.Op == OpSwitch {
		return mc.compileSwitch(in)
	}

	short := false
	switch in.Op {
	case OpBrS, OpBrfalseS, OpBrtrueS, OpBeqS, OpBgeS, OpBgtS, OpBleS, OpBltS,
		OpBneUnS, OpBgeUnS, OpBgtUnS, OpBleUnS, OpBltUnS:
		short = true
	}

	unconditional := in.Op == OpBr || in.Op == OpBrS

	var cond x64asm.Cond
	needsCompareZero := false

	switch in.Op {
	case OpBrfalseS, OpBrfalse:
		needsCompareZero = true
		cond = x64asm.CondE
	case OpBrtrueS, OpBrtrue:
		needsCompareZero = true
		cond = x64asm.CondNE
	case OpBeqS, OpBeq:
		cond = x64asm.CondE
	case OpBgeS, OpBge:
		cond = x64asm.CondGE
	case OpBgtS, OpBgt:
		cond = x64asm.CondG
	case OpBleS, OpBle:
		cond = x64asm.CondLE
	case OpBltS, OpBlt:
		cond = x64asm.CondL
	case OpBneUnS, OpBneUn:
		cond = x64asm.CondNE
	case OpBgeUnS, OpBgeUn:
		cond = x64asm.CondAE
	case OpBgtUnS, OpBgtUn:
		cond = x64asm.CondA
	case OpBleUnS, OpBleUn:
		cond = x64asm.CondBE
	case OpBltUnS, OpBltUn:
		cond = x64asm.CondB
	}

	if !unconditional {
		if needsCompareZero {
			if err := mc.popInto(x64asm.RAX); err != nil {
				return err
			}
			mc.e.TestRR(x64asm.RAX, x64asm.RAX)
		} else {
			if err := mc.popInto(x64asm.RCX); err != nil {
				return err
			}
			if err := mc.popInto(x64asm.RAX); err != nil {
				return err
			}
			mc.e.CmpRR(x64asm.RAX, x64asm.RCX)
		}
	}

	var dispOffset int
	if unconditional {
		dispOffset = mc.e.Jmp()
		short = false // always emit near for unconditional; simpler fixup bookkeeping
	} else if short {
		dispOffset = mc.e.JccShort(cond)
	} else {
		dispOffset = mc.e.Jcc(cond)
	}

	mc.branchFixups = append(mc.branchFixups, branchFixup{codeOffset: dispOffset, targetIL: in.Int32, short: short})
	if isBackEdge(in, in.Int32) {
		mc.recordSafepoint()
	}
	return nil
}

// compileSwitch lowers the N-target jump table as a linear compare-and-
// branch chain (Tier-0 does not build a native jump table; a method with a
// large switch simply pays for it in code size and branch count, which is
// an acceptable Tier-0 trade-off since it will be replaced by an optimizing
// tier's jump table on promotion).
func (mc *methodCompiler) compileSwitch(in Instruction) error {
	if err := mc.popInto(x64asm.RAX); err != nil {
		return err
	}
	for i, target := range in.SwitchTargets {
		mc.e.CmpRI(x64asm.RAX, int32(i))
		disp := mc.e.Jcc(x64asm.CondE)
		mc.branchFixups = append(mc.branchFixups, branchFixup{codeOffset: disp, targetIL: target, short: false})
		if isBackEdge(in, target) {
			mc.recordSafepoint()
		}
	}
	return nil
}
