package jit

import (
	"fmt"
	"math"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

// localVarIndex resolves the short-form opcodes (ldloc.0..3, ldarg.0..3,
// stloc.0..3) to a variable index, and the `.s`/wide forms to in.VarIdx.
func localVarIndex(op Opcode, decodedIdx int) int {
	switch op {
	case OpLdarg0, OpLdloc0, OpStloc0:
		return 0
	case OpLdarg1, OpLdloc1, OpStloc1:
		return 1
	case OpLdarg2, OpLdloc2, OpStloc2:
		return 2
	case OpLdarg3, OpLdloc3, OpStloc3:
		return 3
	default:
		return decodedIdx
	}
}

func (mc *methodCompiler) argMem(idx int) (x64asm.Mem, Param, error) {
	if idx < 0 || idx >= len(mc.argOff) {
		return x64asm.Mem{}, Param{}, fmt.Errorf("jit: arg index %d out of range", idx)
	}
	return x64asm.MemAt(x64asm.RBP, mc.argOff[idx]), mc.in.Params[idx], nil
}

func (mc *methodCompiler) localMem(idx int) (x64asm.Mem, Local, error) {
	if idx < 0 || idx >= len(mc.localOff) {
		return x64asm.Mem{}, Local{}, fmt.Errorf("jit: local index %d out of range", idx)
	}
	return x64asm.MemAt(x64asm.RBP, mc.localOff[idx]), mc.in.Locals[idx], nil
}

// loadSlot pushes the value at mem (tagged tag/size/isRef) onto the eval
// stack, copying one 8-byte slot at a time for value types (spec.md §4.9's
// "loads and stores of a value-type local move its full slot span").
func (mc *methodCompiler) loadSlot(base x64asm.Mem, tag typesystem.SlotTag, size int, isRef bool) {
	n := slotsFor(tag, size)
	for i := 0; i < n; i++ {
		m := x64asm.MemAt(base.Base, base.Disp+int32(i*8))
		mc.e.MovRMem(x64asm.RAX, m)
		if tag == typesystem.TagValueType {
			mc.pushFromRegSized(x64asm.RAX, isRef && n == 1, size)
		} else {
			mc.pushFromReg(x64asm.RAX, tag, isRef && n == 1)
		}
	}
}

// storeSlot pops n eval-stack slots into mem, reversing push order so the
// in-memory layout matches what loadSlot would later read back.
func (mc *methodCompiler) storeSlot(base x64asm.Mem, tag typesystem.SlotTag, size int) error {
	n := slotsFor(tag, size)
	for i := n - 1; i >= 0; i-- {
		if err := mc.popInto(x64asm.RAX); err != nil {
			return err
		}
		m := x64asm.MemAt(base.Base, base.Disp+int32(i*8))
		mc.e.MovMemR(m, x64asm.RAX)
	}
	return nil
}

func (mc *methodCompiler) compileLocalsAndConsts(in Instruction) error {
	switch in.Op {
	case OpLdnull:
		mc.e.XorRR(x64asm.RAX, x64asm.RAX)
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
		return nil

	case OpLdcI4M1, OpLdcI40, OpLdcI41, OpLdcI42, OpLdcI43, OpLdcI44,
		OpLdcI45, OpLdcI46, OpLdcI47, OpLdcI48:
		v := int32(in.Op) - int32(OpLdcI40)
		mc.e.MovRImm64(x64asm.RAX, uint64(int64(v)))
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
		return nil
	case OpLdcI4S, OpLdcI4:
		mc.e.MovRImm64(x64asm.RAX, uint64(int64(in.Int32)))
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
		return nil
	case OpLdcI8:
		mc.e.MovRImm64(x64asm.RAX, uint64(in.Int64))
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
		return nil
	case OpLdcR4:
		bits := math.Float64bits(float32FromBits(in.R4Bits))
		mc.e.MovRImm64(x64asm.RAX, bits)
		mc.pushFromReg(x64asm.RAX, typesystem.TagFloat64, false)
		return nil
	case OpLdcR8:
		mc.e.MovRImm64(x64asm.RAX, in.R8Bits)
		mc.pushFromReg(x64asm.RAX, typesystem.TagFloat64, false)
		return nil

	case OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3, OpLdargS, OpLdarg:
		idx := localVarIndex(in.Op, in.VarIdx)
		m, p, err := mc.argMem(idx)
		if err != nil {
			return err
		}
		mc.loadSlot(m, p.Tag, p.Size, p.IsRef)
		return nil

	case OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3, OpLdlocS, OpLdloc:
		idx := localVarIndex(in.Op, in.VarIdx)
		m, l, err := mc.localMem(idx)
		if err != nil {
			return err
		}
		mc.loadSlot(m, l.Tag, l.Size, l.IsRef)
		return nil

	case OpStloc0, OpStloc1, OpStloc2, OpStloc3, OpStlocS, OpStloc:
		idx := localVarIndex(in.Op, in.VarIdx)
		m, l, err := mc.localMem(idx)
		if err != nil {
			return err
		}
		return mc.storeSlot(m, l.Tag, l.Size)

	case OpStargS, OpStarg:
		m, p, err := mc.argMem(in.VarIdx)
		if err != nil {
			return err
		}
		return mc.storeSlot(m, p.Tag, p.Size)

	case OpLdargaS, OpLdarga:
		m, _, err := mc.argMem(in.VarIdx)
		if err != nil {
			return err
		}
		mc.e.LeaRMem(x64asm.RAX, m)
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
		return nil

	case OpLdlocaS, OpLdloca:
		m, _, err := mc.localMem(in.VarIdx)
		if err != nil {
			return err
		}
		mc.e.LeaRMem(x64asm.RAX, m)
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
		return nil
	}
	return fmt.Errorf("jit: compileLocalsAndConsts: unhandled opcode %#x", in.Op)
}

// compileDup duplicates the top eval-stack value, per spec.md §4.9:
// "duplicate all slots of the top value". For a multi-slot value type this
// copies every slot belonging to it, preserving slot order, rather than
// just the one 8-byte word closest to RSP.
func (mc *methodCompiler) compileDup() error {
	if len(mc.stack) == 0 {
		return fmt.Errorf("jit: dup on empty eval stack")
	}
	top := mc.stack[len(mc.stack)-1]
	n, err := mc.valueTypeSpan()
	if err != nil {
		return err
	}
	// Every slot of the original span still sits (n-1)*8 bytes below
	// whatever RSP the next push will read from — each push moves RSP down
	// by 8 while the next slot to copy is also one step closer to the top,
	// so the offset from the current RSP to the next source word never
	// changes across the loop.
	off := int32((n - 1) * 8)
	for i := 0; i < n; i++ {
		mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.RSP, off))
		if top.Tag == typesystem.TagValueType {
			mc.pushFromRegSized(x64asm.RAX, top.IsRef, top.Size)
		} else {
			mc.pushFromReg(x64asm.RAX, top.Tag, top.IsRef)
		}
	}
	return nil
}
