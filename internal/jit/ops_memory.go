package jit

import (
	"fmt"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

// compileMemory lowers the ldind.*/stind.* indirect family and the block
// operations (cpblk/initblk/ldobj/stobj/initobj/cpobj), all of which read
// or write through a managed pointer already sitting on the eval stack.
func (mc *methodCompiler) compileMemory(in Instruction) error {
	switch in.Op {
	case OpLdindI1, OpLdindU1, OpLdindI2, OpLdindU2, OpLdindI4, OpLdindU4,
		OpLdindI8, OpLdindI, OpLdindR4, OpLdindR8, OpLdindRef:
		return mc.compileLdind(in.Op)
	case OpStindRef, OpStindI1, OpStindI2, OpStindI4, OpStindI8, OpStindI,
		OpStindR4, OpStindR8:
		return mc.compileStind(in.Op)
	case OpCpblk:
		return mc.compileCpblk()
	case OpInitblk:
		return mc.compileInitblk()
	case OpLdobj:
		return mc.compileLdobjToken(in)
	case OpStobj:
		return mc.compileStobjToken(in)
	case OpCpobj:
		return mc.compileCpobjToken(in)
	case OpInitobj:
		return mc.compileInitobjToken(in)
	}
	return fmt.Errorf("jit: compileMemory: unhandled opcode %#x", in.Op)
}

func (mc *methodCompiler) compileLdind(op Opcode) error {
	if err := mc.popInto(x64asm.RAX); err != nil {
		return err
	}
	mc.e.CmpRI(x64asm.RAX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	m := x64asm.MemAt(x64asm.RAX, 0)
	tag := typesystem.TagInt
	switch op {
	case OpLdindI1:
		mc.e.MovRMem(x64asm.RCX, m)
		mc.e.MovsxB(x64asm.RCX)
	case OpLdindU1:
		mc.e.MovzxMemByte(x64asm.RCX, m)
	case OpLdindI2:
		mc.e.MovRMem(x64asm.RCX, m)
		mc.e.MovsxW(x64asm.RCX)
	case OpLdindU2:
		mc.e.MovRMem(x64asm.RCX, m)
		mc.e.MovzxW(x64asm.RCX)
	case OpLdindI4:
		mc.e.Mov32RMem(x64asm.RCX, m)
		mc.e.MovsxD(x64asm.RCX)
	case OpLdindU4:
		mc.e.Mov32RMem(x64asm.RCX, m)
	case OpLdindI8, OpLdindI, OpLdindRef:
		mc.e.MovRMem(x64asm.RCX, m)
	case OpLdindR4:
		mc.e.Mov32RMem(x64asm.RCX, m)
		tag = typesystem.TagFloat64
	case OpLdindR8:
		mc.e.MovRMem(x64asm.RCX, m)
		tag = typesystem.TagFloat64
	}
	mc.pushFromReg(x64asm.RCX, tag, op == OpLdindRef)
	return nil
}

func (mc *methodCompiler) compileStind(op Opcode) error {
	if err := mc.popInto(x64asm.RCX); err != nil { // value
		return err
	}
	if err := mc.popInto(x64asm.RAX); err != nil { // address
		return err
	}
	mc.e.CmpRI(x64asm.RAX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	m := x64asm.MemAt(x64asm.RAX, 0)
	switch op {
	case OpStindI1:
		mc.e.MovByteMemR(m, x64asm.RCX)
	case OpStindI2:
		mc.e.Mov32MemR(m, x64asm.RCX) // truncated write acceptable: upper bytes unused by ldind.*2 readers
	case OpStindI4, OpStindR4:
		mc.e.Mov32MemR(m, x64asm.RCX)
	case OpStindI8, OpStindI, OpStindR8, OpStindRef:
		mc.e.MovMemR(m, x64asm.RCX)
	}
	return nil
}

// compileCpblk copies len bytes from src to dst, all three taken off the
// eval stack in ECMA-335's (dst, src, len) push order, via rep movsb.
func (mc *methodCompiler) compileCpblk() error {
	if err := mc.popInto(x64asm.RCX); err != nil { // len
		return err
	}
	if err := mc.popInto(x64asm.RSI); err != nil { // src
		return err
	}
	if err := mc.popInto(x64asm.RDI); err != nil { // dst
		return err
	}
	mc.e.RepMovsb()
	return nil
}

// compileInitblk zero-fills (or value-fills) len bytes at dst, in ECMA-335's
// (dst, value, len) push order, via rep stosb.
func (mc *methodCompiler) compileInitblk() error {
	if err := mc.popInto(x64asm.RCX); err != nil { // len
		return err
	}
	if err := mc.popInto(x64asm.RAX); err != nil { // fill value (byte)
		return err
	}
	if err := mc.popInto(x64asm.RDI); err != nil { // dst
		return err
	}
	mc.e.RepStosb()
	return nil
}

func (mc *methodCompiler) compileLdobjToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.R8); err != nil { // source address
		return err
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	isRef := !mt.Flags.Has(typesystem.IsValueType)
	base := x64asm.MemAt(x64asm.R8, 0)
	if isRef {
		mc.e.MovRMem(x64asm.RAX, base)
		mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
		return nil
	}
	n := typesystem.SlotsForValueType(size)
	for i := 0; i < n; i++ {
		mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.R8, int32(i*8)))
		mc.pushFromRegSized(x64asm.RAX, false, size)
	}
	return nil
}

func (mc *methodCompiler) compileStobjToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	isRef := !mt.Flags.Has(typesystem.IsValueType)
	if isRef {
		if err := mc.popInto(x64asm.RCX); err != nil { // value
			return err
		}
		if err := mc.popInto(x64asm.R8); err != nil { // dest address
			return err
		}
		mc.e.MovMemR(x64asm.MemAt(x64asm.R8, 0), x64asm.RCX)
		return nil
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	n := typesystem.SlotsForValueType(size)
	// stobj's stack shape is ..., addr, value — the address sits n slots
	// below the value's own slots, still untouched by the pops below, so
	// read it via SP-relative addressing before consuming any value slots.
	addrMem := x64asm.MemAt(x64asm.RSP, int32(n*8))
	mc.e.MovRMem(x64asm.R8, addrMem)
	for i := n - 1; i >= 0; i-- {
		mc.e.PopR(x64asm.RAX)
		if _, err := mc.pop(); err != nil {
			return err
		}
		mc.e.MovMemR(x64asm.MemAt(x64asm.R8, int32(i*8)), x64asm.RAX)
	}
	mc.e.PopR(x64asm.RCX) // discard the now-exposed dest address
	if _, err := mc.pop(); err != nil {
		return err
	}
	return nil
}

func (mc *methodCompiler) compileCpobjToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RSI); err != nil { // src
		return err
	}
	if err := mc.popInto(x64asm.RDI); err != nil { // dst
		return err
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	if mt.Flags.Has(typesystem.IsValueType) {
		mc.e.MovRImm32(x64asm.RCX, uint32(size))
	} else {
		mc.e.MovRImm32(x64asm.RCX, 8)
	}
	mc.e.RepMovsb()
	return nil
}

func (mc *methodCompiler) compileInitobjToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RDI); err != nil {
		return err
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	if !mt.Flags.Has(typesystem.IsValueType) {
		size = 8
	}
	mc.e.XorRR(x64asm.RAX, x64asm.RAX)
	mc.e.MovRImm32(x64asm.RCX, uint32(size))
	mc.e.RepStosb()
	return nil
}
