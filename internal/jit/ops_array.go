package jit

import (
	"fmt"
	"unsafe"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

// Array object layout (spec.md §3 leaves this implicit; supplemented here):
// [0:8) MethodTable*, [8:16) length (int64 element count), [16:...) element
// data at stride ComponentSize, identical in shape to a normal object's
// 8-byte header plus an extra fixed length field.
const (
	arrayLengthOffset = int32(8)
	arrayDataOffset   = int32(16)
)

func (mc *methodCompiler) compileArray(in Instruction) error {
	switch in.Op {
	case OpNewarr:
		return mc.compileNewarr(in)
	case OpLdlen:
		return mc.compileLdlen()
	case OpLdelema:
		return mc.compileLdelema(in)
	case OpLdelem:
		return mc.compileLdelemToken(in)
	case OpStelem:
		return mc.compileStelemToken(in)
	case OpLdelemI1, OpLdelemU1, OpLdelemI2, OpLdelemU2, OpLdelemI4, OpLdelemU4,
		OpLdelemI8, OpLdelemI, OpLdelemR4, OpLdelemR8, OpLdelemRf:
		return mc.compileLdelemTyped(in.Op)
	case OpStelemI, OpStelemI1, OpStelemI2, OpStelemI4, OpStelemI8,
		OpStelemR4, OpStelemR8, OpStelemRf:
		return mc.compileStelemTyped(in.Op)
	}
	return fmt.Errorf("jit: compileArray: unhandled opcode %#x", in.Op)
}

func (mc *methodCompiler) compileNewarr(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RSI); err != nil { // length
		return err
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().AllocArray)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}

// methodTableAddr is the bridge from a *typesystem.MethodTable the resolver
// hands back to the stable address a helper call expects; corert's
// AssemblyRegistry keeps every MethodTable at a fixed address for its
// assembly's lifetime, so the pointer value itself is what gets baked in.
func methodTableAddr(mt *typesystem.MethodTable) kernelapi.VirtAddr {
	return kernelapi.VirtAddr(uintptr(unsafe.Pointer(mt)))
}

func (mc *methodCompiler) compileLdlen() error {
	if err := mc.popInto(x64asm.RAX); err != nil {
		return err
	}
	mc.e.CmpRI(x64asm.RAX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.RAX, arrayLengthOffset))
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

// boundsCheckedElemAddr pops index then arrayref, range-checks index
// against the array's length field, and leaves the element's address in
// RDX (chosen, as in ops_fields.go, to stay clear of loadSlot/storeSlot's
// own RAX scratch usage).
func (mc *methodCompiler) boundsCheckedElemAddr(stride int32) error {
	if err := mc.popInto(x64asm.RCX); err != nil { // index
		return err
	}
	if err := mc.popInto(x64asm.RDX); err != nil { // arrayref
		return err
	}
	mc.e.CmpRI(x64asm.RDX, 0)
	ok1 := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok1, mc.e.Len())

	mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.RDX, arrayLengthOffset))
	mc.e.CmpRR(x64asm.RCX, x64asm.RAX)
	ok2 := mc.e.JccShort(x64asm.CondB)
	mc.emitHelperCall(mc.helpers().RangeCheckFail)
	mc.e.PatchRel8At(ok2, mc.e.Len())

	mc.e.ImulRRImm32(x64asm.RCX, x64asm.RCX, stride)
	mc.e.AddRR(x64asm.RDX, x64asm.RCX)
	mc.e.AddRI(x64asm.RDX, arrayDataOffset)
	return nil
}

func (mc *methodCompiler) compileLdelema(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.boundsCheckedElemAddr(int32(mt.ComponentSize)); err != nil {
		return err
	}
	mc.e.MovRR(x64asm.RAX, x64asm.RDX)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

func (mc *methodCompiler) compileLdelemToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	size := elementSize(mt)
	if err := mc.boundsCheckedElemAddr(int32(size)); err != nil {
		return err
	}
	isRef := !mt.Flags.Has(typesystem.IsValueType)
	tag := typesystem.TagValueType
	if isRef {
		tag = typesystem.TagInt
	}
	mc.loadSlot(x64asm.MemAt(x64asm.RDX, 0), tag, size, isRef)
	return nil
}

func (mc *methodCompiler) compileStelemToken(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	size := elementSize(mt)
	n := slotsFor(typesystem.TagValueType, size)
	if !mt.Flags.Has(typesystem.IsValueType) {
		n = 1
	}
	// ..., arrayref, index, value(s) — value's n slots sit on top; shift
	// them aside by reading arrayref/index from n slots below exactly as
	// stfld does for its object reference.
	idxMem := x64asm.MemAt(x64asm.RSP, int32(n*8))
	arrMem := x64asm.MemAt(x64asm.RSP, int32(n*8+8))
	mc.e.MovRMem(x64asm.RCX, idxMem)
	mc.e.MovRMem(x64asm.RDX, arrMem)

	mc.e.CmpRI(x64asm.RDX, 0)
	ok1 := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok1, mc.e.Len())
	mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.RDX, arrayLengthOffset))
	mc.e.CmpRR(x64asm.RCX, x64asm.RAX)
	ok2 := mc.e.JccShort(x64asm.CondB)
	mc.emitHelperCall(mc.helpers().RangeCheckFail)
	mc.e.PatchRel8At(ok2, mc.e.Len())
	mc.e.ImulRRImm32(x64asm.RCX, x64asm.RCX, int32(size))
	mc.e.AddRR(x64asm.RDX, x64asm.RCX)
	mc.e.AddRI(x64asm.RDX, arrayDataOffset)

	if err := mc.storeSlot(x64asm.MemAt(x64asm.RDX, 0), typesystem.TagValueType, size); err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RCX); err != nil { // index
		return err
	}
	return mc.popInto(x64asm.RCX) // arrayref
}

func elementSize(mt *typesystem.MethodTable) int {
	if !mt.Flags.Has(typesystem.IsValueType) {
		return 8
	}
	return int(mt.BaseSize) - int(mt.FieldBaseOffset())
}

func (mc *methodCompiler) compileLdelemTyped(op Opcode) error {
	stride, tag := elemShapeFor(op)
	if err := mc.boundsCheckedElemAddr(stride); err != nil {
		return err
	}
	m := x64asm.MemAt(x64asm.RDX, 0)
	switch op {
	case OpLdelemI1:
		mc.e.MovRMem(x64asm.RAX, m)
		mc.e.MovsxB(x64asm.RAX)
	case OpLdelemU1:
		mc.e.MovzxMemByte(x64asm.RAX, m)
	case OpLdelemI2:
		mc.e.MovRMem(x64asm.RAX, m)
		mc.e.MovsxW(x64asm.RAX)
	case OpLdelemU2:
		mc.e.MovRMem(x64asm.RAX, m)
		mc.e.MovzxW(x64asm.RAX)
	case OpLdelemI4:
		mc.e.Mov32RMem(x64asm.RAX, m)
		mc.e.MovsxD(x64asm.RAX)
	case OpLdelemU4:
		mc.e.Mov32RMem(x64asm.RAX, m)
	case OpLdelemI8, OpLdelemI, OpLdelemRf:
		mc.e.MovRMem(x64asm.RAX, m)
	case OpLdelemR4:
		mc.e.Mov32RMem(x64asm.RAX, m)
	case OpLdelemR8:
		mc.e.MovRMem(x64asm.RAX, m)
	}
	mc.pushFromReg(x64asm.RAX, tag, op == OpLdelemRf)
	return nil
}

func (mc *methodCompiler) compileStelemTyped(op Opcode) error {
	stride, _ := elemShapeFor(stelemToLdelem(op))
	if err := mc.popInto(x64asm.RAX); err != nil { // value
		return err
	}
	if err := mc.boundsCheckedElemAddr(stride); err != nil {
		return err
	}
	m := x64asm.MemAt(x64asm.RDX, 0)
	switch op {
	case OpStelemI1:
		mc.e.MovByteMemR(m, x64asm.RAX)
	case OpStelemI2, OpStelemI4, OpStelemR4:
		mc.e.Mov32MemR(m, x64asm.RAX)
	case OpStelemI8, OpStelemI, OpStelemR8, OpStelemRf:
		mc.e.MovMemR(m, x64asm.RAX)
	}
	return nil
}

// elemShapeFor returns the native stride and eval-stack tag of a typed
// ldelem/stelem opcode pair.
func elemShapeFor(ldelemOp Opcode) (int32, typesystem.SlotTag) {
	switch ldelemOp {
	case OpLdelemI1, OpLdelemU1:
		return 1, typesystem.TagInt
	case OpLdelemI2, OpLdelemU2:
		return 2, typesystem.TagInt
	case OpLdelemI4, OpLdelemU4:
		return 4, typesystem.TagInt
	case OpLdelemI8, OpLdelemI:
		return 8, typesystem.TagInt
	case OpLdelemR4:
		return 4, typesystem.TagFloat64
	case OpLdelemR8:
		return 8, typesystem.TagFloat64
	case OpLdelemRf:
		return 8, typesystem.TagInt
	}
	return 8, typesystem.TagInt
}

func stelemToLdelem(op Opcode) Opcode {
	switch op {
	case OpStelemI1:
		return OpLdelemI1
	case OpStelemI2:
		return OpLdelemI2
	case OpStelemI4:
		return OpLdelemI4
	case OpStelemI8:
		return OpLdelemI8
	case OpStelemI:
		return OpLdelemI
	case OpStelemR4:
		return OpLdelemR4
	case OpStelemR8:
		return OpLdelemR8
	case OpStelemRf:
		return OpLdelemRf
	}
	return OpLdelemI8
}
