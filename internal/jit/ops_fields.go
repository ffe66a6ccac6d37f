package jit

import (
	"fmt"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

func (mc *methodCompiler) compileField(in Instruction) error {
	switch in.Op {
	case OpLdfld:
		return mc.compileLdfld(in)
	case OpLdflda:
		return mc.compileLdflda(in)
	case OpStfld:
		return mc.compileStfld(in)
	case OpLdsfld:
		return mc.compileLdsfld(in)
	case OpLdsflda:
		return mc.compileLdsflda(in)
	case OpStsfld:
		return mc.compileStsfld(in)
	}
	return fmt.Errorf("jit: compileField: unhandled opcode %#x", in.Op)
}

// valueTypeFieldWordMem addresses word wordIdx (0 = the value's lowest
// struct-byte range) of a value spanning totalWords stack words whose own
// top sits topDisp bytes above the current RSP. loadSlot/pushFromRegSized
// lay a value's words out in reverse: the word closest to RSP holds the
// highest struct-byte range, so word wordIdx sits (totalWords-1-wordIdx)
// words further from RSP than the value's own top.
func valueTypeFieldWordMem(topDisp int32, totalWords, wordIdx int) x64asm.Mem {
	return x64asm.MemAt(x64asm.RSP, topDisp+int32(totalWords-1-wordIdx)*8)
}

// Field addresses are always carried in RDX rather than RAX/RCX: loadSlot
// and storeSlot use RAX as their own per-slot scratch register, so the base
// pointer they index through must live somewhere they never touch.
func (mc *methodCompiler) compileLdfld(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	if len(mc.stack) == 0 {
		return fmt.Errorf("jit: eval stack underflow")
	}
	if recv := mc.stack[len(mc.stack)-1]; recv.Tag == typesystem.TagValueType {
		return mc.compileLdfldOnStackValue(f, recv)
	}

	if err := mc.popInto(x64asm.RDX); err != nil { // object/managed pointer
		return err
	}
	mc.e.CmpRI(x64asm.RDX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	mc.loadSlot(x64asm.MemAt(x64asm.RDX, f.Offset), f.Tag, f.Size, f.IsRef)
	return nil
}

// compileLdfldOnStackValue implements ldfld when the receiver is a value
// type that lives on the eval stack by value rather than behind a pointer
// (spec.md §4.9: "field access on a value type that lives on the eval
// stack... must compute the field address as an offset from the current
// stack pointer — never dereference the stack slot as a pointer"). It
// compacts the receiver's slots down to just the field's slots in place,
// with no real push/pop beyond one final rsp adjustment.
func (mc *methodCompiler) compileLdfldOnStackValue(f FieldRef, recv evalEntry) error {
	nOld := typesystem.SlotsForValueType(recv.Size)
	nField := slotsFor(f.Tag, f.Size)
	baseWord := int(f.Offset) / 8
	intra := int32(f.Offset) % 8

	for j := 0; j < nField; j++ {
		src := valueTypeFieldWordMem(0, nOld, baseWord+j)
		if j == 0 {
			src.Disp += intra
		}
		dst := valueTypeFieldWordMem(int32((nOld-nField)*8), nField, j)
		mc.e.MovRMem(x64asm.RAX, src)
		mc.e.MovMemR(dst, x64asm.RAX)
	}
	mc.e.AddRI(x64asm.RSP, int32((nOld-nField)*8))

	for i := 0; i < nOld; i++ {
		if _, err := mc.pop(); err != nil {
			return err
		}
	}
	if f.Tag == typesystem.TagValueType {
		for i := 0; i < nField; i++ {
			mc.pushValueTypeEntry(f.Size)
		}
	} else {
		mc.push(f.Tag, f.IsRef)
	}
	return nil
}

func (mc *methodCompiler) compileLdflda(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RDX); err != nil {
		return err
	}
	mc.e.LeaRMem(x64asm.RCX, x64asm.MemAt(x64asm.RDX, f.Offset))
	mc.pushFromReg(x64asm.RCX, typesystem.TagInt, false)
	return nil
}

func (mc *methodCompiler) compileStfld(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	n := slotsFor(f.Tag, f.Size)
	if len(mc.stack) > n {
		if recv := mc.stack[len(mc.stack)-1-n]; recv.Tag == typesystem.TagValueType {
			return mc.compileStfldOnStackValue(f, recv, n)
		}
	}

	// The object reference sits n slots below the value on the eval
	// stack (..., obj, value), so read it before consuming the value.
	objMem := x64asm.MemAt(x64asm.RSP, int32(n*8))
	mc.e.MovRMem(x64asm.RDX, objMem)
	mc.e.CmpRI(x64asm.RDX, 0)
	ok := mc.e.JccShort(x64asm.CondNE)
	mc.emitHelperCall(mc.helpers().NullRefFail)
	mc.e.PatchRel8At(ok, mc.e.Len())

	if err := mc.storeSlot(x64asm.MemAt(x64asm.RDX, f.Offset), f.Tag, f.Size); err != nil {
		return err
	}
	return mc.popInto(x64asm.RCX) // discard the object reference
}

// compileStfldOnStackValue implements stfld when the receiver beneath the
// value being stored is itself a value type resident on the eval stack by
// value (spec.md §4.9's stack-pointer-relative field-address rule). The
// value's words are written into the receiver's slots in place, then the
// value and the (now mutated) receiver are discarded together.
func (mc *methodCompiler) compileStfldOnStackValue(f FieldRef, recv evalEntry, nValue int) error {
	nOld := typesystem.SlotsForValueType(recv.Size)
	baseWord := int(f.Offset) / 8
	intra := int32(f.Offset) % 8

	for j := 0; j < nValue; j++ {
		src := valueTypeFieldWordMem(0, nValue, j) // the value sits above the receiver
		dst := valueTypeFieldWordMem(int32(nValue*8), nOld, baseWord+j)
		if j == 0 {
			dst.Disp += intra
		}
		mc.e.MovRMem(x64asm.RAX, src)
		mc.e.MovMemR(dst, x64asm.RAX)
	}
	mc.e.AddRI(x64asm.RSP, int32((nOld+nValue)*8))

	for i := 0; i < nOld+nValue; i++ {
		if _, err := mc.pop(); err != nil {
			return err
		}
	}
	return nil
}

func (mc *methodCompiler) compileLdsfld(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDX, uint64(f.StaticAddr))
	mc.loadSlot(x64asm.MemAt(x64asm.RDX, 0), f.Tag, f.Size, f.IsRef)
	return nil
}

func (mc *methodCompiler) compileLdsflda(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RAX, uint64(f.StaticAddr))
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

func (mc *methodCompiler) compileStsfld(in Instruction) error {
	f, err := mc.res.ResolveFieldRef(in.Token)
	if err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDX, uint64(f.StaticAddr))
	return mc.storeSlot(x64asm.MemAt(x64asm.RDX, 0), f.Tag, f.Size)
}
