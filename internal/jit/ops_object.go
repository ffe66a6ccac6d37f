package jit

import (
	"fmt"

	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

func (mc *methodCompiler) compileObject(in Instruction) error {
	switch in.Op {
	case OpNewobj:
		return mc.compileNewobj(in)
	case OpBox:
		return mc.compileBox(in)
	case OpUnbox:
		return mc.compileUnbox(in)
	case OpUnboxAny:
		return mc.compileUnboxAny(in)
	case OpCastcls:
		return mc.compileCastclass(in)
	case OpIsinst:
		return mc.compileIsinst(in)
	case OpLdstr:
		return mc.compileLdstr(in)
	}
	return fmt.Errorf("jit: compileObject: unhandled opcode %#x", in.Op)
}

// compileNewobj allocates the instance and calls its constructor.
//
// The constructor's own argOff table (built by layoutFrame exactly like
// any other method's) expects its receiver — Params[0] — to be the
// deepest argument, the one pushed before everything else. By the time
// newobj executes, though, the CIL evaluation stack already holds the
// constructor's declared arguments with no room left underneath them for
// a receiver, since newobj itself is what manufactures it. Rather than
// pop every argument into temporaries and push them back, this moves the
// existing argument block down one slot (toward lower addresses) via rep
// movsb and drops the freshly allocated object into the slot that frees
// up above it, the deepest position of the block.
func (mc *methodCompiler) compileNewobj(in Instruction) error {
	key, mt, sig, err := mc.res.ResolveConstructor(in.Token)
	if err != nil {
		return err
	}
	entry, err := mc.res.EnsureCallable(key)
	if err != nil {
		return err
	}
	argCount := len(sig.Params) - 1 // excludes the receiver newobj supplies itself
	argsBytes := sigArgBytes(sig) - 8

	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().AllocObject)
	mc.e.MovRR(x64asm.R9, x64asm.RAX) // survives the shift below; R9 touches nothing else here

	if argsBytes > 0 {
		mc.e.SubRI(x64asm.RSP, 8)
		mc.e.MovRR(x64asm.RDI, x64asm.RSP)
		mc.e.LeaRMem(x64asm.RSI, x64asm.MemAt(x64asm.RSP, 8))
		mc.e.MovRImm32(x64asm.RCX, uint32(argsBytes))
		mc.e.RepMovsb()
		mc.e.MovMemR(x64asm.MemAt(x64asm.RSP, argsBytes), x64asm.R9)
	} else {
		mc.e.PushR(x64asm.R9)
	}

	mc.e.MovRImm64(x64asm.R11, uint64(entry))
	mc.e.CallIndirect(x64asm.R11)

	// The constructor doesn't return a value; re-read the object pointer
	// from the slot we wrote it to before the caller-side cleanup removes
	// the whole argument block (entry doesn't clean its own args, same
	// convention every other call follows).
	mc.e.MovRMem(x64asm.RAX, x64asm.MemAt(x64asm.RSP, argsBytes))
	mc.e.AddRI(x64asm.RSP, argsBytes+8)

	for i := 0; i < argCount; i++ {
		if _, err := mc.pop(); err != nil {
			return err
		}
	}
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}

// compileBox copies a value type's bytes into a new heap box. The value's
// words sit on the stack highest struct word nearest RSP (see
// valueTypeFieldWordMem), so they are first reversed in place; the value's
// address is then simply the current stack pointer — boxing never has to
// pop first, since the helper call's own `call` only pushes a return
// address below the value, leaving it undisturbed until the cleanup here.
func (mc *methodCompiler) compileBox(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	n := typesystem.SlotsForValueType(size)

	for i := 0; i < n/2; i++ {
		lo := x64asm.MemAt(x64asm.RSP, int32(i*8))
		hi := x64asm.MemAt(x64asm.RSP, int32((n-1-i)*8))
		mc.e.MovRMem(x64asm.RAX, lo)
		mc.e.MovRMem(x64asm.RCX, hi)
		mc.e.MovMemR(lo, x64asm.RCX)
		mc.e.MovMemR(hi, x64asm.RAX)
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.e.MovRR(x64asm.RSI, x64asm.RSP)
	mc.emitHelperCall(mc.helpers().Box)
	mc.e.AddRI(x64asm.RSP, int32(n*8))

	for i := 0; i < n; i++ {
		if _, err := mc.pop(); err != nil {
			return err
		}
	}
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}

// compileUnbox pushes a managed pointer to the boxed payload (ECMA-335's
// unbox, distinct from unbox.any: the caller is expected to follow up
// with ldobj/an ldind if it wants the value itself).
func (mc *methodCompiler) compileUnbox(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RSI); err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().Unbox)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, false)
	return nil
}

// compileUnboxAny unboxes and loads the value in one step for a value
// type, or behaves exactly like castclass when the token names a
// reference type (ECMA-335 §III.4.33's dual behavior).
func (mc *methodCompiler) compileUnboxAny(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if !mt.Flags.Has(typesystem.IsValueType) {
		return mc.castclassWithMT(mt)
	}
	if err := mc.popInto(x64asm.RSI); err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().Unbox)
	mc.e.MovRR(x64asm.RDX, x64asm.RAX) // valueAddr; loadSlot uses RAX as its own scratch
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	mc.loadSlot(x64asm.MemAt(x64asm.RDX, 0), typesystem.TagValueType, size, false)
	return nil
}

func (mc *methodCompiler) compileCastclass(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	return mc.castclassWithMT(mt)
}

func (mc *methodCompiler) castclassWithMT(mt *typesystem.MethodTable) error {
	if err := mc.popInto(x64asm.RSI); err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().CastClass)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}

func (mc *methodCompiler) compileIsinst(in Instruction) error {
	mt, err := mc.res.ResolveTypeRef(in.Token)
	if err != nil {
		return err
	}
	if err := mc.popInto(x64asm.RSI); err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RDI, uint64(methodTableAddr(mt)))
	mc.emitHelperCall(mc.helpers().IsInst)
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}

func (mc *methodCompiler) compileLdstr(in Instruction) error {
	addr, err := mc.res.ResolveStringRef(in.Token)
	if err != nil {
		return err
	}
	mc.e.MovRImm64(x64asm.RAX, uint64(addr))
	mc.pushFromReg(x64asm.RAX, typesystem.TagInt, true)
	return nil
}
