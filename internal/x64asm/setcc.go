package x64asm

// SetCC emits `setCC reg_lo8`, storing the boolean result of condition cc
// into the low byte of reg (the JIT then zero-extends via MovzxB).
func (e *Emitter) SetCC(cc Cond, reg Reg) {
	if reg.needsExt() {
		e.bytes(rexBase|rexB, 0x0F, byte(0x90|byte(cc)), byte(0xC0|reg.lo3()))
	} else {
		e.bytes(0x0F, byte(0x90|byte(cc)), byte(0xC0|reg.lo3()))
	}
}

// Jcc reserves a near (rel32) conditional branch and returns the offset of
// the 4-byte displacement field, to be patched later via PatchRel32At once
// the target offset is known (two-phase branch emission, spec.md §4.1).
func (e *Emitter) Jcc(cc Cond) (dispOffset int) {
	e.bytes(0x0F, byte(0x80|byte(cc)))
	dispOffset = e.Len()
	e.i32(0)
	return dispOffset
}

// JccShort reserves a short (rel8) conditional branch.
func (e *Emitter) JccShort(cc Cond) (dispOffset int) {
	e.byte(byte(0x70 | byte(cc)))
	dispOffset = e.Len()
	e.byte(0)
	return dispOffset
}

// Jmp reserves an unconditional near (rel32) branch.
func (e *Emitter) Jmp() (dispOffset int) {
	e.byte(0xE9)
	dispOffset = e.Len()
	e.i32(0)
	return dispOffset
}

// JmpShort reserves an unconditional short (rel8) branch.
func (e *Emitter) JmpShort() (dispOffset int) {
	e.byte(0xEB)
	dispOffset = e.Len()
	e.byte(0)
	return dispOffset
}

// JmpResolved emits an unconditional near branch to an already-known
// target offset (backward branches, e.g. loop back-edges).
func (e *Emitter) JmpResolved(targetOffset int) {
	e.byte(0xE9)
	disp := e.Len()
	e.i32(0)
	e.PatchRel32At(disp, targetOffset)
}

// CallRel32 reserves a direct relative call and returns the offset of the
// 4-byte displacement field for later patching once the callee's address
// (or a trampoline) is known.
func (e *Emitter) CallRel32() (dispOffset int) {
	e.byte(0xE8)
	dispOffset = e.Len()
	e.i32(0)
	return dispOffset
}

// CallIndirect emits `call reg` (indirect call through a register, used for
// vtable dispatch and calli).
func (e *Emitter) CallIndirect(reg Reg) {
	if reg.needsExt() {
		e.byte(rexBase | rexB)
	}
	e.bytes(0xFF, byte(0xD0|reg.lo3()))
}

// CallIndirectMem emits `call [mem]` (indirect call through a memory
// operand, e.g. a vtable slot addressed directly).
func (e *Emitter) CallIndirectMem(m Mem) {
	if needsRex(0, int(m.Index), int(m.Base)) {
		e.byte(rex(false, 0, int(m.Index), int(m.Base)))
	}
	e.byte(0xFF)
	e.emitMem(2, m) // opcode extension /2 = call
}

// JmpIndirect emits `jmp reg` (used to lower tail calls expressed via `jmp`).
func (e *Emitter) JmpIndirect(reg Reg) {
	if reg.needsExt() {
		e.byte(rexBase | rexB)
	}
	e.bytes(0xFF, byte(0xE0|reg.lo3()))
}

// Ret emits `ret` (near return, no stack cleanup — the callee has already
// restored rsp to its entry value per this JIT's calling convention).
func (e *Emitter) Ret() { e.byte(0xC3) }
