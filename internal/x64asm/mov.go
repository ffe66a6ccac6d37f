package x64asm

// === Move: reg/reg, reg/imm, reg/mem, mem/reg, mem/imm ===

// MovRR emits `mov dst, src` (64-bit register to register).
func (e *Emitter) MovRR(dst, src Reg) {
	e.bytes(rex(true, int(src), 0, int(dst)), 0x89, modrmReg(int(src), int(dst)))
}

// MovRImm32 emits `mov dst, imm32` (sign/zero behavior: 32-bit immediate,
// REX.W zero-extends the result to 64 bits per mov-imm32 semantics... we
// instead always use the 64-bit absolute form below for full-width
// constants, and this form for known-small values needing only 32 bits
// stored with zero upper half).
func (e *Emitter) MovRImm32(dst Reg, v uint32) {
	r := rexBase
	if dst.needsExt() {
		r |= rexB
	}
	e.bytes(r, byte(0xB8+dst.lo3()))
	e.u32(v)
}

// MovRImm64 emits `movabs dst, imm64` (REX.W + B8+rd + imm64).
func (e *Emitter) MovRImm64(dst Reg, v uint64) {
	e.bytes(rex(true, 0, 0, int(dst)), byte(0xB8+dst.lo3()))
	e.u64(v)
}

// MovRMem emits `mov dst, [mem]` (64-bit load).
func (e *Emitter) MovRMem(dst Reg, m Mem) {
	e.bytes(rex(true, int(dst), int(m.Index), int(m.Base)), 0x8B)
	e.emitMem(int(dst), m)
}

// MovMemR emits `mov [mem], src` (64-bit store).
func (e *Emitter) MovMemR(m Mem, src Reg) {
	e.bytes(rex(true, int(src), int(m.Index), int(m.Base)), 0x89)
	e.emitMem(int(src), m)
}

// MovMemImm32 emits `mov qword [mem], imm32` (sign-extended to 64 bits by
// the processor, per the C7 /0 opcode's defined semantics).
func (e *Emitter) MovMemImm32(m Mem, v int32) {
	e.bytes(rex(true, 0, int(m.Index), int(m.Base)), 0xC7)
	e.emitMem(0, m)
	e.i32(v)
}

// Mov32RMem emits a 32-bit `mov dst32, [mem]` (no REX.W; implicitly
// zero-extends the upper 32 bits of dst).
func (e *Emitter) Mov32RMem(dst Reg, m Mem) {
	if needsRex(int(dst), int(m.Index), int(m.Base)) {
		e.byte(rex(false, int(dst), int(m.Index), int(m.Base)))
	}
	e.byte(0x8B)
	e.emitMem(int(dst), m)
}

// Mov32MemR emits a 32-bit `mov [mem], src32`.
func (e *Emitter) Mov32MemR(m Mem, src Reg) {
	if needsRex(int(src), int(m.Index), int(m.Base)) {
		e.byte(rex(false, int(src), int(m.Index), int(m.Base)))
	}
	e.byte(0x89)
	e.emitMem(int(src), m)
}

// MovzxMemByte emits `movzx dst, byte [mem]`.
func (e *Emitter) MovzxMemByte(dst Reg, m Mem) {
	e.bytes(rex(true, int(dst), int(m.Index), int(m.Base)), 0x0F, 0xB6)
	e.emitMem(int(dst), m)
}

// MovByteMemR emits `mov byte [mem], src_lo8`.
func (e *Emitter) MovByteMemR(m Mem, src Reg) {
	r := rexBase
	if src.needsExt() {
		r |= rexR
	}
	if Reg(m.Base).needsExt() {
		r |= rexB
	}
	if Reg(m.Index).needsExt() {
		r |= rexX
	}
	e.byte(r)
	e.byte(0x88)
	e.emitMem(int(src), m)
}

// PushR emits `push reg` (handles r8-r15 with REX.B prefix).
func (e *Emitter) PushR(r Reg) {
	if r.needsExt() {
		e.bytes(rexBase|rexB, byte(0x50+r.lo3()))
	} else {
		e.byte(byte(0x50 + r.lo3()))
	}
}

// PopR emits `pop reg` (handles r8-r15 with REX.B prefix).
func (e *Emitter) PopR(r Reg) {
	if r.needsExt() {
		e.bytes(rexBase|rexB, byte(0x58+r.lo3()))
	} else {
		e.byte(byte(0x58 + r.lo3()))
	}
}

// LeaRMem emits `lea dst, [mem]`.
func (e *Emitter) LeaRMem(dst Reg, m Mem) {
	e.bytes(rex(true, int(dst), int(m.Index), int(m.Base)), 0x8D)
	e.emitMem(int(dst), m)
}

// RepMovsb emits `rep movsb` (block copy: rcx bytes from [rsi] to [rdi]).
func (e *Emitter) RepMovsb() {
	e.bytes(0xF3, 0xA4)
}

// RepStosb emits `rep stosb` (block init: rcx bytes of al to [rdi]).
func (e *Emitter) RepStosb() {
	e.bytes(0xF3, 0xAA)
}
