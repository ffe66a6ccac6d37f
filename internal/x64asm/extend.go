package x64asm

// MovzxB emits `movzx reg, reg_lo8` (zero-extend byte to 64 bits).
func (e *Emitter) MovzxB(reg Reg) {
	e.bytes(rex(true, int(reg), 0, int(reg)), 0x0F, 0xB6, modrmReg(int(reg), int(reg)))
}

// MovzxW emits `movzx reg, reg_lo16` (zero-extend word to 64 bits).
func (e *Emitter) MovzxW(reg Reg) {
	e.bytes(rex(true, int(reg), 0, int(reg)), 0x0F, 0xB7, modrmReg(int(reg), int(reg)))
}

// MovsxD emits `movsxd reg, reg_lo32` (sign-extend dword to 64 bits).
func (e *Emitter) MovsxD(reg Reg) {
	e.bytes(rex(true, int(reg), 0, int(reg)), 0x63, modrmReg(int(reg), int(reg)))
}

// MovsxB emits `movsx reg, reg_lo8` (sign-extend byte to 64 bits).
func (e *Emitter) MovsxB(reg Reg) {
	e.bytes(rex(true, int(reg), 0, int(reg)), 0x0F, 0xBE, modrmReg(int(reg), int(reg)))
}

// MovsxW emits `movsx reg, reg_lo16` (sign-extend word to 64 bits).
func (e *Emitter) MovsxW(reg Reg) {
	e.bytes(rex(true, int(reg), 0, int(reg)), 0x0F, 0xBF, modrmReg(int(reg), int(reg)))
}

// ClearHi32 emits `mov e_reg, e_reg`, the idiomatic zero-extend-32-to-64
// (writing a 32-bit register implicitly zeroes the upper half).
func (e *Emitter) ClearHi32(reg Reg) {
	if reg.needsExt() {
		e.byte(rexBase | rexR | rexB)
	}
	e.bytes(0x89, modrmReg(int(reg), int(reg)))
}
