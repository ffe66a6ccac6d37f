package x64asm

// aluOp names the ALU opcode-extension encoding shared by add/or/adc/sbb/
// and/sub/xor/cmp (Intel SDM table for opcode group 1).
type aluOp byte

const (
	aluAdd aluOp = 0
	aluOr  aluOp = 1
	aluAnd aluOp = 4
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

// rrOpcode is the single-byte opcode for the reg/reg form of each ALU op
// (dst op= src, encoded as `op [dst], src` i.e. opcode /r with rm=dst).
func (op aluOp) rrOpcode() byte {
	return byte(op)<<3 | 0x01
}

func (e *Emitter) aluRR(op aluOp, dst, src Reg) {
	e.bytes(rex(true, int(src), 0, int(dst)), op.rrOpcode(), modrmReg(int(src), int(dst)))
}

func (e *Emitter) AddRR(dst, src Reg) { e.aluRR(aluAdd, dst, src) }
func (e *Emitter) SubRR(dst, src Reg) { e.aluRR(aluSub, dst, src) }
func (e *Emitter) AndRR(dst, src Reg) { e.aluRR(aluAnd, dst, src) }
func (e *Emitter) OrRR(dst, src Reg)  { e.aluRR(aluOr, dst, src) }
func (e *Emitter) XorRR(dst, src Reg) { e.aluRR(aluXor, dst, src) }
func (e *Emitter) CmpRR(a, b Reg)     { e.aluRR(aluCmp, a, b) }

// TestRR emits `test a, b`.
func (e *Emitter) TestRR(a, b Reg) {
	e.bytes(rex(true, int(b), 0, int(a)), 0x85, modrmReg(int(b), int(a)))
}

// aluRI emits `op reg, imm` choosing the imm8 (0x83) or imm32 (0x81) form.
func (e *Emitter) aluRI(op aluOp, reg Reg, v int32) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	if v >= -128 && v <= 127 {
		e.bytes(r, 0x83, byte(0xC0|byte(op)<<3|reg.lo3()), byte(v))
		return
	}
	e.bytes(r, 0x81, byte(0xC0|byte(op)<<3|reg.lo3()))
	e.i32(v)
}

func (e *Emitter) AddRI(reg Reg, v int32) { e.aluRI(aluAdd, reg, v) }
func (e *Emitter) SubRI(reg Reg, v int32) { e.aluRI(aluSub, reg, v) }
func (e *Emitter) AndRI(reg Reg, v int32) { e.aluRI(aluAnd, reg, v) }
func (e *Emitter) OrRI(reg Reg, v int32)  { e.aluRI(aluOr, reg, v) }
func (e *Emitter) XorRI(reg Reg, v int32) { e.aluRI(aluXor, reg, v) }
func (e *Emitter) CmpRI(reg Reg, v int32) { e.aluRI(aluCmp, reg, v) }

// TestRI emits `test reg, imm32` (opcode F7 /0).
func (e *Emitter) TestRI(reg Reg, v int32) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xF7, byte(0xC0|reg.lo3()))
	e.i32(v)
}

// ImulRR emits `imul dst, src` (2-byte opcode 0F AF /r).
func (e *Emitter) ImulRR(dst, src Reg) {
	e.bytes(rex(true, int(dst), 0, int(src)), 0x0F, 0xAF, modrmReg(int(dst), int(src)))
}

// ImulRRImm32 emits `imul dst, src, imm32`.
func (e *Emitter) ImulRRImm32(dst, src Reg, v int32) {
	e.bytes(rex(true, int(dst), 0, int(src)), 0x69, modrmReg(int(dst), int(src)))
	e.i32(v)
}

// NegR emits `neg reg`.
func (e *Emitter) NegR(reg Reg) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xF7, byte(0xD8|reg.lo3()))
}

// NotR emits `not reg`.
func (e *Emitter) NotR(reg Reg) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xF7, byte(0xD0|reg.lo3()))
}

// Cqo emits `cqo` (sign-extend rax into rdx:rax).
func (e *Emitter) Cqo() { e.bytes(rexBase|rexW, 0x99) }

// IdivR emits `idiv reg` (signed divide rdx:rax by reg).
func (e *Emitter) IdivR(reg Reg) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xF7, byte(0xF8|reg.lo3()))
}

// DivR emits `div reg` (unsigned divide rdx:rax by reg).
func (e *Emitter) DivR(reg Reg) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xF7, byte(0xF0|reg.lo3()))
}
