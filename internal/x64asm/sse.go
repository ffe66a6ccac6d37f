package x64asm

// Scalar SSE2 double/single-precision floating point, used to implement the
// Float64/Float32-tagged evaluation-stack slots of spec.md §3.

func xmmRex(w bool, reg, rm int) (byte, bool) {
	need := reg >= 8 || rm >= 8 || w
	r := rexBase
	if w {
		r |= rexW
	}
	if reg >= 8 {
		r |= rexR
	}
	if rm >= 8 {
		r |= rexB
	}
	return r, need
}

func (e *Emitter) emitXmmXmm(prefix byte, opcode [2]byte, reg, rm int) {
	e.byte(prefix)
	if r, need := xmmRex(false, reg, rm); need {
		e.byte(r)
	}
	e.bytes(opcode[0], opcode[1], modrmReg(reg, rm))
}

// MovsdXX emits `movsd dst, src` (xmm-xmm).
func (e *Emitter) MovsdXX(dst, src XMM) { e.emitXmmXmm(0xF2, [2]byte{0x0F, 0x10}, int(dst), int(src)) }

// MovsdLoad emits `movsd dst, [mem]`.
func (e *Emitter) MovsdLoad(dst XMM, m Mem) {
	e.byte(0xF2)
	if needsRex(int(dst), int(m.Index), int(m.Base)) {
		e.byte(rex(false, int(dst), int(m.Index), int(m.Base)))
	}
	e.bytes(0x0F, 0x10)
	e.emitMem(int(dst), m)
}

// MovsdStore emits `movsd [mem], src`.
func (e *Emitter) MovsdStore(m Mem, src XMM) {
	e.byte(0xF2)
	if needsRex(int(src), int(m.Index), int(m.Base)) {
		e.byte(rex(false, int(src), int(m.Index), int(m.Base)))
	}
	e.bytes(0x0F, 0x11)
	e.emitMem(int(src), m)
}

// AddsdXX/SubsdXX/MulsdXX/DivsdXX emit scalar double-precision arithmetic.
func (e *Emitter) AddsdXX(dst, src XMM) { e.emitXmmXmm(0xF2, [2]byte{0x0F, 0x58}, int(dst), int(src)) }
func (e *Emitter) SubsdXX(dst, src XMM) { e.emitXmmXmm(0xF2, [2]byte{0x0F, 0x5C}, int(dst), int(src)) }
func (e *Emitter) MulsdXX(dst, src XMM) { e.emitXmmXmm(0xF2, [2]byte{0x0F, 0x59}, int(dst), int(src)) }
func (e *Emitter) DivsdXX(dst, src XMM) { e.emitXmmXmm(0xF2, [2]byte{0x0F, 0x5E}, int(dst), int(src)) }

// UcomisdXX emits `ucomisd a, b` (sets EFLAGS as a scalar-double compare).
func (e *Emitter) UcomisdXX(a, b XMM) {
	e.byte(0x66)
	if r, need := xmmRex(false, int(a), int(b)); need {
		e.byte(r)
	}
	e.bytes(0x0F, 0x2E, modrmReg(int(a), int(b)))
}

// Cvtsi2sdR emits `cvtsi2sd dst, src` converting a 64-bit signed integer
// register to a double.
func (e *Emitter) Cvtsi2sdR(dst XMM, src Reg) {
	e.byte(0xF2)
	e.byte(rex(true, int(dst), 0, int(src)))
	e.bytes(0x0F, 0x2A, modrmReg(int(dst), int(src)))
}

// Cvttsd2siR emits `cvttsd2si dst, src` truncating a double to a 64-bit
// signed integer register (used by the `conv.ovf` family after a range check).
func (e *Emitter) Cvttsd2siR(dst Reg, src XMM) {
	e.byte(0xF2)
	e.byte(rex(true, int(dst), 0, int(src)))
	e.bytes(0x0F, 0x2C, modrmReg(int(dst), int(src)))
}

// MovqXR emits `movq dst_xmm, src_gpr` (reinterpret 64 bits, used to spill a
// float bit pattern through a general-purpose register).
func (e *Emitter) MovqXR(dst XMM, src Reg) {
	e.byte(0x66)
	e.byte(rex(true, int(dst), 0, int(src)))
	e.bytes(0x0F, 0x6E, modrmReg(int(dst), int(src)))
}

// MovqRX emits `movq dst_gpr, src_xmm`.
func (e *Emitter) MovqRX(dst Reg, src XMM) {
	e.byte(0x66)
	e.byte(rex(true, int(src), 0, int(dst)))
	e.bytes(0x0F, 0x7E, modrmReg(int(src), int(dst)))
}

// XorpdXX emits `xorpd dst, dst` as the idiomatic way to zero an xmm register.
func (e *Emitter) XorpdXX(dst XMM) {
	e.byte(0x66)
	if r, need := xmmRex(false, int(dst), int(dst)); need {
		e.byte(r)
	}
	e.bytes(0x0F, 0x57, modrmReg(int(dst), int(dst)))
}
