package x64asm

// shiftOp is the opcode-extension encoding for the D3/C1 shift group.
type shiftOp byte

const (
	shlOp shiftOp = 4
	shrOp shiftOp = 5
	sarOp shiftOp = 7
)

func (e *Emitter) shiftCl(op shiftOp, reg Reg) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xD3, byte(0xC0|byte(op)<<3|reg.lo3()))
}

func (e *Emitter) shiftImm(op shiftOp, reg Reg, n byte) {
	r := rexBase | rexW
	if reg.needsExt() {
		r |= rexB
	}
	e.bytes(r, 0xC1, byte(0xC0|byte(op)<<3|reg.lo3()), n)
}

// ShlCl/ShrCl/SarCl emit variable shifts by the count in CL.
func (e *Emitter) ShlCl(reg Reg) { e.shiftCl(shlOp, reg) }
func (e *Emitter) ShrCl(reg Reg) { e.shiftCl(shrOp, reg) } // unsigned (logical)
func (e *Emitter) SarCl(reg Reg) { e.shiftCl(sarOp, reg) } // signed (arithmetic)

// ShlImm/ShrImm/SarImm emit shifts by an immediate count.
func (e *Emitter) ShlImm(reg Reg, n byte) { e.shiftImm(shlOp, reg, n) }
func (e *Emitter) ShrImm(reg Reg, n byte) { e.shiftImm(shrOp, reg, n) }
func (e *Emitter) SarImm(reg Reg, n byte) { e.shiftImm(sarOp, reg, n) }
