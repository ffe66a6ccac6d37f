package x64asm

// REX prefix bits (Intel SDM 2.2.1.2).
const (
	rexBase byte = 0x40
	rexW    byte = 0x08 // 64-bit operand size
	rexR    byte = 0x04 // extends ModRM.reg
	rexX    byte = 0x02 // extends SIB.index
	rexB    byte = 0x01 // extends ModRM.rm / SIB.base / opcode reg
)

// rex builds a REX prefix. w selects 64-bit operand size; reg/idx/base are
// the three fields that may need their high bit folded into REX.
func rex(w bool, reg, idx, base int) byte {
	r := rexBase
	if w {
		r |= rexW
	}
	if reg >= 8 {
		r |= rexR
	}
	if idx >= 8 {
		r |= rexX
	}
	if base >= 8 {
		r |= rexB
	}
	return r
}

// needsRex reports whether a REX prefix is structurally required even
// without REX.W (either operand uses r8-r15, or addresses require it).
func needsRex(reg, idx, base int) bool {
	return reg >= 8 || idx >= 8 || base >= 8
}

// modrmReg builds a ModR/M byte for register-direct addressing (mod=11).
func modrmReg(regField, rm int) byte {
	return 0xC0 | byte(regField&7)<<3 | byte(rm&7)
}

// emitMem emits the ModR/M (+SIB +disp) bytes encoding m as the r/m operand,
// with regField filling the reg bits (an opcode extension or a real
// register). It does not emit REX or the opcode itself.
func (e *Emitter) emitMem(regField int, m Mem) {
	base := int(m.Base)
	useSIB := m.HasIndex || (base&7) == int(RSP)
	dispForm := dispFormFor(m, useSIB)

	var mod byte
	switch dispForm {
	case dispNone:
		mod = 0x00
	case dispByte:
		mod = 0x40
	case dispDword:
		mod = 0x80
	}

	if useSIB {
		e.byte(mod | byte(regField&7)<<3 | 0x04)
		var scaleBits byte
		switch m.Scale {
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		default:
			scaleBits = 0
		}
		idx := byte(0x04) // no index
		if m.HasIndex {
			idx = byte(m.Index & 7)
		}
		e.byte(scaleBits<<6 | idx<<3 | byte(base&7))
	} else {
		e.byte(mod | byte(regField&7)<<3 | byte(base&7))
	}

	switch dispForm {
	case dispByte:
		e.byte(byte(int8(m.Disp)))
	case dispDword:
		e.i32(m.Disp)
	}
}

type dispForm int

const (
	dispNone dispForm = iota
	dispByte
	dispDword
)

// dispFormFor decides how wide the displacement field must be. [rbp] with
// disp==0 is not representable (mod=00,rm=101 means RIP-relative instead),
// so RBP-based addressing with zero displacement is promoted to disp8(0).
// The same promotion applies to a SIB byte whose base is RBP/R13.
func dispFormFor(m Mem, useSIB bool) dispForm {
	baseIsBP := (int(m.Base) & 7) == int(RBP)
	if m.Disp == 0 {
		if baseIsBP {
			return dispByte
		}
		return dispNone
	}
	if m.Disp >= -128 && m.Disp <= 127 {
		return dispByte
	}
	return dispDword
}
