package jit

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Instruction is one decoded CIL instruction. Not every field is
// meaningful for every Op; see the per-opcode comments in decodeInstr.
type Instruction struct {
	Offset int // IL byte offset this instruction starts at
	Next   int // IL byte offset of the following instruction

	Op Opcode

	Int32   int32  // ldc.i4[.s] value, or a resolved absolute branch target
	Int64   int64  // ldc.i8 value
	R4Bits  uint32 // ldc.r4 raw bits
	R8Bits  uint64 // ldc.r8 raw bits
	Token   uint32 // metadata token operand (call/fld/type/etc.)
	VarIdx  int    // resolved local/arg index (short and wide forms unified)

	SwitchTargets []int // switch's resolved absolute IL targets
}

// decodeInstr decodes one instruction starting at body[off], returning it
// and the offset of the next instruction.
func decodeInstr(body []byte, off int) (Instruction, error) {
	if off >= len(body) {
		return Instruction{}, fmt.Errorf("jit: instruction offset %d out of range", off)
	}
	start := off
	b := body[off]
	op := Opcode(b)
	off++
	if b == 0xFE {
		if off >= len(body) {
			return Instruction{}, fmt.Errorf("jit: truncated two-byte opcode at %d", start)
		}
		op = 0xFE00 | Opcode(body[off])
		off++
	}

	in := Instruction{Offset: start, Op: op}

	need := func(n int) error {
		if off+n > len(body) {
			return fmt.Errorf("jit: truncated operand for opcode %#x at %d", op, start)
		}
		return nil
	}

	switch op {
	case OpLdargS, OpLdargaS, OpStargS, OpLdlocS, OpLdlocaS, OpStlocS:
		if err := need(1); err != nil {
			return Instruction{}, err
		}
		in.VarIdx = int(body[off])
		off++
	case OpLdarg, OpLdarga, OpStarg, OpLdloc, OpLdloca, OpStloc:
		if err := need(2); err != nil {
			return Instruction{}, err
		}
		in.VarIdx = int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
	case OpLdcI4S:
		if err := need(1); err != nil {
			return Instruction{}, err
		}
		in.Int32 = int32(int8(body[off]))
		off++
	case OpLdcI4:
		if err := need(4); err != nil {
			return Instruction{}, err
		}
		in.Int32 = int32(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
	case OpLdcI8:
		if err := need(8); err != nil {
			return Instruction{}, err
		}
		in.Int64 = int64(binary.LittleEndian.Uint64(body[off : off+8]))
		off += 8
	case OpLdcR4:
		if err := need(4); err != nil {
			return Instruction{}, err
		}
		in.R4Bits = binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
	case OpLdcR8:
		if err := need(8); err != nil {
			return Instruction{}, err
		}
		in.R8Bits = binary.LittleEndian.Uint64(body[off : off+8])
		off += 8
	case OpJmp, OpCall, OpCalli, OpNewobj, OpCastcls, OpIsinst, OpUnbox, OpLdfld, OpLdflda,
		OpStfld, OpLdsfld, OpLdsflda, OpStsfld, OpStobj, OpBox, OpNewarr, OpLdelema, OpLdelem,
		OpStelem, OpUnboxAny, OpLdtoken, OpMkrefany, OpRefanyval, OpSizeof, OpInitobj, OpLdftn,
		OpLdvirtftn, OpCallvirt, OpLdobj, OpCpobj, OpLdstr:
		if err := need(4); err != nil {
			return Instruction{}, err
		}
		in.Token = binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
	case OpBrS, OpBrfalseS, OpBrtrueS, OpBeqS, OpBgeS, OpBgtS, OpBleS, OpBltS,
		OpBneUnS, OpBgeUnS, OpBgtUnS, OpBleUnS, OpBltUnS, OpLeaveS:
		if err := need(1); err != nil {
			return Instruction{}, err
		}
		rel := int32(int8(body[off]))
		off++
		in.Int32 = int32(off) + rel
	case OpBr, OpBrfalse, OpBrtrue, OpBeq, OpBge, OpBgt, OpBle, OpBlt,
		OpBneUn, OpBgeUn, OpBgtUn, OpBleUn, OpBltUn, OpLeave:
		if err := need(4); err != nil {
			return Instruction{}, err
		}
		rel := int32(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
		in.Int32 = int32(off) + rel
	case OpSwitch:
		if err := need(4); err != nil {
			return Instruction{}, err
		}
		n := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		if err := need(int(n) * 4); err != nil {
			return Instruction{}, err
		}
		base := off + int(n)*4
		targets := make([]int, n)
		for i := 0; i < int(n); i++ {
			rel := int32(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
			targets[i] = base + int(rel)
		}
		in.SwitchTargets = targets
	}

	in.Next = off
	return in, nil
}

// decodeMethodBody decodes every instruction in body in order.
func decodeMethodBody(body []byte) ([]Instruction, error) {
	var out []Instruction
	off := 0
	for off < len(body) {
		in, err := decodeInstr(body, off)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		off = in.Next
	}
	return out, nil
}

// float32FromBits exists purely to make the ldc.r4 -> emitted-double path
// read as a conversion rather than a bit trick at call sites.
func float32FromBits(bits uint32) float64 {
	return float64(math.Float32frombits(bits))
}
