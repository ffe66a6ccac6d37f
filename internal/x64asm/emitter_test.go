package x64asm

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// decodeAll feeds an emitted buffer through an independent x86-64
// disassembler and asserts every byte is consumed as valid instructions,
// catching encoding bugs that a hand-rolled decoder would miss.
func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("x86asm.Decode failed at offset %d (bytes %x): %v", off, code[off:], err)
		}
		if inst.Len == 0 {
			t.Fatalf("x86asm.Decode returned zero-length instruction at offset %d", off)
		}
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

func TestMovRRRoundTrip(t *testing.T) {
	e := NewEmitter(32)
	e.MovRR(RAX, RCX)
	e.MovRR(R8, R15)
	insts := decodeAll(t, e.Bytes())
	if len(insts) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(insts))
	}
}

func TestArithImmediateSelection(t *testing.T) {
	e := NewEmitter(32)
	e.AddRI(RAX, 5)     // imm8 form
	e.AddRI(RBX, 70000) // imm32 form
	e.SubRI(R9, -1)
	e.CmpRI(RDX, 127)
	decodeAll(t, e.Bytes())
}

func TestLoadStoreLocalDispWidths(t *testing.T) {
	e := NewEmitter(64)
	e.MovRMem(RAX, MemAt(RBP, -8))     // disp8
	e.MovRMem(RAX, MemAt(RBP, -4096))  // disp32
	e.MovMemR(MemAt(RBP, 16), RCX)
	e.MovMemR(MemAt(RBP, 0), RDX) // [rbp] must promote to disp8(0)
	decodeAll(t, e.Bytes())
}

func TestRspBaseRequiresSIB(t *testing.T) {
	e := NewEmitter(32)
	e.MovRMem(RAX, MemAt(RSP, 8))
	e.MovMemR(MemAt(RSP, 0), RCX)
	decodeAll(t, e.Bytes())
}

func TestIndexedAddressing(t *testing.T) {
	e := NewEmitter(32)
	e.MovRMem(RAX, MemIndexed(RBX, RCX, 8, 0))
	e.MovRMem(RAX, MemIndexed(R12, R13, 4, 100))
	decodeAll(t, e.Bytes())
}

func TestBranchPatchRoundTrip(t *testing.T) {
	e := NewEmitter(32)
	disp := e.Jcc(CondE)
	target := e.Len()
	e.Nop()
	e.PatchRel32At(disp, target)
	insts := decodeAll(t, e.Bytes())
	if len(insts) != 2 {
		t.Fatalf("expected jcc+nop, got %d instructions", len(insts))
	}
}

func TestCallIndirectAndRet(t *testing.T) {
	e := NewEmitter(16)
	e.CallIndirect(RAX)
	e.Ret()
	decodeAll(t, e.Bytes())
}

func TestStdPrologueEpilogue(t *testing.T) {
	e := NewEmitter(32)
	e.StdPrologue(64)
	e.StdEpilogue(64)
	insts := decodeAll(t, e.Bytes())
	if len(insts) != 6 { // push, mov, sub, add, pop, ret
		t.Fatalf("expected 6 instructions, got %d", len(insts))
	}
}

func TestSSEScalarOps(t *testing.T) {
	e := NewEmitter(64)
	e.MovsdLoad(XMM0, MemAt(RBP, -8))
	e.AddsdXX(XMM0, XMM1)
	e.Cvtsi2sdR(XMM2, RAX)
	e.Cvttsd2siR(RCX, XMM2)
	e.MovsdStore(MemAt(RBP, -16), XMM0)
	decodeAll(t, e.Bytes())
}

func TestSetccAndExtend(t *testing.T) {
	e := NewEmitter(32)
	e.CmpRR(RAX, RBX)
	e.SetCC(CondL, RCX)
	e.MovzxB(RCX)
	decodeAll(t, e.Bytes())
}

func TestOverflowPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on buffer overflow")
		}
	}()
	e := NewEmitter(1)
	e.MovRImm64(RAX, 0xdeadbeef) // needs 10 bytes, only 1 reserved
}
