// Package x64asm is a pure x86-64 instruction encoder. It is stateless with
// respect to any JIT IR: callers pass register enums and addressing modes
// abstractly and the emitter is solely responsible for REX prefix, ModR/M,
// SIB byte, and displacement-size selection (spec.md §4.1).
//
// Buffer overflow is fatal: Emitter never grows its backing array past the
// capacity reserved by the caller via Reserve, matching spec.md §4.1's
// "the caller must pre-reserve enough headroom per bytecode instruction"
// contract. Grounded on tinyrange-rtg/std/compiler/x64.go's register/ModRM
// helpers, generalized into a reusable encoder independent of any one IR.
package x64asm

import "fmt"

// Emitter accumulates encoded machine code into a single growable buffer.
type Emitter struct {
	buf []byte
}

// NewEmitter returns an Emitter with capacity pre-reserved for at least
// sizeHint bytes, the caller's worst-case bound for the code it is about to
// emit.
func NewEmitter(sizeHint int) *Emitter {
	return &Emitter{buf: make([]byte, 0, sizeHint)}
}

// Len returns the number of bytes emitted so far; this doubles as the
// current "code offset" used for label/fixup bookkeeping.
func (e *Emitter) Len() int { return len(e.buf) }

// Bytes returns the accumulated buffer. The caller must not mutate it except
// through Patch* methods.
func (e *Emitter) Bytes() []byte { return e.buf }

// Reserve grows the backing capacity so that at least n more bytes can be
// appended without reallocation; emitted code pointers taken via Len remain
// stable across Reserve.
func (e *Emitter) Reserve(n int) {
	if cap(e.buf)-len(e.buf) >= n {
		return
	}
	grown := make([]byte, len(e.buf), len(e.buf)+n)
	copy(grown, e.buf)
	e.buf = grown
}

func (e *Emitter) byte(b byte) {
	if len(e.buf) == cap(e.buf) {
		panic(fmt.Sprintf("x64asm: emitter overflow at offset %d (caller did not reserve enough headroom)", len(e.buf)))
	}
	e.buf = append(e.buf, b)
}

func (e *Emitter) bytes(bs ...byte) {
	for _, b := range bs {
		e.byte(b)
	}
}

func (e *Emitter) u32(v uint32) {
	e.bytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (e *Emitter) u64(v uint64) {
	e.u32(uint32(v))
	e.u32(uint32(v >> 32))
}

func (e *Emitter) i32(v int32) { e.u32(uint32(v)) }

// patchU32At overwrites the 4 bytes at offset with v, used for both branch
// fixups and late-bound disp32 patches.
func (e *Emitter) patchU32At(offset int, v uint32) {
	e.buf[offset] = byte(v)
	e.buf[offset+1] = byte(v >> 8)
	e.buf[offset+2] = byte(v >> 16)
	e.buf[offset+3] = byte(v >> 24)
}

// PatchRel32At patches a 4-byte relative displacement previously reserved at
// codeOffset (the offset of the displacement field itself, not the
// instruction start) so that it points at targetOffset. The relative
// displacement is computed from the end of the 4-byte field, per x86 rel32
// semantics.
func (e *Emitter) PatchRel32At(codeOffset, targetOffset int) {
	rel := int32(targetOffset - (codeOffset + 4))
	e.patchU32At(codeOffset, uint32(rel))
}

// PatchRel8At patches a 1-byte relative displacement for a short branch.
func (e *Emitter) PatchRel8At(codeOffset, targetOffset int) {
	rel := targetOffset - (codeOffset + 1)
	if rel < -128 || rel > 127 {
		panic(fmt.Sprintf("x64asm: short branch target out of range (%d)", rel))
	}
	e.buf[codeOffset] = byte(int8(rel))
}
