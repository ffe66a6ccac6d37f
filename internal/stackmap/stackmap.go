// Package stackmap implements StackMap (spec.md §4.6): a per-method table
// mapping safepoint return-addresses (call sites and loop back-edges) to
// the set of evaluation-stack/local slots holding live object references at
// that point, so the collector can enumerate roots during a stack walk.
//
// Grounded on b24ff30e_stealthrocket-wzprof__pclntab.go's offset-sorted,
// varint-delta-encoded PC-to-metadata table (the direct ancestor of the
// safepoint table here) and 4b8fbbb8_dispatchrun-wzprof__traceback.go's
// consumption of that table during a frame-by-frame walk, which
// internal/unwind and internal/gc both perform against this package's
// decoded form.
package stackmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Safepoint is one decoded entry: the method-relative code offset of a call
// site or back-edge, and the bitmask of live reference-typed slots at that
// point (bit i set means slot i holds a live object reference).
type Safepoint struct {
	CodeOffset uint32
	LiveSlots  []uint64 // one word per 64 slots, slot i is bit (i%64) of word (i/64)
}

// IsLive reports whether slot is marked live in this safepoint's bitmask.
func (s Safepoint) IsLive(slot int) bool {
	word := slot / 64
	if word >= len(s.LiveSlots) {
		return false
	}
	return s.LiveSlots[word]&(1<<uint(slot%64)) != 0
}

// Table is one method's decoded stack map: offset-sorted safepoints plus
// the slot count they index into, for the JIT's builder and the GC/unwinder's
// reader to share.
type Table struct {
	SlotCount  int
	Safepoints []Safepoint
}

// Builder accumulates safepoints during JIT codegen, in emission order
// (spec.md §4.6 requires one entry "at every call site and loop back-edge").
type Builder struct {
	slotCount  int
	safepoints []Safepoint
}

// NewBuilder starts a stack-map builder for a method with slotCount live
// evaluation-stack + local slots.
func NewBuilder(slotCount int) *Builder {
	return &Builder{slotCount: slotCount}
}

// Mark records a safepoint at codeOffset with the given set of live slot
// indices. Indices need not be sorted.
func (b *Builder) Mark(codeOffset uint32, liveSlots []int) {
	words := (b.slotCount + 63) / 64
	bits := make([]uint64, words)
	for _, s := range liveSlots {
		if s < 0 || s >= b.slotCount {
			continue
		}
		bits[s/64] |= 1 << uint(s%64)
	}
	b.safepoints = append(b.safepoints, Safepoint{CodeOffset: codeOffset, LiveSlots: bits})
}

// Build finalizes the table, sorted by CodeOffset ascending (spec.md §4.6's
// lookup is a binary search over this order).
func (b *Builder) Build() *Table {
	sp := make([]Safepoint, len(b.safepoints))
	copy(sp, b.safepoints)
	sort.Slice(sp, func(i, j int) bool { return sp[i].CodeOffset < sp[j].CodeOffset })
	return &Table{SlotCount: b.slotCount, Safepoints: sp}
}

// Lookup returns the safepoint exactly at codeOffset, per spec.md §4.6/§8
// invariant 4: a return address observed during a stack walk must land
// exactly on a recorded safepoint, never between two.
func (t *Table) Lookup(codeOffset uint32) (Safepoint, error) {
	i := sort.Search(len(t.Safepoints), func(i int) bool { return t.Safepoints[i].CodeOffset >= codeOffset })
	if i >= len(t.Safepoints) || t.Safepoints[i].CodeOffset != codeOffset {
		return Safepoint{}, fmt.Errorf("stackmap: no safepoint at offset %#x", codeOffset)
	}
	return t.Safepoints[i], nil
}

// Encode serializes the table: slot count, safepoint count, then each
// safepoint as a varint-delta code offset followed by its bitmask words —
// the same shape as the teacher's pclntab delta encoding, generalized from
// PC deltas to stack-map deltas.
func (t *Table) Encode() []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(t.SlotCount))
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], uint64(len(t.Safepoints)))
	buf.Write(tmp[:n])

	var prev uint32
	for _, sp := range t.Safepoints {
		delta := sp.CodeOffset - prev
		n = binary.PutUvarint(tmp[:], uint64(delta))
		buf.Write(tmp[:n])
		prev = sp.CodeOffset

		n = binary.PutUvarint(tmp[:], uint64(len(sp.LiveSlots)))
		buf.Write(tmp[:n])
		for _, w := range sp.LiveSlots {
			var wb [8]byte
			binary.LittleEndian.PutUint64(wb[:], w)
			buf.Write(wb[:])
		}
	}
	return buf.Bytes()
}

// Decode parses a table produced by Encode.
func Decode(data []byte) (*Table, error) {
	r := bytes.NewReader(data)
	slotCount, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("stackmap: decode slot count: %w", err)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("stackmap: decode safepoint count: %w", err)
	}

	t := &Table{SlotCount: int(slotCount), Safepoints: make([]Safepoint, 0, count)}
	var prev uint32
	for i := uint64(0); i < count; i++ {
		delta, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("stackmap: decode offset delta %d: %w", i, err)
		}
		offset := prev + uint32(delta)
		prev = offset

		wordCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("stackmap: decode word count %d: %w", i, err)
		}
		words := make([]uint64, wordCount)
		for j := range words {
			var wb [8]byte
			if _, err := io.ReadFull(r, wb[:]); err != nil {
				return nil, fmt.Errorf("stackmap: decode bitmask word %d/%d: %w", i, j, err)
			}
			words[j] = binary.LittleEndian.Uint64(wb[:])
		}
		t.Safepoints = append(t.Safepoints, Safepoint{CodeOffset: offset, LiveSlots: words})
	}
	return t, nil
}
