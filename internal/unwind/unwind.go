// Package unwind implements Unwinder (spec.md §4.7): Windows-x64-style
// RUNTIME_FUNCTION/UNWIND_INFO registration and VirtualUnwind, the single
// mechanism both GC stack walking and two-pass exception dispatch use to
// recover a caller's register state from a callee frame.
//
// Grounded on 5571c143_Go-zh-go.old__src-cmd-internal-ld-pe.go's IMAGE_*
// struct-field naming conventions for the on-disk/in-memory shape of PE
// unwind metadata, and 4b8fbbb8_dispatchrun-wzprof__traceback.go's
// frame-by-frame walk, which is exactly the consumer VirtualUnwind here
// feeds (both GC root enumeration and EH dispatch walk via this package).
package unwind

import (
	"fmt"
	"sort"

	"kernrt/internal/kernelapi"
)

// UnwindOpCode mirrors the small, fixed set of UNWIND_CODE operations a
// Tier-0-emitted prologue can produce (spec.md §4.7: push-reg, alloc-stack,
// set-frame-pointer — no machine frame is more exotic than that here).
type UnwindOpCode uint8

const (
	OpPushNonvol UnwindOpCode = iota // push of one callee-saved GPR
	OpAllocSmall                     // sub rsp, imm8*8 (<=128 bytes)
	OpAllocLarge                     // sub rsp, imm32
	OpSetFPReg                       // rbp := rsp (+ optional offset), frame pointer established
)

// UnwindCode is one decoded unwind operation, in the order the prologue
// performed them (unwinding walks this list in reverse).
type UnwindCode struct {
	CodeOffset uint8 // offset into the prologue where this operation completed
	Op         UnwindOpCode
	Reg        kernelapi.ThreadID // not read by VirtualUnwind; a push's register number is carried in Info
	Info       uint32             // alloc size, or push register number
}

// Info is the per-method unwind metadata (the "UNWIND_INFO" structure),
// describing how to undo this method's prologue to recover its caller's
// frame.
type Info struct {
	FrameRegisterUsed bool
	FrameOffset       uint8 // scaled by 16, as in the real Windows-x64 format
	Codes             []UnwindCode
	FrameSize         uint32 // total bytes subtracted from rsp by this prologue (excluding pushes)
}

// Entry is one RUNTIME_FUNCTION: a contiguous code range plus the unwind
// info describing how to leave it.
type Entry struct {
	Begin kernelapi.VirtAddr
	End   kernelapi.VirtAddr
	Info  Info
}

// Table holds every registered method's unwind entry, sorted by Begin so
// lookups by return address are a binary search (spec.md §4.7).
type Table struct {
	entries []Entry
}

// NewTable returns an empty unwind table.
func NewTable() *Table { return &Table{} }

// Register adds one method's unwind entry. Entries must describe
// non-overlapping code ranges; Register panics on overlap, since that can
// only indicate a CodeHeap or JIT bookkeeping bug.
func (t *Table) Register(e Entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Begin >= e.Begin })
	if i > 0 && t.entries[i-1].End > e.Begin {
		panic(fmt.Sprintf("unwind: entry [%#x,%#x) overlaps preceding entry ending at %#x", e.Begin, e.End, t.entries[i-1].End))
	}
	if i < len(t.entries) && t.entries[i].Begin < e.End {
		panic(fmt.Sprintf("unwind: entry [%#x,%#x) overlaps following entry starting at %#x", e.Begin, e.End, t.entries[i].Begin))
	}
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// Lookup finds the entry containing pc, or an error if pc is not within
// any registered method (a foreign-code return address, which the caller
// must handle separately per spec.md §4.7's "leaf/foreign frame" note).
func (t *Table) Lookup(pc kernelapi.VirtAddr) (Entry, error) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Begin > pc }) - 1
	if i < 0 || pc >= t.entries[i].End {
		return Entry{}, fmt.Errorf("unwind: no registered entry contains pc %#x", pc)
	}
	return t.entries[i], nil
}

// Context is the minimal machine state VirtualUnwind transforms: the
// values it needs to apply one frame's unwind codes and hand back the
// caller's equivalent state (spec.md §4.7).
type Context struct {
	RIP         uintptr
	RSP         uintptr
	RBP         uintptr
	Saved       [16]uintptr // Saved[r] = callee-saved register r's current value, by Reg enum ordinal
}

// rbpOrdinal is RBP's Reg enum ordinal (x64asm.RBP): popping a saved rbp
// also restores Context.RBP, so the caller's own frame pointer is in place.
const rbpOrdinal = 5

// StackReader reads one 8-byte word from a frozen thread's stack at addr;
// production code backs this with a real memory read of the (possibly
// another CPU's) frozen stack, tests back it with a plain map or slice.
type StackReader func(addr uintptr) uintptr

// VirtualUnwind applies entry's unwind codes (in reverse prologue order) to
// ctx, producing the context as seen by the caller of the frame entry
// describes. This is the single routine the GC's stack walk and EH's
// two-pass dispatch both call (spec.md §4.7's "single canonical unwinder").
func VirtualUnwind(entry Entry, ctx Context, readStack StackReader) Context {
	out := ctx
	codes := entry.Info.Codes
	for i := len(codes) - 1; i >= 0; i-- {
		c := codes[i]
		switch c.Op {
		case OpPushNonvol:
			reg := int(c.Info)
			if reg >= 0 && reg < len(out.Saved) {
				out.Saved[reg] = readStack(out.RSP)
				if reg == rbpOrdinal {
					out.RBP = out.Saved[reg]
				}
			}
			out.RSP += 8
		case OpAllocSmall, OpAllocLarge:
			out.RSP += uintptr(c.Info)
		case OpSetFPReg:
			out.RSP = out.RBP - uintptr(entry.Info.FrameOffset)*16
		}
	}
	out.RIP = readStack(out.RSP)
	out.RSP += 8
	return out
}
