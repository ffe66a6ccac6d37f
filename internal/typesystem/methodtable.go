// Package typesystem implements MethodTable, the sole runtime type
// descriptor (spec.md §3), and its GCDesc reference-slot series. Grounded on
// tinyrange-rtg/std/compiler/ir.go's compile-time type-kind modeling,
// generalized into a runtime descriptor, and cross-checked against Go's own
// GC type metadata flags in the pack's runtime/malloc.go (kindArray,
// kindPtr, kindNoPointers — the direct ancestor of HasReferences here).
package typesystem

import "fmt"

// Flags are the MethodTable attribute bits of spec.md §3.
type Flags uint8

const (
	HasReferences Flags = 1 << iota
	HasFinalizer
	IsArray
	IsValueType
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Series is one (byte-offset, byte-run-length) entry of a GCDesc: a
// contiguous run of pointer-sized object-reference slots starting at
// Offset bytes into the object.
type Series struct {
	Offset int32
	Length int32 // in bytes; always a multiple of 8
}

// GCDesc is the per-type reference-field descriptor that precedes a
// MethodTable in memory (spec.md §3). A positive SeriesCount means "this
// many fixed reference-field series"; Tier-0 does not implement the
// negative "array of value types containing references" encoding beyond
// recording it, since no Tier-0 array element type requires it in this
// runtime's opcode surface (arrays of reference-containing value types are
// supported via the single-element ElementSeries fallback below, grounded
// on spec.md §3's secondary-descriptor note).
type GCDesc struct {
	Series        []Series
	IsArrayOfRefs bool    // component type is itself a managed reference
	ElementSeries []Series // within-element offsets, for arrays of value types containing references
}

// HasReferences reports whether this descriptor has anything for the GC to
// trace — series, array-of-refs, or non-empty element series.
func (d *GCDesc) HasReferences() bool {
	return len(d.Series) > 0 || d.IsArrayOfRefs || len(d.ElementSeries) > 0
}

// MethodTable is the sole runtime descriptor for every loaded type,
// including every distinct generic instantiation (spec.md §3).
type MethodTable struct {
	Name          string
	BaseSize      uint32 // reference types: instance bytes including the 8-byte MethodTable slot; value types: field bytes only
	ComponentSize uint32 // nonzero only for arrays: per-element stride
	Flags         Flags
	Parent        *MethodTable // nil for System.Object and for value types with no managed parent
	GCDesc        GCDesc
	Vtable        []VtableSlot

	// AssemblyID + Token identify where this type was defined, used by
	// MetadataView's TypeRef resolution cache and by isinst/castclass.
	AssemblyID int64
	TypeToken  uint32
}

// VtableSlot is either a resolved native entry point or an unresolved
// method token pending first-call compilation (spec.md §3).
type VtableSlot struct {
	Resolved bool
	Entry    uintptr
	Token    uint32 // valid when !Resolved
}

// IsAssignableFrom reports whether a value of type other may be used
// wherever mt is expected — i.e. other is mt or a (transitive) subtype of
// mt. This is the "runtime subtype test" spec.md §4.8 uses for typed catch
// clause matching and spec.md §4.9 uses for castclass/isinst.
func (mt *MethodTable) IsAssignableFrom(other *MethodTable) bool {
	for t := other; t != nil; t = t.Parent {
		if t == mt {
			return true
		}
	}
	return false
}

// FieldBaseOffset returns the byte offset of the first instance field,
// honoring spec.md §4.9's split: reference types start fields after the
// 8-byte MethodTable pointer header; value types accessed via a managed
// pointer have no header, so their first field sits at offset 0.
func (mt *MethodTable) FieldBaseOffset() int32 {
	if mt.Flags.Has(IsValueType) {
		return 0
	}
	return 8
}

// BoxedHeader describes the layout of a boxed value type: a MethodTable
// pointer (identifying the value's original type) followed immediately by
// an inline copy of the value's bytes, with no padding — the same 8-byte
// header shape as any other reference-type object (spec.md §4.9's box/unbox
// contract; this struct supplements what spec.md leaves implicit).
type BoxedHeader struct {
	MT *MethodTable
}

// BoxedPayloadOffset is always 8: immediately past the MethodTable pointer,
// identical in shape to a reference type's first field.
const BoxedPayloadOffset = 8

// VtableSlotCount returns len(Vtable); kept as a named accessor so call
// sites documenting spec.md invariant 8 (vtable soundness) read clearly.
func (mt *MethodTable) VtableSlotCount() int { return len(mt.Vtable) }

// ResolveVtableSlot validates and returns the slot soundness-checked
// against the declaring type, per spec.md §8 invariant 8: "the slot, if
// resolved, targets a method whose declaring type is assignable from the
// receiver type" — declaringType is the type that originally defined the
// virtual method at this slot.
func (mt *MethodTable) ResolveVtableSlot(slot int, declaringType *MethodTable) (VtableSlot, error) {
	if slot < 0 || slot >= len(mt.Vtable) {
		return VtableSlot{}, fmt.Errorf("typesystem: vtable slot %d out of range for %s (len %d)", slot, mt.Name, len(mt.Vtable))
	}
	if declaringType != nil && !declaringType.IsAssignableFrom(mt) {
		return VtableSlot{}, fmt.Errorf("typesystem: vtable slot %d on %s is not reachable from declaring type %s", slot, mt.Name, declaringType.Name)
	}
	return mt.Vtable[slot], nil
}
