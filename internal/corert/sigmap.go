package corert

import (
	"fmt"

	"kernrt/internal/metadata"
	"kernrt/internal/typesystem"
)

// shape is the runtime-relevant projection of a decoded signature type: the
// eval-stack tag the JIT lowers it as, its unboxed byte size, whether it
// carries a managed reference, and (for value types) the MethodTable
// describing its field layout.
type shape struct {
	Tag   typesystem.SlotTag
	Size  int
	IsRef bool
	MT    *typesystem.MethodTable // valid when Tag == TagValueType
}

// resolveTypeSig maps one decoded signature type node to its runtime
// shape, resolving ElemValueType/ElemClass tokens against st's (and, via
// cross-assembly TypeRef, another loaded assembly's) type directory.
//
// Generic parameters and instantiations are out of scope (spec.md's Tier-0
// targets non-generic CIL; ElemVar/ElemMVar/ElemGenericInst are rejected
// rather than silently mis-sized).
func (rt *Runtime) resolveTypeSig(st *assemblyState, t metadata.TypeSig) (shape, error) {
	switch t.Elem {
	case metadata.ElemBoolean, metadata.ElemI1, metadata.ElemU1:
		return shape{Tag: typesystem.TagInt, Size: 1}, nil
	case metadata.ElemChar, metadata.ElemI2, metadata.ElemU2:
		return shape{Tag: typesystem.TagInt, Size: 2}, nil
	case metadata.ElemI4, metadata.ElemU4:
		return shape{Tag: typesystem.TagInt, Size: 4}, nil
	case metadata.ElemI8, metadata.ElemU8, metadata.ElemI, metadata.ElemU:
		return shape{Tag: typesystem.TagInt, Size: 8}, nil
	case metadata.ElemR4:
		return shape{Tag: typesystem.TagFloat32, Size: 4}, nil
	case metadata.ElemR8:
		return shape{Tag: typesystem.TagFloat64, Size: 8}, nil
	case metadata.ElemVoid:
		return shape{Tag: typesystem.TagInt, Size: 0}, nil
	case metadata.ElemString, metadata.ElemObject, metadata.ElemSZArray,
		metadata.ElemPtr, metadata.ElemByRef:
		// Arrays, strings, and object references are managed pointers;
		// unmanaged Ptr/ByRef share the same 8-byte slot shape but are not
		// themselves GC roots at the pointee (spec.md §4.9's split between
		// tracked and untracked pointer-sized slots collapses, for Tier-0's
		// purposes, to "IsRef means the JIT's safepoint map must report
		// this slot").
		return shape{Tag: typesystem.TagInt, Size: 8, IsRef: t.Elem == metadata.ElemString || t.Elem == metadata.ElemObject || t.Elem == metadata.ElemSZArray}, nil
	case metadata.ElemClass:
		return shape{Tag: typesystem.TagInt, Size: 8, IsRef: true}, nil
	case metadata.ElemValueType:
		mt, err := rt.resolveTypeToken(st, metadata.DecodeTypeDefOrRefToken(t.TypeToken))
		if err != nil {
			return shape{}, err
		}
		return shape{Tag: typesystem.TagValueType, Size: valueTypeSize(mt), MT: mt}, nil
	default:
		return shape{}, fmt.Errorf("corert: unsupported signature element %v (generics are out of Tier-0's scope)", t.Elem)
	}
}

// valueTypeSize is the unboxed byte size of a value type: a value type's
// BaseSize holds its fields alone, with no 8-byte header slot
// (typesystem.FieldBaseOffset is 0 for value types), so it is used as is,
// rounded up to one 8-byte slot when smaller.
func valueTypeSize(mt *typesystem.MethodTable) int {
	if mt == nil {
		return 0
	}
	if int(mt.BaseSize) <= 8 {
		return 8
	}
	return int(mt.BaseSize)
}
