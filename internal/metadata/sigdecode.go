package metadata

import "fmt"

// decodeCompressedAt decodes one ECMA-335 §II.23.2 compressed unsigned
// integer starting at byte offset off within data, returning the value and
// the number of bytes it occupied.
func decodeCompressedAt(data []byte, off uint32) (value uint32, width int, err error) {
	if int(off) >= len(data) {
		return 0, 0, fmt.Errorf("metadata: compressed integer offset out of range")
	}
	b0 := data[off]
	switch {
	case b0&0x80 == 0:
		return uint32(b0), 1, nil
	case b0&0xC0 == 0x80:
		if int(off)+2 > len(data) {
			return 0, 0, fmt.Errorf("metadata: truncated 2-byte compressed integer")
		}
		return (uint32(b0&0x3F) << 8) | uint32(data[off+1]), 2, nil
	case b0&0xE0 == 0xC0:
		if int(off)+4 > len(data) {
			return 0, 0, fmt.Errorf("metadata: truncated 4-byte compressed integer")
		}
		return (uint32(b0&0x1F) << 24) | (uint32(data[off+1]) << 16) | (uint32(data[off+2]) << 8) | uint32(data[off+3]), 4, nil
	default:
		return 0, 0, fmt.Errorf("metadata: invalid compressed integer lead byte %#x", b0)
	}
}

// ElementType is the ECMA-335 §II.23.1.16 primitive/constructed type tag
// used throughout signature blobs.
type ElementType byte

const (
	ElemEnd ElementType = iota
	ElemVoid
	ElemBoolean
	ElemChar
	ElemI1
	ElemU1
	ElemI2
	ElemU2
	ElemI4
	ElemU4
	ElemI8
	ElemU8
	ElemR4
	ElemR8
	ElemString
	ElemPtr
	ElemByRef
	ElemValueType
	ElemClass
	ElemVar
	ElemArray
	ElemGenericInst
	ElemTypedByRef
	_
	ElemI
	ElemU
	_
	ElemFnPtr
	ElemObject
	ElemSZArray
	ElemMVar
	ElemCModReqD
	ElemCModOpt
	ElemInternal
	ElemModifier ElementType = 0x40
	ElemSentinel ElementType = 0x41
	ElemPinned   ElementType = 0x45
)

// TypeSig is one decoded signature type node (spec.md §4.3's "signature
// decoding yields a tree"), covering the shapes Tier-0 needs: primitives,
// object references, value types, arrays (SZ and general), pointers,
// generic parameters, and generic instantiations.
type TypeSig struct {
	Elem ElementType

	// Valid when Elem == ElemValueType || Elem == ElemClass: the
	// TypeDefOrRef coded-index token of the referenced type.
	TypeToken uint32

	// Valid when Elem == ElemPtr || Elem == ElemSZArray || Elem == ElemByRef.
	Inner *TypeSig

	// Valid when Elem == ElemVar || Elem == ElemMVar: the generic
	// parameter's zero-based index.
	GenericIndex uint32

	// Valid when Elem == ElemGenericInst: the open generic type and its
	// type arguments.
	GenericType *TypeSig
	TypeArgs    []TypeSig

	// Valid when Elem == ElemArray: per-dimension rank/bounds (simplified
	// to rank only; Tier-0 does not special-case non-zero lower bounds).
	ArrayRank uint32
}

// MethodSig is a decoded method signature (ECMA-335 §II.23.2.1): calling
// convention byte, parameter count, return type, and parameter types.
type MethodSig struct {
	CallingConvention byte
	GenericParamCount uint32
	ParamCount        uint32
	RetType           TypeSig
	Params            []TypeSig
}

// sigReader walks a signature blob left to right.
type sigReader struct {
	data []byte
	pos  int
}

func (r *sigReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("metadata: signature truncated")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *sigReader) compressed() (uint32, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("metadata: signature truncated")
	}
	v, w, err := decodeCompressedAt(r.data, uint32(r.pos))
	if err != nil {
		return 0, err
	}
	r.pos += w
	return v, nil
}

// DecodeMethodSig parses a MethodDefSig/MethodRefSig blob.
func DecodeMethodSig(blob []byte) (MethodSig, error) {
	r := &sigReader{data: blob}
	conv, err := r.byte()
	if err != nil {
		return MethodSig{}, err
	}
	sig := MethodSig{CallingConvention: conv}
	const genericFlag = 0x10
	if conv&genericFlag != 0 {
		n, err := r.compressed()
		if err != nil {
			return MethodSig{}, err
		}
		sig.GenericParamCount = n
	}
	paramCount, err := r.compressed()
	if err != nil {
		return MethodSig{}, err
	}
	sig.ParamCount = paramCount
	ret, err := r.decodeType()
	if err != nil {
		return MethodSig{}, fmt.Errorf("metadata: return type: %w", err)
	}
	sig.RetType = ret
	sig.Params = make([]TypeSig, paramCount)
	for i := uint32(0); i < paramCount; i++ {
		p, err := r.decodeType()
		if err != nil {
			return MethodSig{}, fmt.Errorf("metadata: param %d: %w", i, err)
		}
		sig.Params[i] = p
	}
	return sig, nil
}

// DecodeFieldSig parses a FieldSig blob (a leading 0x06 marker then one
// type).
func DecodeFieldSig(blob []byte) (TypeSig, error) {
	r := &sigReader{data: blob}
	marker, err := r.byte()
	if err != nil {
		return TypeSig{}, err
	}
	if marker != 0x06 {
		return TypeSig{}, fmt.Errorf("metadata: field signature missing 0x06 marker, got %#x", marker)
	}
	return r.decodeType()
}

// DecodeLocalVarSig parses a StandAloneSig blob referenced by a fat method
// header's LocalVarSigTok (ECMA-335 §II.23.2.6): a leading 0x07 marker, a
// compressed count, then one type per local slot.
func DecodeLocalVarSig(blob []byte) ([]TypeSig, error) {
	r := &sigReader{data: blob}
	marker, err := r.byte()
	if err != nil {
		return nil, err
	}
	if marker != 0x07 {
		return nil, fmt.Errorf("metadata: local var signature missing 0x07 marker, got %#x", marker)
	}
	count, err := r.compressed()
	if err != nil {
		return nil, err
	}
	out := make([]TypeSig, count)
	for i := uint32(0); i < count; i++ {
		// A local slot may itself carry ElemPinned before its real type;
		// decodeType already threads ElemPinned through as a wrapper node,
		// which is enough for Tier-0 since it never special-cases pinning.
		t, err := r.decodeType()
		if err != nil {
			return nil, fmt.Errorf("metadata: local %d: %w", i, err)
		}
		out[i] = t
	}
	return out, nil
}

func (r *sigReader) decodeType() (TypeSig, error) {
	b, err := r.byte()
	if err != nil {
		return TypeSig{}, err
	}
	et := ElementType(b)
	switch et {
	case ElemBoolean, ElemChar, ElemI1, ElemU1, ElemI2, ElemU2, ElemI4, ElemU4,
		ElemI8, ElemU8, ElemR4, ElemR8, ElemString, ElemObject, ElemI, ElemU,
		ElemVoid, ElemTypedByRef:
		return TypeSig{Elem: et}, nil
	case ElemValueType, ElemClass:
		tok, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		return TypeSig{Elem: et, TypeToken: tok}, nil
	case ElemPtr, ElemByRef, ElemSZArray, ElemPinned:
		inner, err := r.decodeType()
		if err != nil {
			return TypeSig{}, err
		}
		return TypeSig{Elem: et, Inner: &inner}, nil
	case ElemVar, ElemMVar:
		idx, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		return TypeSig{Elem: et, GenericIndex: idx}, nil
	case ElemArray:
		elem, err := r.decodeType()
		if err != nil {
			return TypeSig{}, err
		}
		rank, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		// Bounds/lower-bounds arrays follow; Tier-0 skips their detail
		// since arrays here are always zero-based (spec.md §9 non-goal:
		// no VB-style non-zero lower bound support).
		numSizes, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		for i := uint32(0); i < numSizes; i++ {
			if _, err := r.compressed(); err != nil {
				return TypeSig{}, err
			}
		}
		numLoBounds, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		for i := uint32(0); i < numLoBounds; i++ {
			if _, err := r.compressed(); err != nil {
				return TypeSig{}, err
			}
		}
		return TypeSig{Elem: ElemArray, Inner: &elem, ArrayRank: rank}, nil
	case ElemGenericInst:
		genKindByte, err := r.byte()
		if err != nil {
			return TypeSig{}, err
		}
		genKind := ElementType(genKindByte)
		tok, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		argCount, err := r.compressed()
		if err != nil {
			return TypeSig{}, err
		}
		args := make([]TypeSig, argCount)
		for i := uint32(0); i < argCount; i++ {
			a, err := r.decodeType()
			if err != nil {
				return TypeSig{}, err
			}
			args[i] = a
		}
		open := TypeSig{Elem: genKind, TypeToken: tok}
		return TypeSig{Elem: ElemGenericInst, GenericType: &open, TypeArgs: args}, nil
	default:
		return TypeSig{}, fmt.Errorf("metadata: unsupported signature element type %#x", b)
	}
}
