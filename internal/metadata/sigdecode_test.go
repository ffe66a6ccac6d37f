package metadata

import "testing"

func TestDecodeCompressedOneByte(t *testing.T) {
	v, w, err := decodeCompressedAt([]byte{0x03}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 3 || w != 1 {
		t.Fatalf("got v=%d w=%d, want 3,1", v, w)
	}
}

func TestDecodeCompressedTwoByte(t *testing.T) {
	// 0x80 0x80 -> top bits 10, value (0x00<<8)|0x80 = 0x80 = 128
	v, w, err := decodeCompressedAt([]byte{0x80, 0x80}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x80 || w != 2 {
		t.Fatalf("got v=%#x w=%d, want 0x80,2", v, w)
	}
}

func TestDecodeCompressedFourByte(t *testing.T) {
	v, w, err := decodeCompressedAt([]byte{0xC0, 0x00, 0x40, 0x00}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x4000 || w != 4 {
		t.Fatalf("got v=%#x w=%d, want 0x4000,4", v, w)
	}
}

func TestDecodeFieldSigPrimitive(t *testing.T) {
	sig, err := DecodeFieldSig([]byte{0x06, byte(ElemI4)})
	if err != nil {
		t.Fatal(err)
	}
	if sig.Elem != ElemI4 {
		t.Fatalf("expected ElemI4, got %v", sig.Elem)
	}
}

func TestDecodeFieldSigSZArrayOfObject(t *testing.T) {
	sig, err := DecodeFieldSig([]byte{0x06, byte(ElemSZArray), byte(ElemObject)})
	if err != nil {
		t.Fatal(err)
	}
	if sig.Elem != ElemSZArray || sig.Inner == nil || sig.Inner.Elem != ElemObject {
		t.Fatalf("expected SZArray of Object, got %+v", sig)
	}
}

func TestDecodeMethodSigVoidNoArgs(t *testing.T) {
	// default calling convention (0x00), 0 params, void return.
	sig, err := DecodeMethodSig([]byte{0x00, 0x00, byte(ElemVoid)})
	if err != nil {
		t.Fatal(err)
	}
	if sig.ParamCount != 0 || sig.RetType.Elem != ElemVoid {
		t.Fatalf("unexpected sig: %+v", sig)
	}
}

func TestDecodeMethodSigWithParams(t *testing.T) {
	// 0 calling convention, 2 params, returns I4, params (I4, String).
	blob := []byte{0x00, 0x02, byte(ElemI4), byte(ElemI4), byte(ElemString)}
	sig, err := DecodeMethodSig(blob)
	if err != nil {
		t.Fatal(err)
	}
	if sig.ParamCount != 2 || len(sig.Params) != 2 {
		t.Fatalf("expected 2 params, got %+v", sig)
	}
	if sig.Params[0].Elem != ElemI4 || sig.Params[1].Elem != ElemString {
		t.Fatalf("unexpected param types: %+v", sig.Params)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tok := MakeToken(TableTypeDef, 0x123)
	if TokenKind(tok) != TableTypeDef {
		t.Fatalf("expected table %d, got %d", TableTypeDef, TokenKind(tok))
	}
	if TokenRID(tok) != 0x123 {
		t.Fatalf("expected rid 0x123, got %#x", TokenRID(tok))
	}
}

func TestDecodeCoded(t *testing.T) {
	// codedTypeDefOrRef: tagBits=2, tables [TypeDef, TypeRef, TypeSpec].
	// raw = (rid<<2)|tag; tag=1 selects TypeRef.
	raw := uint32(5)<<2 | 1
	tbl, rid := decodeCoded(raw, codedTypeDefOrRef)
	if tbl != TableTypeRef || rid != 5 {
		t.Fatalf("got table=%d rid=%d, want TypeRef,5", tbl, rid)
	}
}
