package typesystem

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	cases := []Header{
		{BlockSize: 64, Flags: 0, SyncIndex: 0, Hash: 0},
		{BlockSize: 1 << 20, Flags: FlagMark, SyncIndex: 1, Hash: 0xDEADBEEF},
		{BlockSize: 24, Flags: FlagMark | FlagPinned | FlagFree, SyncIndex: 0xFFFFFF, Hash: 0xFFFFFFFF},
	}
	for _, h := range cases {
		buf := h.Encode()
		got := DecodeHeader(buf[:])
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestHeaderFlagsHas(t *testing.T) {
	f := FlagMark | FlagPinned
	if f&FlagFree != 0 {
		t.Fatal("FlagFree should not be set")
	}
	if f&FlagMark == 0 || f&FlagPinned == 0 {
		t.Fatal("expected FlagMark and FlagPinned set")
	}
}

func TestMinFreeBlockSize(t *testing.T) {
	if MinFreeBlockSize != 24 {
		t.Fatalf("MinFreeBlockSize = %d, want 24", MinFreeBlockSize)
	}
}
