package stackmap

import "testing"

func TestBuilderSortsByOffset(t *testing.T) {
	b := NewBuilder(4)
	b.Mark(0x40, []int{0, 2})
	b.Mark(0x10, []int{1})
	tbl := b.Build()

	if len(tbl.Safepoints) != 2 {
		t.Fatalf("expected 2 safepoints, got %d", len(tbl.Safepoints))
	}
	if tbl.Safepoints[0].CodeOffset != 0x10 || tbl.Safepoints[1].CodeOffset != 0x40 {
		t.Fatalf("expected ascending offsets, got %#x then %#x", tbl.Safepoints[0].CodeOffset, tbl.Safepoints[1].CodeOffset)
	}
}

func TestIsLive(t *testing.T) {
	b := NewBuilder(70)
	b.Mark(0x8, []int{0, 63, 64, 69})
	tbl := b.Build()
	sp := tbl.Safepoints[0]

	for _, live := range []int{0, 63, 64, 69} {
		if !sp.IsLive(live) {
			t.Fatalf("expected slot %d live", live)
		}
	}
	for _, dead := range []int{1, 62, 65, 68} {
		if sp.IsLive(dead) {
			t.Fatalf("expected slot %d dead", dead)
		}
	}
}

func TestLookupExactOffsetOnly(t *testing.T) {
	b := NewBuilder(8)
	b.Mark(0x10, []int{0})
	b.Mark(0x20, []int{1})
	tbl := b.Build()

	if _, err := tbl.Lookup(0x18); err == nil {
		t.Fatal("expected error for an offset between two safepoints")
	}
	sp, err := tbl.Lookup(0x20)
	if err != nil {
		t.Fatal(err)
	}
	if !sp.IsLive(1) {
		t.Fatal("expected slot 1 live at 0x20")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder(130)
	b.Mark(0x10, []int{0, 5, 64, 129})
	b.Mark(0x30, nil)
	b.Mark(0x50, []int{1})
	want := b.Build()

	data := want.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.SlotCount != want.SlotCount {
		t.Fatalf("slot count mismatch: got %d want %d", got.SlotCount, want.SlotCount)
	}
	if len(got.Safepoints) != len(want.Safepoints) {
		t.Fatalf("safepoint count mismatch: got %d want %d", len(got.Safepoints), len(want.Safepoints))
	}
	for i := range want.Safepoints {
		if got.Safepoints[i].CodeOffset != want.Safepoints[i].CodeOffset {
			t.Fatalf("safepoint %d offset mismatch: got %#x want %#x", i, got.Safepoints[i].CodeOffset, want.Safepoints[i].CodeOffset)
		}
		for _, slot := range []int{0, 5, 64, 129} {
			if got.Safepoints[i].IsLive(slot) != want.Safepoints[i].IsLive(slot) {
				t.Fatalf("safepoint %d slot %d liveness mismatch", i, slot)
			}
		}
	}
}

func TestEmptyTableRoundTrip(t *testing.T) {
	b := NewBuilder(0)
	tbl := b.Build()
	data := tbl.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Safepoints) != 0 {
		t.Fatalf("expected no safepoints, got %d", len(got.Safepoints))
	}
}
