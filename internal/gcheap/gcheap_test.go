package gcheap

import (
	"testing"

	"kernrt/internal/kernelapi"
)

type fakePages struct {
	next kernelapi.PhysAddr
}

func newFakePages() *fakePages { return &fakePages{next: PageSize} }

func (f *fakePages) AllocPages(count int, kind kernelapi.PageKind) (kernelapi.PhysAddr, error) {
	addr := f.next
	f.next += kernelapi.PhysAddr(count * PageSize)
	return addr, nil
}

func (f *fakePages) FreePages(addr kernelapi.PhysAddr, count int) error { return nil }

func (f *fakePages) MapPages(phys kernelapi.PhysAddr, virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	return nil
}
func (f *fakePages) Protect(virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	return nil
}
func (f *fakePages) IcacheFlush(r kernelapi.AddrRange) {}

func TestAllocReturnsDistinctContiguousBlocks(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)

	a, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct addresses")
	}
	if a+64 != b {
		t.Fatalf("expected bump allocation to be contiguous: a=%#x b=%#x", a, b)
	}
}

func TestAllocGrowsAcrossRegions(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)

	if _, err := h.Alloc(RegionBytes - 64); err != nil {
		t.Fatal(err)
	}
	before := len(h.regions)
	if _, err := h.Alloc(128); err != nil {
		t.Fatal(err)
	}
	if len(h.regions) != before+1 {
		t.Fatalf("expected a new region, had %d now have %d", before, len(h.regions))
	}
}

func TestFreeAndReallocReusesBlock(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)

	a, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a, 64); err != nil {
		t.Fatal(err)
	}
	if got := h.FreeListLen(); got != 1 {
		t.Fatalf("expected 1 free-list entry, got %d", got)
	}
	b, err := h.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected first-fit reuse of freed block: a=%#x b=%#x", a, b)
	}
	if got := h.FreeListLen(); got != 0 {
		t.Fatalf("expected free list drained after reuse, got %d entries", got)
	}
}

func TestFreeSplitsRemainderBackOntoFreeList(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)

	a, err := h.Alloc(256)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Free(a, 256); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Alloc(64); err != nil {
		t.Fatal(err)
	}
	if got := h.FreeListLen(); got != 1 {
		t.Fatalf("expected remainder pushed back onto free list, got %d entries", got)
	}
}

func TestFreeRejectsUnknownAddress(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)
	if err := h.Free(kernelapi.VirtAddr(0xDEADBEEF), 64); err == nil {
		t.Fatal("expected error for address outside any region")
	}
}

func TestAllocZeroesMemory(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp)
	a, _ := h.Alloc(64)
	regions := h.Regions()
	off := int(a - regions[0].Addr)
	for _, b := range regions[0].Bytes[off : off+64] {
		if b != 0 {
			t.Fatal("expected freshly allocated memory to be zeroed")
		}
	}
}
