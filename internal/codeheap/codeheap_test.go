package codeheap

import (
	"testing"

	"kernrt/internal/kernelapi"
)

// fakePages is an in-process PageAllocator/VirtualMemory pair for tests,
// standing in for the real kernel services of spec.md §6.
type fakePages struct {
	next      kernelapi.PhysAddr
	freed     map[kernelapi.PhysAddr]int
	protected map[kernelapi.VirtAddr]kernelapi.Protection
}

func newFakePages() *fakePages {
	return &fakePages{next: PageSize, freed: map[kernelapi.PhysAddr]int{}, protected: map[kernelapi.VirtAddr]kernelapi.Protection{}}
}

func (f *fakePages) AllocPages(count int, kind kernelapi.PageKind) (kernelapi.PhysAddr, error) {
	addr := f.next
	f.next += kernelapi.PhysAddr(count * PageSize)
	return addr, nil
}

func (f *fakePages) FreePages(addr kernelapi.PhysAddr, count int) error {
	f.freed[addr] = count
	return nil
}

func (f *fakePages) MapPages(phys kernelapi.PhysAddr, virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	f.protected[virt] = prot
	return nil
}

func (f *fakePages) Protect(virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	f.protected[virt] = prot
	return nil
}

func (f *fakePages) IcacheFlush(r kernelapi.AddrRange) {}

func TestReserveAndPublish(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp, 0)

	r, err := h.Reserve(16, 1)
	if err != nil {
		t.Fatal(err)
	}
	copy(r.Bytes, []byte{0xC3, 0x90, 0x90, 0x90})
	entry, err := r.Publish()
	if err != nil {
		t.Fatal(err)
	}
	if entry == 0 {
		t.Fatal("expected nonzero entry address")
	}
	if fp.protected[h.chunks[0].virt] != kernelapi.ProtRX {
		t.Fatalf("expected chunk protection RX, got %v", fp.protected[h.chunks[0].virt])
	}
}

func TestReservationsShareChunkUntilPublished(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp, 4096)

	r1, err := h.Reserve(32, 1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := h.Reserve(32, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r1.chunkIdx != r2.chunkIdx {
		t.Fatal("expected both reservations to share the same chunk before publish")
	}
}

func TestNewChunkAfterExhaustion(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp, PageSize)

	r1, _ := h.Reserve(PageSize-8, 1)
	r1.Publish()
	r2, err := h.Reserve(64, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r2.chunkIdx == 0 {
		t.Fatal("expected a fresh chunk once the first was published")
	}
}

func TestUnloadReclaimsOwnedChunksOnly(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp, PageSize)

	a, _ := h.Reserve(64, 1)
	a.Publish()
	b, _ := h.Reserve(64, 2)
	b.Publish()

	if err := h.Unload(1); err != nil {
		t.Fatal(err)
	}
	if len(h.chunks) != 1 {
		t.Fatalf("expected 1 chunk remaining after unload, got %d", len(h.chunks))
	}
	if h.chunks[0].ownerID != 2 {
		t.Fatalf("expected remaining chunk to belong to assembly 2, got %d", h.chunks[0].ownerID)
	}
	if len(fp.freed) != 1 {
		t.Fatalf("expected exactly one FreePages call, got %d", len(fp.freed))
	}
}

func TestReserveRejectsNonPositiveSize(t *testing.T) {
	fp := newFakePages()
	h := New(fp, fp, 0)
	if _, err := h.Reserve(0, 1); err == nil {
		t.Fatal("expected error for zero-size reservation")
	}
}
