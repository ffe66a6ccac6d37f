package gc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"kernrt/internal/gcheap"
	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
)

type fakePages struct{ next kernelapi.PhysAddr }

func newFakePages() *fakePages { return &fakePages{next: gcheap.PageSize} }

func (f *fakePages) AllocPages(count int, kind kernelapi.PageKind) (kernelapi.PhysAddr, error) {
	addr := f.next
	f.next += kernelapi.PhysAddr(count * gcheap.PageSize)
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

type fakeThreads struct{}

func (fakeThreads) FreezeAllExcept(self kernelapi.ThreadID) ([]kernelapi.ThreadContext, error) {
	return nil, nil
}
func (fakeThreads) ThawAll() error { return nil }

type fakeRoots struct {
	static []kernelapi.VirtAddr
	intern []kernelapi.VirtAddr
}

func (r fakeRoots) StaticRoots() []kernelapi.VirtAddr { return r.static }
func (r fakeRoots) InternRoots() []kernelapi.VirtAddr { return r.intern }

type fakeTracer struct {
	refs map[uintptr][]uintptr
}

func (t fakeTracer) TraceReferences(addr uintptr) []uintptr { return t.refs[addr] }

func TestCollectWithNoRootsMarksNothing(t *testing.T) {
	fp := newFakePages()
	heap := gcheap.New(fp, fp)
	if _, err := heap.Alloc(64); err != nil {
		t.Fatal(err)
	}

	walker := &StackWalker{ReadStack: func(uintptr) uintptr { return 0 }, ReadSlot: func(uintptr) uintptr { return 0 }}
	c := New(heap, fakeThreads{}, fakeRoots{}, walker, fakeTracer{})

	stats, err := c.Collect(1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Regions != 1 {
		t.Fatalf("expected 1 region walked, got %d", stats.Regions)
	}
	if stats.Marked != 0 {
		t.Fatalf("expected 0 marked roots, got %d", stats.Marked)
	}
}

// writeHeader stamps a real typesystem.Header into the block at headerAddr,
// the way corert's allocation helpers do after calling Heap.Alloc, and
// returns the object address (headerAddr + typesystem.HeaderSize) that
// callers should register as a root / compare against sweep's output.
func writeHeader(t *testing.T, heap *gcheap.Heap, headerAddr kernelapi.VirtAddr, blockSize uint32) kernelapi.VirtAddr {
	t.Helper()
	for _, r := range heap.Regions() {
		if headerAddr < r.Addr || uintptr(headerAddr) >= uintptr(r.Addr)+uintptr(len(r.Bytes)) {
			continue
		}
		off := uintptr(headerAddr) - uintptr(r.Addr)
		hdr := typesystem.Header{BlockSize: blockSize}
		enc := hdr.Encode()
		copy(r.Bytes[off:off+typesystem.HeaderSize], enc[:])
		return headerAddr + kernelapi.VirtAddr(typesystem.HeaderSize)
	}
	t.Fatalf("writeHeader: address %v not found in any region", headerAddr)
	return 0
}

// TestCollectKeepsRootedFreesUnrooted is a round-trip: an unrooted object
// is swept away, a rooted one survives. Heap.Free only links a block onto
// the free list — it never rewrites the block's header — so "survived" is
// checked the way the free list itself would prove it: the freed block,
// and only it, is handed back out by the next Alloc of the same size.
func TestCollectKeepsRootedFreesUnrooted(t *testing.T) {
	fp := newFakePages()
	heap := gcheap.New(fp, fp)

	rootedHdr, err := heap.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	rootedObj := writeHeader(t, heap, rootedHdr, 32)

	unrootedHdr, err := heap.Alloc(32) // unrooted, should not survive
	if err != nil {
		t.Fatal(err)
	}
	writeHeader(t, heap, unrootedHdr, 32)

	walker := &StackWalker{ReadStack: func(uintptr) uintptr { return 0 }, ReadSlot: func(uintptr) uintptr { return 0 }}
	c := New(heap, fakeThreads{}, fakeRoots{static: []kernelapi.VirtAddr{rootedObj}}, walker, fakeTracer{})

	stats, err := c.Collect(1)
	if err != nil {
		t.Fatal(err)
	}
	wantStats := Stats{Marked: 1, Freed: 1, Regions: 1}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Fatalf("collection stats mismatch (-want +got):\n%s", diff)
	}
	if got := heap.FreeListLen(); got != 1 {
		t.Fatalf("expected 1 free-list entry after sweep, got %d", got)
	}

	reused, err := heap.Alloc(32)
	if err != nil {
		t.Fatal(err)
	}
	if reused != unrootedHdr {
		t.Fatalf("expected the unrooted block to be recycled, got %v want %v", reused, unrootedHdr)
	}
}

func TestCollectRejectsReentrantCollection(t *testing.T) {
	fp := newFakePages()
	heap := gcheap.New(fp, fp)
	walker := &StackWalker{ReadStack: func(uintptr) uintptr { return 0 }, ReadSlot: func(uintptr) uintptr { return 0 }}
	c := New(heap, fakeThreads{}, fakeRoots{}, walker, fakeTracer{})

	c.running = 1
	if _, err := c.Collect(1); err == nil {
		t.Fatal("expected error when a collection is already marked in progress")
	}
}
