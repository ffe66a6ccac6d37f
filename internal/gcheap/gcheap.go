// Package gcheap implements GCHeap (spec.md §4.4): the managed-object data
// heap the collector scans and compacts via free-list recycling. Allocation
// is bump-pointer over 1 MiB regions requested from the kernel page
// allocator, exactly the region-over-mmap pattern in
// tinyrange-rtg/std/runtime/runtime.go's Alloc; the free list and first-fit
// recycling generalize the size-class/free-list bookkeeping in the pack's
// 57bcd376_dut3062796s-go-2__src-pkg-runtime-malloc.go to the precise-GC
// setting spec.md §4.4 describes (blocks carry the typesystem header rather
// than Go's own mspan metadata).
package gcheap

import (
	"fmt"
	"sync"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
)

// RegionBytes is the size of one region requested from the kernel page
// allocator, matching the 1 MiB chunk in the teacher's Alloc.
const RegionBytes = 1 << 20

const PageSize = 4096

// freeNode records one free block's size and the next free-list entry. It
// is kept in Heap.free, not written into the free block itself.
type freeNode struct {
	size int
	next int // index into Heap.free, or -1
}

// region is one bump-allocated, GC-visible span of heap memory.
type region struct {
	virt kernelapi.VirtAddr
	phys kernelapi.PhysAddr
	mem  []byte
	used int
}

// Heap is the GC-managed object heap: a set of regions, a bump cursor into
// the most recent region, and a singly linked free list of reclaimed
// blocks, kept in side slices (spec.md §4.4).
type Heap struct {
	mu      sync.Mutex
	pages   kernelapi.PageAllocator
	vm      kernelapi.VirtualMemory
	regions []*region
	free    []freeNode // free-list nodes, addressed by index; node.next chains them
	freeAt  []int      // freeAt[i] is the byte offset (region-relative, packed) for free[i]
	head    int        // index into free, or -1 if empty

	// regionIdx maps a packed block offset back to its region for freeAt
	// bookkeeping; Tier-0 never spans an object across regions.
	regionIdx []int // parallel to free/freeAt: which region each free node lives in
}

// New returns an empty Heap backed by the kernel's page allocator and
// virtual-memory mapper.
func New(pages kernelapi.PageAllocator, vm kernelapi.VirtualMemory) *Heap {
	return &Heap{pages: pages, vm: vm, head: -1}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc reserves totalSize bytes (header included) for a new object,
// zero-filled, returning the address of the header's first byte (i.e. the
// object pointer minus typesystem.HeaderSize). First-fit free-list lookup
// runs before falling back to the bump cursor, per spec.md §4.4.
func (h *Heap) Alloc(totalSize int) (kernelapi.VirtAddr, error) {
	totalSize = alignUp(totalSize, 8)
	if totalSize < typesystem.MinFreeBlockSize {
		totalSize = typesystem.MinFreeBlockSize
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if addr, ok := h.tryFreeListLocked(totalSize); ok {
		return addr, nil
	}
	return h.bumpAllocLocked(totalSize)
}

func (h *Heap) tryFreeListLocked(size int) (kernelapi.VirtAddr, bool) {
	prev := -1
	cur := h.head
	for cur != -1 {
		node := h.free[cur]
		if node.size >= size {
			// Unlink.
			if prev == -1 {
				h.head = node.next
			} else {
				pn := h.free[prev]
				pn.next = node.next
				h.free[prev] = pn
			}
			r := h.regions[h.regionIdx[cur]]
			off := h.freeAt[cur]
			remainder := node.size - size
			if remainder >= typesystem.MinFreeBlockSize {
				h.pushFreeLocked(h.regionIdx[cur], off+size, remainder)
			}
			zero(r.mem[off : off+size])
			return regionAddr(r, off), true
		}
		prev = cur
		cur = node.next
	}
	return 0, false
}

func (h *Heap) pushFreeLocked(regionIdx, offset, size int) {
	node := freeNode{size: size, next: h.head}
	h.free = append(h.free, node)
	h.freeAt = append(h.freeAt, offset)
	h.regionIdx = append(h.regionIdx, regionIdx)
	h.head = len(h.free) - 1
}

func (h *Heap) bumpAllocLocked(size int) (kernelapi.VirtAddr, error) {
	if len(h.regions) == 0 || h.regions[len(h.regions)-1].used+size > len(h.regions[len(h.regions)-1].mem) {
		if err := h.growLocked(size); err != nil {
			return 0, err
		}
	}
	r := h.regions[len(h.regions)-1]
	off := r.used
	r.used += size
	zero(r.mem[off : off+size])
	return regionAddr(r, off), nil
}

func (h *Heap) growLocked(minSize int) error {
	regionSize := alignUp(RegionBytes, PageSize)
	if minSize > regionSize {
		regionSize = alignUp(minSize, PageSize)
	}
	pageCount := regionSize / PageSize
	phys, err := h.pages.AllocPages(pageCount, kernelapi.PageKindHeap)
	if err != nil {
		return fmt.Errorf("gcheap: AllocPages: %w", err)
	}
	virt := kernelapi.VirtAddr(phys)
	if err := h.vm.MapPages(phys, virt, pageCount, kernelapi.ProtRW); err != nil {
		return fmt.Errorf("gcheap: MapPages: %w", err)
	}
	h.regions = append(h.regions, &region{virt: virt, phys: phys, mem: make([]byte, regionSize)})
	return nil
}

func regionAddr(r *region, offset int) kernelapi.VirtAddr {
	return kernelapi.VirtAddr(uintptr(r.virt) + uintptr(offset))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Free returns a block previously handed out by Alloc back to the free
// list (spec.md §4.4: the sweep phase of the collector, never user code
// directly). size must be the same totalSize passed to the matching Alloc.
func (h *Heap) Free(addr kernelapi.VirtAddr, size int) error {
	size = alignUp(size, 8)
	if size < typesystem.MinFreeBlockSize {
		size = typesystem.MinFreeBlockSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.regions {
		start := uintptr(r.virt)
		end := start + uintptr(len(r.mem))
		a := uintptr(addr)
		if a >= start && a < end {
			off := int(a - start)
			h.pushFreeLocked(i, off, size)
			return nil
		}
	}
	return fmt.Errorf("gcheap: Free: address %#x not within any region", addr)
}

// LiveRegion is a snapshot of one region's live (bump-allocated) extent,
// handed to the GC's sweep phase to walk block by block.
type LiveRegion struct {
	Addr  kernelapi.VirtAddr
	Bytes []byte // aliases live heap memory, offset 0 == Addr
}

// Regions exposes the live regions for the GC's sweep phase to walk block
// by block; returned slices alias live heap memory.
func (h *Heap) Regions() []LiveRegion {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LiveRegion, len(h.regions))
	for i, r := range h.regions {
		out[i] = LiveRegion{Addr: r.virt, Bytes: r.mem[:r.used]}
	}
	return out
}

// FreeListLen reports the number of entries on the free list (diagnostics /
// tests only).
func (h *Heap) FreeListLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for cur := h.head; cur != -1; cur = h.free[cur].next {
		n++
	}
	return n
}
