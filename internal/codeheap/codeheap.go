// Package codeheap implements the executable, page-aligned allocator the
// JIT publishes compiled methods into (spec.md §4.2). Memory is writable
// (RW) while a method is being emitted and flipped to read-execute (RX)
// once the method is finalised; the heap is distinct from the GC's data
// heap and is never scanned by the collector.
//
// Grounded on tinyrange-rtg/std/compiler/backend.go's section-layout
// bookkeeping (it already reasons about .text placement and alignment for
// an ELF/PE image) and iansmith-mazarin/src/mazboot/golang/main/page.go's
// page-table-driven protection model.
package codeheap

import (
	"fmt"
	"sync"

	"kernrt/internal/kernelapi"
)

// PageSize is the allocation granularity. Real kernels may use a larger
// native page size; chunks are always a multiple of it.
const PageSize = 4096

// bytesProvider is implemented by a VirtualMemory whose mapped pages are
// real, addressable host memory (simkernel.Memory, or a real kernel's own
// identity-mapped view) rather than purely symbolic addresses a fake hands
// out for bookkeeping purposes only. When present, a chunk's RW view is the
// actual mapped pages, so the address Publish returns is genuinely
// invokable; when absent (as in every existing test fake), a chunk falls
// back to an ordinary Go-heap byte slice, which is sufficient for every
// purpose except really executing into it.
type bytesProvider interface {
	Bytes(virt kernelapi.VirtAddr, n int) []byte
}

// defaultChunkBytes is the size of one CodeHeap chunk, chosen so that most
// methods fit in one chunk without forcing a fresh chunk per method.
const defaultChunkBytes = 64 * 1024

// chunk is one contiguous, separately protectable region of code memory.
type chunk struct {
	virt      kernelapi.VirtAddr
	phys      kernelapi.PhysAddr
	size      int
	used      int
	published bool // true once flipped RW->RX; no further allocation from it
	mem       []byte
	ownerID   int64
}

// Heap is the executable allocator. Allocation is bump-pointer within the
// current chunk; when a chunk is exhausted a fresh one is requested from the
// page allocator. Unloading an assembly returns whole chunks (never partial
// reclaim — Tier-0 does not compact the code heap).
type Heap struct {
	mu      sync.Mutex
	pages   kernelapi.PageAllocator
	vm      kernelapi.VirtualMemory
	chunkSz int
	chunks  []*chunk
}

// New returns a Heap backed by the given kernel page allocator and virtual
// memory mapper. chunkBytes <= 0 selects defaultChunkBytes.
func New(pages kernelapi.PageAllocator, vm kernelapi.VirtualMemory, chunkBytes int) *Heap {
	if chunkBytes <= 0 {
		chunkBytes = defaultChunkBytes
	}
	return &Heap{
		pages:   pages,
		vm:      vm,
		chunkSz: alignUp(chunkBytes, PageSize),
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Reservation is a still-writable region returned by Reserve; the caller
// (the JIT) copies its emitted code into Bytes, then calls Publish to flip
// it read-execute.
type Reservation struct {
	h         *Heap
	chunkIdx  int
	offset    int
	Bytes     []byte // RW view of the reserved region, length == requested size
}

// Reserve hands back `size` bytes of RW memory for the JIT to emit into,
// allocating a fresh chunk from the page allocator if the current one lacks
// room. assemblyID attributes the chunk for later Unload.
func (h *Heap) Reserve(size int, assemblyID int64) (*Reservation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("codeheap: invalid reservation size %d", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := h.currentChunkLocked(size, assemblyID)
	if idx < 0 {
		c, err := h.newChunkLocked(size, assemblyID)
		if err != nil {
			return nil, err
		}
		idx = c
	}
	c := h.chunks[idx]
	start := c.used
	c.used += size
	return &Reservation{h: h, chunkIdx: idx, offset: start, Bytes: c.mem[start : start+size]}, nil
}

// currentChunkLocked returns the index of the last chunk if it has room for
// size more bytes, is not yet published, and belongs to assemblyID, or -1 if
// a new chunk is needed. Chunks are never shared across assemblies so that
// Unload can reclaim by whole chunks.
func (h *Heap) currentChunkLocked(size int, assemblyID int64) int {
	if len(h.chunks) == 0 {
		return -1
	}
	idx := len(h.chunks) - 1
	c := h.chunks[idx]
	if c.published || c.ownerID != assemblyID {
		return -1
	}
	if c.size-c.used < size {
		return -1
	}
	return idx
}

func (h *Heap) newChunkLocked(minSize int, assemblyID int64) (int, error) {
	size := h.chunkSz
	if minSize > size {
		size = alignUp(minSize, PageSize)
	}
	pageCount := size / PageSize
	phys, err := h.pages.AllocPages(pageCount, kernelapi.PageKindCode)
	if err != nil {
		return 0, fmt.Errorf("codeheap: AllocPages: %w", err)
	}
	virt := kernelapi.VirtAddr(phys) // identity-mapped in this runtime core
	if err := h.vm.MapPages(phys, virt, pageCount, kernelapi.ProtRW); err != nil {
		return 0, fmt.Errorf("codeheap: MapPages: %w", err)
	}
	mem := make([]byte, size)
	if bp, ok := h.vm.(bytesProvider); ok {
		mem = bp.Bytes(virt, size)
	}
	c := &chunk{virt: virt, phys: phys, size: size, mem: mem, ownerID: assemblyID}
	h.chunks = append(h.chunks, c)
	return len(h.chunks) - 1, nil
}

// Publish flips the reservation's chunk from RW to RX and flushes the
// instruction cache over the reservation's range, per spec.md §4.2's
// "flipped to R-X and the i-cache is flushed before any thread may invoke
// it" contract. A chunk is published once its first method is finalised;
// later reservations in the same chunk are disallowed (Tier-0 never mixes
// RW and RX regions within a chunk, which would require per-method
// protection flips).
func (r *Reservation) Publish() (kernelapi.VirtAddr, error) {
	h := r.h
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.chunks[r.chunkIdx]
	entry := kernelapi.VirtAddr(uintptr(c.virt) + uintptr(r.offset))
	if !c.published {
		if err := h.vm.Protect(c.virt, c.size/PageSize, kernelapi.ProtRX); err != nil {
			return 0, fmt.Errorf("codeheap: Protect RX: %w", err)
		}
		c.published = true
	}
	h.vm.IcacheFlush(kernelapi.AddrRange{Start: entry, Length: uintptr(len(r.Bytes))})
	return entry, nil
}

// Unload reclaims every chunk allocated for assemblyID. The caller
// (AssemblyRegistry) must have already confirmed no other loaded assembly
// still holds references into this code before calling Unload.
func (h *Heap) Unload(assemblyID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.chunks[:0]
	for _, c := range h.chunks {
		if c.ownerID != assemblyID {
			kept = append(kept, c)
			continue
		}
		if err := h.pages.FreePages(c.phys, c.size/PageSize); err != nil {
			return fmt.Errorf("codeheap: FreePages: %w", err)
		}
	}
	h.chunks = kept
	return nil
}
