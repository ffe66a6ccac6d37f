// Package simkernel is the host-development stand-in for a real kernel's
// kernelapi implementation: cmd/coreharness runs against it so the
// load->resolve->register pipeline and the GC can be exercised from an ordinary
// process, without a bare-metal boot environment behind it. A real kernel
// replaces this package wholesale with its own page tables and thread
// control; nothing in internal/corert or internal/jit knows the difference,
// since both only ever see the kernelapi interfaces.
//
// Grounded on saferwall-pe's and ymm135-go's use of golang.org/x/sys for
// host-side page protection, and on the identity-mapped, single-address-
// space assumption internal/corert's own memory.go already documents.
package simkernel

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"kernrt/internal/kernelapi"
)

// PageSize mirrors codeheap.PageSize; kept independent so this package has
// no import-time dependency on codeheap.
const PageSize = 4096

// Memory is a PageAllocator and VirtualMemory backed by real anonymous
// mmap'd pages: AllocPages mmaps fresh RW pages and hands back their actual
// address as the PhysAddr, so a host process can genuinely mprotect and
// execute into them. Identity-mapped, as internal/corert assumes throughout
// (PhysAddr and VirtAddr name the same byte for any region this allocates).
type Memory struct {
	mu      sync.Mutex
	regions map[kernelapi.PhysAddr]int // base -> byte length, for FreePages validation
}

// NewMemory returns an empty Memory; every region is allocated lazily from
// the host OS on first use, there is no fixed arena to size up front.
func NewMemory() *Memory {
	return &Memory{regions: make(map[kernelapi.PhysAddr]int)}
}

func (m *Memory) AllocPages(count int, kind kernelapi.PageKind) (kernelapi.PhysAddr, error) {
	if count <= 0 {
		return 0, fmt.Errorf("simkernel: invalid page count %d", count)
	}
	size := count * PageSize
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, fmt.Errorf("simkernel: mmap %d bytes: %w", size, err)
	}
	base := kernelapi.PhysAddr(uintptr(addrOf(b)))
	m.mu.Lock()
	m.regions[base] = size
	m.mu.Unlock()
	return base, nil
}

func (m *Memory) FreePages(addr kernelapi.PhysAddr, count int) error {
	m.mu.Lock()
	size, ok := m.regions[addr]
	if ok {
		delete(m.regions, addr)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("simkernel: FreePages: unknown region %#x", addr)
	}
	return unix.Munmap(bytesAt(uintptr(addr), size))
}

// MapPages is a no-op beyond validating virt == phys: every region this
// package allocates is already resident at the address AllocPages returned,
// matching the identity-mapping internal/corert assumes (spec.md §6 leaves
// real page-table management to the host kernel; there is none here).
func (m *Memory) MapPages(phys kernelapi.PhysAddr, virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	if uintptr(phys) != uintptr(virt) {
		return fmt.Errorf("simkernel: non-identity mapping requested (phys %#x virt %#x) is not supported", phys, virt)
	}
	return m.Protect(virt, count, prot)
}

func (m *Memory) Protect(virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	size := count * PageSize
	var sysProt int
	switch prot {
	case kernelapi.ProtRW:
		sysProt = unix.PROT_READ | unix.PROT_WRITE
	case kernelapi.ProtRX:
		sysProt = unix.PROT_READ | unix.PROT_EXEC
	case kernelapi.ProtR:
		sysProt = unix.PROT_READ
	default:
		return fmt.Errorf("simkernel: unknown protection %v", prot)
	}
	return unix.Mprotect(bytesAt(uintptr(virt), size), sysProt)
}

// IcacheFlush is a no-op on x86-64: the architecture keeps the instruction
// cache coherent with stores through the same address space automatically,
// unlike ARM targets where this would matter.
func (m *Memory) IcacheFlush(r kernelapi.AddrRange) {}

// Bytes returns a Go slice aliasing the live memory at [addr, addr+n) —
// the seam codeheap needs to actually write JIT-emitted instructions into
// the same pages this allocator mapped, rather than a disconnected Go-heap
// copy.
func (m *Memory) Bytes(addr kernelapi.VirtAddr, n int) []byte {
	return bytesAt(uintptr(addr), n)
}
