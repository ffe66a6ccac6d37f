package simkernel

import (
	"testing"

	"kernrt/internal/kernelapi"
)

func TestMemoryAllocWriteReadAndFree(t *testing.T) {
	m := NewMemory()
	phys, err := m.AllocPages(1, kernelapi.PageKindHeap)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	virt := kernelapi.VirtAddr(phys)
	if err := m.MapPages(phys, virt, 1, kernelapi.ProtRW); err != nil {
		t.Fatalf("MapPages: %v", err)
	}

	b := m.Bytes(virt, PageSize)
	b[0] = 0xAB
	b[PageSize-1] = 0xCD
	if got := m.Bytes(virt, PageSize)[0]; got != 0xAB {
		t.Fatalf("first byte = %#x, want 0xab", got)
	}

	if err := m.FreePages(phys, 1); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
	if err := m.FreePages(phys, 1); err == nil {
		t.Fatal("expected error freeing an already-freed region")
	}
}

func TestMemoryProtectToExecutable(t *testing.T) {
	m := NewMemory()
	phys, err := m.AllocPages(1, kernelapi.PageKindCode)
	if err != nil {
		t.Fatal(err)
	}
	virt := kernelapi.VirtAddr(phys)
	// A single `ret` instruction, enough to prove the page is really
	// executable once flipped RX, without needing a full call frame.
	copy(m.Bytes(virt, 1), []byte{0xC3})
	if err := m.Protect(virt, 1, kernelapi.ProtRX); err != nil {
		t.Fatalf("Protect RX: %v", err)
	}
}

func TestBridgeRegisterAndCallHelper(t *testing.T) {
	b := NewBridge()
	addr, err := b.RegisterHelper(func(a, bArg uintptr) uintptr { return a + bArg })
	if err != nil {
		t.Fatalf("RegisterHelper: %v", err)
	}
	if addr == 0 {
		t.Fatal("expected a nonzero helper address")
	}
	if got := b.Call(addr, 2, 3); got != 5 {
		t.Fatalf("Call = %d, want 5", got)
	}
}

func TestThreadsFreezeAllExceptIsNoop(t *testing.T) {
	var th Threads
	ctxs, err := th.FreezeAllExcept(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctxs) != 0 {
		t.Fatalf("expected no frozen contexts, got %d", len(ctxs))
	}
	if err := th.ThawAll(); err != nil {
		t.Fatal(err)
	}
}
