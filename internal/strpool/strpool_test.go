package strpool

import (
	"fmt"
	"testing"

	"kernrt/internal/kernelapi"
)

type fakeAlloc struct {
	next kernelapi.VirtAddr
	n    int
}

func (f *fakeAlloc) AllocateString(content string) (kernelapi.VirtAddr, error) {
	f.n++
	f.next += 0x100
	return f.next, nil
}

type failAlloc struct{}

func (failAlloc) AllocateString(content string) (kernelapi.VirtAddr, error) {
	return 0, fmt.Errorf("strpool: heap exhausted")
}

func TestLoadUserStringIdempotentPerToken(t *testing.T) {
	alloc := &fakeAlloc{}
	p := New(alloc)

	addr1, err := p.LoadUserString(1, 0x70000001, "hello")
	if err != nil {
		t.Fatal(err)
	}
	addr2, err := p.LoadUserString(1, 0x70000001, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected same address for repeated token lookup, got %#x and %#x", addr1, addr2)
	}
	if alloc.n != 1 {
		t.Fatalf("expected exactly one allocation, got %d", alloc.n)
	}
}

func TestInternDeduplicatesByContent(t *testing.T) {
	alloc := &fakeAlloc{}
	p := New(alloc)

	addr1, err := p.Intern("abc")
	if err != nil {
		t.Fatal(err)
	}
	addr2, err := p.Intern(string([]byte{'a', 'b', 'c'}))
	if err != nil {
		t.Fatal(err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected pointer-equal intern results, got %#x and %#x", addr1, addr2)
	}
	if alloc.n != 1 {
		t.Fatalf("expected exactly one allocation for two equal-content interns, got %d", alloc.n)
	}
}

func TestLoadUserStringReusesInternedContent(t *testing.T) {
	alloc := &fakeAlloc{}
	p := New(alloc)

	internAddr, err := p.Intern("shared")
	if err != nil {
		t.Fatal(err)
	}
	loadAddr, err := p.LoadUserString(2, 0x70000002, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if internAddr != loadAddr {
		t.Fatalf("expected LoadUserString to reuse the interned entry, got %#x vs %#x", internAddr, loadAddr)
	}
	if alloc.n != 1 {
		t.Fatalf("expected only the original Intern to allocate, got %d allocations", alloc.n)
	}
}

func TestInternRootsDeduplicatesAddresses(t *testing.T) {
	alloc := &fakeAlloc{}
	p := New(alloc)

	if _, err := p.Intern("one"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.LoadUserString(1, 1, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Intern("two"); err != nil {
		t.Fatal(err)
	}

	roots := p.InternRoots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 distinct interned roots, got %d", len(roots))
	}
}

func TestAllocationFailurePropagates(t *testing.T) {
	p := New(failAlloc{})
	if _, err := p.Intern("x"); err == nil {
		t.Fatal("expected allocation failure to propagate")
	}
	if _, err := p.LoadUserString(1, 1, "x"); err == nil {
		t.Fatal("expected allocation failure to propagate")
	}
}
