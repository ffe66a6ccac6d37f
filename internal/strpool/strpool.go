// Package strpool implements StringPool (spec.md §4.11): the intern table
// keyed both by (assembly, user-string-token) for fast bytecode LoadString
// resolution and by content hash for String.Intern, acting as a permanent
// GC root for every string it holds.
//
// Grounded on tinyrange-rtg/std/compiler/backend.go's stringMap
// map[string]int string-literal deduplication (the same "intern by
// content" idea, there applied at compile time to lay out one copy of each
// literal in .rodata) generalized to a runtime structure with a second,
// token-keyed index and real hashing via github.com/cespare/xxhash/v2,
// since a runtime intern table cannot afford Go's own string-equality scan
// over every prior literal the way a one-shot compiler pass can.
package strpool

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"kernrt/internal/kernelapi"
)

// TokenKey identifies one #US literal's location within a loaded assembly.
type TokenKey struct {
	AssemblyID int64
	Token      uint32
}

// Entry is one interned string: its heap address and content kept
// together, so a content-hash lookup never needs to re-read heap memory to
// compare candidates.
type Entry struct {
	Addr    kernelapi.VirtAddr
	Content string
}

// Allocator materializes a new managed string object from content,
// returning its heap address (spec.md §4.11: "a LoadString that misses
// both indices allocates a new string from the GC heap... marked pinned
// until interned"). This is the seam to corert, where a System.String
// object's concrete layout (MethodTable pointer, length, inline UTF-16
// payload) is defined; tests supply a fake.
type Allocator interface {
	AllocateString(content string) (kernelapi.VirtAddr, error)
}

// Pool is StringPool. One instance is process-wide (spec.md §9: "global
// state... is process-wide and initialised once at runtime bring-up").
type Pool struct {
	mu      sync.Mutex
	alloc   Allocator
	byToken map[TokenKey]*Entry
	byHash  map[uint64][]*Entry // collision chain, content-equality resolved within
}

// New returns an empty pool that materializes new strings via alloc.
func New(alloc Allocator) *Pool {
	return &Pool{
		alloc:   alloc,
		byToken: make(map[TokenKey]*Entry),
		byHash:  make(map[uint64][]*Entry),
	}
}

// LoadUserString resolves the #US literal at (assemblyID, token), whose
// decoded content is content, interning it on first use. Repeated calls
// for the same token are idempotent and return the same address.
func (p *Pool) LoadUserString(assemblyID int64, token uint32, content string) (kernelapi.VirtAddr, error) {
	key := TokenKey{AssemblyID: assemblyID, Token: token}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byToken[key]; ok {
		return e.Addr, nil
	}
	if e := p.findByContentLocked(content); e != nil {
		p.byToken[key] = e
		return e.Addr, nil
	}
	e, err := p.allocateLocked(content)
	if err != nil {
		return 0, err
	}
	p.byToken[key] = e
	return e.Addr, nil
}

// Intern implements String.Intern (spec.md §4.11, §8 scenario S5): two
// calls with equal content, regardless of object identity, return the
// same address.
func (p *Pool) Intern(content string) (kernelapi.VirtAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.findByContentLocked(content); e != nil {
		return e.Addr, nil
	}
	e, err := p.allocateLocked(content)
	if err != nil {
		return 0, err
	}
	return e.Addr, nil
}

func (p *Pool) findByContentLocked(content string) *Entry {
	h := xxhash.Sum64String(content)
	for _, e := range p.byHash[h] {
		if e.Content == content {
			return e
		}
	}
	return nil
}

func (p *Pool) allocateLocked(content string) (*Entry, error) {
	addr, err := p.alloc.AllocateString(content)
	if err != nil {
		return nil, err
	}
	e := &Entry{Addr: addr, Content: content}
	h := xxhash.Sum64String(content)
	p.byHash[h] = append(p.byHash[h], e)
	return e, nil
}

// InternRoots implements the relevant half of gc.RootProvider: every
// distinct interned string's address (spec.md §4.11: "interned strings
// are never reclaimed while the pool lives").
func (p *Pool) InternRoots() []kernelapi.VirtAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[kernelapi.VirtAddr]bool, len(p.byHash))
	var out []kernelapi.VirtAddr
	for _, chain := range p.byHash {
		for _, e := range chain {
			if !seen[e.Addr] {
				seen[e.Addr] = true
				out = append(out, e.Addr)
			}
		}
	}
	return out
}
