package simkernel

import "kernrt/internal/kernelapi"

// Threads is a ThreadControl for a single-goroutine host harness: there are
// no other mutator threads to freeze, so FreezeAllExcept always reports an
// empty set and ThawAll is a no-op. A real kernel's ThreadControl actually
// parks every other CPU at a safepoint; cmd/coreharness never runs
// concurrent managed code, so this degenerate case is correct for it.
type Threads struct{}

func (Threads) FreezeAllExcept(self kernelapi.ThreadID) ([]kernelapi.ThreadContext, error) {
	return nil, nil
}

func (Threads) ThawAll() error { return nil }
