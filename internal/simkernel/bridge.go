package simkernel

import (
	"sync"

	"kernrt/internal/kernelapi"
)

// Bridge is an in-process NativeBridge: RegisterHelper stores the Go
// closure directly and hands back a synthetic VirtAddr (a table index, not
// a real machine address), and CallFunclet/InvokeMethod dispatch back into
// that table. This is the same shape kernelapi's own doc comment describes
// for tests ("an in-process table that invokes the closure directly, with
// no real machine code involved") — a real kernel's bridge instead hands
// back the address of a small assembly thunk a JIT-emitted `call`
// instruction can actually jump to, which this package cannot synthesize
// without cgo or hand-written assembly. Helper calls issued by Go-side code
// (corert's own helperAllocObject and friends, invoked by the compiler's
// tests) work exactly as a real bridge's would; cmd/coreharness therefore
// only drives resolution and the GC paths. No method is JIT-compiled
// through it, since compilation starts only when a trampoline's native
// code runs.
type Bridge struct {
	mu      sync.Mutex
	helpers []func(a, b uintptr) uintptr
}

// NewBridge returns an empty Bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) RegisterHelper(fn func(a, b uintptr) uintptr) (kernelapi.VirtAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.helpers)
	b.helpers = append(b.helpers, fn)
	return kernelapi.VirtAddr(idx + 1), nil // +1 so 0 stays a recognizable null entry
}

// Call invokes a previously registered helper by the VirtAddr RegisterHelper
// returned, exposed so tests and cmd/coreharness can drive a helper call
// the way JIT-compiled code would via `call`.
func (b *Bridge) Call(addr kernelapi.VirtAddr, a, bArg uintptr) uintptr {
	b.mu.Lock()
	fn := b.helpers[int(addr)-1]
	b.mu.Unlock()
	return fn(a, bArg)
}

// CallFunclet has no real funclet to invoke without a compiled method
// actually running; it exists only to satisfy NativeBridge for components
// that construct a Runtime without exercising exception dispatch.
func (b *Bridge) CallFunclet(entry kernelapi.VirtAddr, parentFrame, exceptionObj uintptr) uintptr {
	return 0
}

// CaptureContext has no real thread to snapshot in a single-goroutine host
// harness; it returns the zero ThreadContext, which is sufficient for the
// paths cmd/coreharness exercises (none of which throw through a live call
// stack).
func (b *Bridge) CaptureContext() kernelapi.ThreadContext {
	return kernelapi.ThreadContext{}
}

// InvokeMethod cannot jump into JIT-compiled native code from pure Go
// without a real kernel's calling-convention thunk (see the package doc);
// it returns 0 rather than silently fabricating a result.
func (b *Bridge) InvokeMethod(entry kernelapi.VirtAddr, args []uintptr) uintptr {
	return 0
}
