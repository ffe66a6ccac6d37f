package corert

import (
	"fmt"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
)

// ErrManagedException wraps a thrown managed object for the Go-side paths
// (allocation failure while constructing a built-in exception, a harness's
// own ResolveAndInvoke) that need to report it through an ordinary error
// return rather than live dispatch.
type ErrManagedException struct {
	MT     *typesystem.MethodTable
	Object uintptr
}

func (e *ErrManagedException) Error() string {
	return fmt.Sprintf("corert: unhandled managed exception of type %s", e.MT.Name)
}

func (rt *Runtime) setCurrentException(addr uintptr) {
	rt.excMu.Lock()
	rt.currentExc = addr
	rt.excMu.Unlock()
}

func (rt *Runtime) currentException() uintptr {
	rt.excMu.Lock()
	defer rt.excMu.Unlock()
	return rt.currentExc
}

// FatalHalt describes an unrecoverable runtime-invariant violation: a
// code-heap allocation failure, a hardware fault inside JIT-compiled code,
// or corrupted registry/unwind-table state. It is never returned as an
// ordinary error — corert always hands it straight to (*klog.Logger).Fatalf,
// which halts the process, rather than threading it through an
// errors.Is-compatible chain a caller could catch and swallow.
type FatalHalt struct {
	Reason  string
	Context kernelapi.ThreadContext
	HasCtx  bool
	Trace   string
}

func (f *FatalHalt) Error() string {
	if f.HasCtx {
		return fmt.Sprintf("%s (rip=%#x rsp=%#x rbp=%#x)\n%s", f.Reason, f.Context.RIP, f.Context.RSP, f.Context.RBP, f.Trace)
	}
	return f.Reason
}

// halt builds a FatalHalt for reason, capturing the calling thread's
// context when the bridge is available, and immediately terminates the
// process through the logger — it never returns.
func (rt *Runtime) halt(reason string) {
	fh := &FatalHalt{Reason: reason}
	if rt.bridge != nil {
		fh.Context = rt.bridge.CaptureContext()
		fh.HasCtx = true
		fh.Trace = rt.stackTrace(kernelapi.VirtAddr(fh.Context.RIP))
	}
	rt.Log.Fatalf("%v", fh)
}

// stackTrace renders the unwind.Table entry containing pc, best-effort: a pc
// outside every entry yields an empty trace rather than faulting the fault
// handler itself. Only that one frame is rendered; callers are not walked.
func (rt *Runtime) stackTrace(pc kernelapi.VirtAddr) string {
	var out string
	for i := 0; i < 64; i++ {
		entry, err := rt.Unwind.Lookup(pc)
		if err != nil {
			break
		}
		out += fmt.Sprintf("  #%d %#x (func %#x-%#x)\n", i, pc, entry.Begin, entry.End)
		break // Tier-0's FatalHalt sites have no caller-chain context to continue from
	}
	return out
}
