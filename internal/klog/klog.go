// Package klog is the runtime core's debug-serial trace channel. There is no
// structured or leveled logging here on purpose: the kernel has one
// byte-oriented output port (spec.md §6), not a log aggregator, and the
// teacher toolchain itself only ever writes operator diagnostics straight to
// stderr (std/compiler/main.go).
package klog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger writes trace lines to an underlying byte sink. The zero value
// writes to os.Stderr.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
}

// Default is the process-wide logger, pointed at the boot record's debug
// serial port once the kernel hands one over (see kernelapi.DebugChannel).
var Default = &Logger{out: os.Stderr}

// SetOutput redirects where trace lines go; tests point this at a
// bytes.Buffer to assert on emitted diagnostics.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		l.out = os.Stderr
	}
	io.WriteString(l.out, s)
}

// Tracef emits one diagnostic line. Never fails: a logging failure must
// never itself become a reason to halt the runtime.
func (l *Logger) Tracef(format string, args ...any) {
	l.write(fmt.Sprintf(format, args...) + "\n")
}

// Fatalf emits a diagnostic line and halts the process. Used only for the
// unrecoverable halts of spec.md §7 (corrupted runtime invariants), never
// for recoverable managed exceptions.
func (l *Logger) Fatalf(format string, args ...any) {
	l.write("FATAL: " + fmt.Sprintf(format, args...) + "\n")
	os.Exit(2)
}

// Tracef logs to the default logger.
func Tracef(format string, args ...any) { Default.Tracef(format, args...) }

// Fatalf logs to the default logger and halts.
func Fatalf(format string, args ...any) { Default.Fatalf(format, args...) }
