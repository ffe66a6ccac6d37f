package x64asm

// StdPrologue emits the standard frame shape the JIT always uses (spec.md
// §4.9): push rbp; mov rbp, rsp; sub rsp, frameBytes. frameBytes must already
// be rounded to whatever alignment the target OS's ABI requires.
func (e *Emitter) StdPrologue(frameBytes int32) {
	e.PushR(RBP)
	e.MovRR(RBP, RSP)
	if frameBytes > 0 {
		e.SubRI(RSP, frameBytes)
	}
}

// StdEpilogue emits the mirror-image teardown: add rsp, frameBytes; pop rbp; ret.
func (e *Emitter) StdEpilogue(frameBytes int32) {
	if frameBytes > 0 {
		e.AddRI(RSP, frameBytes)
	}
	e.PopR(RBP)
	e.Ret()
}

// Syscall emits the `syscall` instruction.
func (e *Emitter) Syscall() { e.bytes(0x0F, 0x05) }

// Nop emits a single-byte `nop`.
func (e *Emitter) Nop() { e.byte(0x90) }

// Int3 emits a breakpoint trap, used to pad unreachable code after a
// noreturn call (matches the teacher's and Go's own convention of trapping
// instead of falling through).
func (e *Emitter) Int3() { e.byte(0xCC) }

// Ud2 emits an illegal-instruction trap, used to mark code that must never
// execute (e.g. past a `throw` whose unwind never returns here).
func (e *Emitter) Ud2() { e.bytes(0x0F, 0x0B) }
