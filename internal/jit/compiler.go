package jit

import (
	"fmt"

	"kernrt/internal/codeheap"
	"kernrt/internal/ehdispatch"
	"kernrt/internal/kernelapi"
	"kernrt/internal/registry"
	"kernrt/internal/stackmap"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
	"kernrt/internal/x64asm"
)

// Local describes one local variable slot's compile-time shape.
type Local struct {
	Tag   typesystem.SlotTag
	Size  int  // byte size; only meaningful when Tag == TagValueType
	IsRef bool // true for managed reference-typed locals (object, string, array, boxed value)
}

// Param describes one incoming argument's compile-time shape, in the
// declared parameter order (the implicit `this` of an instance method, if
// any, is Params[0]).
type Param struct {
	Tag   typesystem.SlotTag
	Size  int
	IsRef bool
}

// ClauseSpec is one EH protected-region entry as the front end hands it to
// the compiler, in IL-offset terms; CompileMethod translates these into
// ehdispatch.Clause entries in native code-offset terms.
type ClauseSpec struct {
	Kind               ehdispatch.ClauseKind
	TryStartIL         int
	TryEndIL           int
	HandlerStartIL     int
	HandlerEndIL       int
	FilterStartIL      int // valid when Kind == ClauseFilter
	CatchType          *typesystem.MethodTable
}

// FieldRef is a resolved field reference: its byte offset from the owning
// object/value's base, its eval-stack tag, and (for statics) its fixed
// storage address.
type FieldRef struct {
	Offset     int32
	Tag        typesystem.SlotTag
	Size       int
	IsRef      bool
	IsStatic   bool
	StaticAddr kernelapi.VirtAddr
}

// MethodSig is a resolved callee's calling shape, enough for the caller to
// lower `call`/`callvirt`/`newobj`.
type MethodSig struct {
	Params []Param
	Ret    Param
	HasRet bool
}

// Resolver is the seam from the JIT to the rest of the runtime: metadata
// lookups the JIT itself never parses, and obtaining a stable call target
// for a callee (spec.md §4.10: "a call... whose target is unresolved
// invokes the compiler via the registry... the emitter always has a stable
// call target to emit"). corert implements this against MetadataView,
// AssemblyRegistry, and CompiledMethodRegistry; tests supply a fake.
type Resolver interface {
	ResolveMethodRef(token uint32) (registry.MethodKey, MethodSig, error)
	ResolveVirtualSlot(token uint32) (slot int, sig MethodSig, err error)
	EnsureCallable(key registry.MethodKey) (kernelapi.VirtAddr, error)
	ResolveTypeRef(token uint32) (*typesystem.MethodTable, error)
	ResolveFieldRef(token uint32) (FieldRef, error)
	ResolveStringRef(token uint32) (kernelapi.VirtAddr, error)

	// ResolveConstructor resolves a newobj token to both the constructor's
	// callable identity/signature and the MethodTable of the type it
	// constructs — a method token alone does not carry its declaring
	// type's allocation shape, which AllocObject needs.
	ResolveConstructor(token uint32) (key registry.MethodKey, mt *typesystem.MethodTable, sig MethodSig, err error)
}

// MethodInput is everything CompileMethod needs to lower one method.
type MethodInput struct {
	AssemblyID registry.AssemblyID
	Token      uint32
	Body       []byte
	Locals     []Local
	Params     []Param
	HasRet     bool
	RetTag     typesystem.SlotTag
	Clauses    []ClauseSpec
	IsInstance bool
}

// Result is everything CompileMethod produces for the registry and
// unwinder/dispatcher to consume.
type Result struct {
	Entry          kernelapi.VirtAddr
	CodeLength     int
	PrologueLength int
	StackMap       *stackmap.Table
	Clauses        *ehdispatch.MethodClauses
	UnwindEntry    unwind.Entry
}

// Compiler lowers one method at a time. It is stateless across calls
// (Tier-0 never allocates registers or caches anything between methods, so
// one Compiler instance is safely shared by every compiling thread).
type Compiler struct {
	heap     *codeheap.Heap
	resolver Resolver
	helpers  Helpers
}

// New returns a Compiler that publishes into heap, resolves cross-method
// references through resolver, and emits calls to helpers for operations
// it does not inline.
func New(heap *codeheap.Heap, resolver Resolver, helpers Helpers) *Compiler {
	return &Compiler{heap: heap, resolver: resolver, helpers: helpers}
}

// methodCompiler holds the mutable state of lowering a single method.
type methodCompiler struct {
	c   *Compiler
	in  MethodInput
	e   *x64asm.Emitter
	res Resolver

	instrs   []Instruction
	ilIndex  map[int]int // IL offset -> index into instrs
	ilToCode map[int]int // IL offset -> emitted code offset (filled as we go)

	stack []evalEntry

	localOff []int32 // rbp-relative offset of each local, by index
	argOff   []int32 // rbp-relative offset of each arg, by index
	frameBytes int32

	branchFixups []branchFixup
	safepoints   *stackmap.Builder
	refSlotMask  []uint64 // static ref-liveness mask over params+locals
}

type evalEntry struct {
	Tag   typesystem.SlotTag
	IsRef bool
	// Size is the full byte size of the value this slot belongs to; only
	// meaningful when Tag == TagValueType. Every slot of a multi-slot value
	// carries the same Size, so pop/dup can recover the whole span's slot
	// count from the top slot alone (mirrors typesystem.Slot.ValueTypeSize).
	Size int
}

type branchFixup struct {
	codeOffset int // offset of the rel32/rel8 field
	targetIL   int
	short      bool
}

// CompileMethod lowers in into native code, publishes it into the code
// heap, and returns its entry point plus the metadata the registry, GC, and
// exception dispatcher need.
func (c *Compiler) CompileMethod(in MethodInput) (Result, error) {
	instrs, err := decodeMethodBody(in.Body)
	if err != nil {
		return Result{}, fmt.Errorf("jit: decode method body: %w", err)
	}

	mc := &methodCompiler{
		c:        c,
		in:       in,
		e:        x64asm.NewEmitter(estimateCodeSize(in, instrs)),
		res:      c.resolver,
		instrs:   instrs,
		ilIndex:  make(map[int]int, len(instrs)),
		ilToCode: make(map[int]int, len(instrs)),
	}
	for i, ins := range instrs {
		mc.ilIndex[ins.Offset] = i
	}
	mc.layoutFrame()
	mc.safepoints = stackmap.NewBuilder(len(mc.argOff) + len(mc.localOff))
	mc.buildRefSlotMask()

	mc.emitPrologue()
	for _, ins := range mc.instrs {
		mc.ilToCode[ins.Offset] = mc.e.Len()
		if err := mc.compileOne(ins); err != nil {
			return Result{}, fmt.Errorf("jit: method %#x: %w", in.Token, err)
		}
	}
	mc.ilToCode[len(in.Body)] = mc.e.Len() // one-past-end, for leave/branch targets at method end

	if err := mc.resolveBranches(); err != nil {
		return Result{}, err
	}

	reservation, err := c.heap.Reserve(mc.e.Len(), int64(in.AssemblyID))
	if err != nil {
		return Result{}, fmt.Errorf("jit: reserve code heap: %w", err)
	}
	copy(reservation.Bytes, mc.e.Bytes())
	entry, err := reservation.Publish()
	if err != nil {
		return Result{}, fmt.Errorf("jit: publish: %w", err)
	}

	unwindEntry := mc.buildUnwindEntry(entry)
	clauseTable := mc.buildClauseTable(entry)

	return Result{
		Entry:          entry,
		CodeLength:     mc.e.Len(),
		PrologueLength: prologueLength,
		StackMap:       mc.safepoints.Build(),
		Clauses:        clauseTable,
		UnwindEntry:    unwindEntry,
	}, nil
}

func estimateCodeSize(in MethodInput, instrs []Instruction) int {
	// A generous worst-case bound (spec.md §4.1: "the caller must
	// pre-reserve enough headroom"); Tier-0's one-pass lowering never emits
	// more than ~32 bytes per CIL instruction even in the heaviest cases
	// (overflow-checked conversions, array stores with bounds checks).
	return 64 + 32*len(instrs)
}

func slotsFor(tag typesystem.SlotTag, size int) int {
	if tag == typesystem.TagValueType {
		return typesystem.SlotsForValueType(size)
	}
	return 1
}

// layoutFrame assigns every arg and local a fixed rbp-relative offset.
//
// Calls never reorder the CIL evaluation stack before a call/newobj site:
// whatever order the args were pushed in (always ascending declaration
// order — arg0 first, the CIL stack discipline the front end already
// follows) is the order they land in memory, so the last-pushed (highest
// declared index) argument ends up closest to the return address. argOff
// is therefore built back-to-front so argOff[i] matches that physical
// layout without compileCall ever having to shuffle pushed values.
func (mc *methodCompiler) layoutFrame() {
	cur := int32(16)
	mc.argOff = make([]int32, len(mc.in.Params))
	for i := len(mc.in.Params) - 1; i >= 0; i-- {
		p := mc.in.Params[i]
		mc.argOff[i] = cur
		cur += int32(slotsFor(p.Tag, p.Size) * 8)
	}

	curL := int32(0)
	mc.localOff = make([]int32, len(mc.in.Locals))
	for i, l := range mc.in.Locals {
		curL += int32(slotsFor(l.Tag, l.Size) * 8)
		mc.localOff[i] = -curL
	}
	mc.frameBytes = alignUp32(curL, 16)
}

func alignUp32(n, align int32) int32 { return (n + align - 1) &^ (align - 1) }

// buildRefSlotMask computes the static, whole-method liveness mask over
// params then locals (spec.md §4.6's root set restricted, for Tier-0, to
// named slots rather than transient eval-stack temporaries — see
// DESIGN.md for why this is sound given prologue zero-initialization of
// locals).
func (mc *methodCompiler) buildRefSlotMask() {
	total := len(mc.argOff) + len(mc.localOff)
	words := (total + 63) / 64
	mask := make([]uint64, words)
	setBit := func(i int) { mask[i/64] |= 1 << uint(i%64) }
	for i, p := range mc.in.Params {
		if p.IsRef {
			setBit(i)
		}
	}
	for i, l := range mc.in.Locals {
		if l.IsRef {
			setBit(len(mc.argOff) + i)
		}
	}
	mc.refSlotMask = mask
}

const prologueLength = 4 // push rbp(1) + mov rbp,rsp(3)

// emitPrologue emits the standard frame (spec.md §4.9) plus zero-
// initialization of the locals region so every ref-typed local starts out
// null rather than holding a stale stack value a conservative stack map
// would otherwise wrongly trace.
func (mc *methodCompiler) emitPrologue() {
	mc.e.StdPrologue(mc.frameBytes)
	if mc.frameBytes > 0 {
		mc.e.XorRR(x64asm.RAX, x64asm.RAX)
		mc.e.MovRR(x64asm.RDI, x64asm.RSP)
		mc.e.MovRImm32(x64asm.RCX, uint32(mc.frameBytes))
		mc.e.RepStosb()
	}
}

// emitEpilogue pops the return value (if any) into RAX/left on the
// (now-empty) stack-machine stack, tears down the frame, and returns.
func (mc *methodCompiler) emitEpilogue() error {
	if mc.in.HasRet {
		if err := mc.popInto(x64asm.RAX); err != nil {
			return err
		}
	}
	mc.e.StdEpilogue(mc.frameBytes)
	return nil
}

func (mc *methodCompiler) push(tag typesystem.SlotTag, isRef bool) {
	mc.stack = append(mc.stack, evalEntry{Tag: tag, IsRef: isRef})
}

func (mc *methodCompiler) pop() (evalEntry, error) {
	if len(mc.stack) == 0 {
		return evalEntry{}, fmt.Errorf("jit: eval stack underflow")
	}
	e := mc.stack[len(mc.stack)-1]
	mc.stack = mc.stack[:len(mc.stack)-1]
	return e, nil
}

// pushFromReg pushes the 64-bit value currently in reg as one eval-stack
// slot of the given tag.
func (mc *methodCompiler) pushFromReg(reg x64asm.Reg, tag typesystem.SlotTag, isRef bool) {
	mc.e.PushR(reg)
	mc.push(tag, isRef)
}

// pushFromRegSized is pushFromReg for one word of a multi-slot value-type
// span; size is the value's full byte size, the same for every slot in the
// span, so a later pop/dup can recover the whole span from the top slot
// alone (spec.md §4.9's value-type matrix).
func (mc *methodCompiler) pushFromRegSized(reg x64asm.Reg, isRef bool, size int) {
	mc.e.PushR(reg)
	mc.stack = append(mc.stack, evalEntry{Tag: typesystem.TagValueType, IsRef: isRef, Size: size})
}

// pushValueTypeEntry records one word of a multi-slot value-type span in the
// compile-time eval-stack mirror without emitting any code — used where the
// bytes were already placed on the native stack by an in-place slot
// compaction (e.g. ldfld on a by-value struct receiver).
func (mc *methodCompiler) pushValueTypeEntry(size int) {
	mc.stack = append(mc.stack, evalEntry{Tag: typesystem.TagValueType, Size: size})
}

// popInto pops the top eval-stack slot into reg.
func (mc *methodCompiler) popInto(reg x64asm.Reg) error {
	if _, err := mc.pop(); err != nil {
		return err
	}
	mc.e.PopR(reg)
	return nil
}

// valueTypeSpan reports how many eval-stack slots the value type at the top
// of the (unmodified) stack occupies, per spec.md §4.9: "discard/duplicate
// all slots of the top value", not just the one evalEntry pushed per word.
func (mc *methodCompiler) valueTypeSpan() (int, error) {
	if len(mc.stack) == 0 {
		return 0, fmt.Errorf("jit: eval stack underflow")
	}
	top := mc.stack[len(mc.stack)-1]
	if top.Tag != typesystem.TagValueType {
		return 1, nil
	}
	n := typesystem.SlotsForValueType(top.Size)
	if n > len(mc.stack) {
		return 0, fmt.Errorf("jit: eval stack underflow: value type spans %d slots, only %d present", n, len(mc.stack))
	}
	return n, nil
}

// compilePop implements CIL `pop`: spec.md §4.9's value-type matrix requires
// discarding every slot belonging to the top value, not just the one 8-byte
// word a single evalEntry represents.
func (mc *methodCompiler) compilePop() error {
	n, err := mc.valueTypeSpan()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := mc.pop(); err != nil {
			return err
		}
	}
	mc.e.AddRI(x64asm.RSP, int32(n*8))
	return nil
}

// recordSafepoint marks the current code offset as a GC-visible safepoint
// (spec.md §5: "immediately after a call instruction... at loop
// back-edges"), using the method's static ref-slot mask.
func (mc *methodCompiler) recordSafepoint() {
	live := make([]int, 0, len(mc.refSlotMask)*64)
	for i := 0; i < len(mc.argOff)+len(mc.localOff); i++ {
		if mc.refSlotMask[i/64]&(1<<uint(i%64)) != 0 {
			live = append(live, i)
		}
	}
	mc.safepoints.Mark(uint32(mc.e.Len()), live)
}

// emitHelperCall bakes addr as an absolute immediate and calls through it.
// Callers load any RDI/RSI arguments beforehand; R11 is used as the scratch
// register carrying the target since it is never an argument register in
// either this runtime's managed or helper calling convention.
func (mc *methodCompiler) emitHelperCall(addr kernelapi.VirtAddr) {
	mc.e.MovRImm64(x64asm.R11, uint64(addr))
	mc.e.CallIndirect(x64asm.R11)
}

func (mc *methodCompiler) resolveBranches() error {
	for _, f := range mc.branchFixups {
		codeTarget, ok := mc.ilToCode[f.targetIL]
		if !ok {
			return fmt.Errorf("jit: branch target IL offset %d has no instruction", f.targetIL)
		}
		if f.short {
			mc.e.PatchRel8At(f.codeOffset, codeTarget)
		} else {
			mc.e.PatchRel32At(f.codeOffset, codeTarget)
		}
	}
	return nil
}

func (mc *methodCompiler) buildUnwindEntry(entry kernelapi.VirtAddr) unwind.Entry {
	return unwind.Entry{
		Begin: entry,
		End:   kernelapi.VirtAddr(uintptr(entry) + uintptr(mc.e.Len())),
		Info: unwind.Info{
			FrameRegisterUsed: true,
			Codes: []unwind.UnwindCode{
				// Forward prologue-execution order; VirtualUnwind walks this
				// in reverse, so alloc undoes first, then the frame-pointer
				// set, then the saved-rbp push.
				{CodeOffset: 1, Op: unwind.OpPushNonvol, Info: uint32(x64asm.RBP)},
				{CodeOffset: 4, Op: unwind.OpSetFPReg},
				{CodeOffset: uint8(prologueLength), Op: unwind.OpAllocSmall, Info: uint32(mc.frameBytes)},
			},
			FrameSize: uint32(mc.frameBytes) + 16,
		},
	}
}

// buildClauseTable translates in.Clauses from IL-offset terms into
// ehdispatch.Clause's native code-offset terms via ilToCode, the same map
// resolveBranches already relies on.
//
// A try/handler/filter region is not a separately compiled funclet running
// in its own frame: it is ordinary CIL, emitted inline by the very same
// compileOne loop that lowers the rest of the method, addressing locals
// and args through the identical rbp-relative offsets the whole method
// uses. So a FuncletEntry here is just the code offset the handler's
// first instruction landed at; ExceptionDispatch's FuncletInvoker is
// expected to hand the parent frame's own rbp to the funclet call rather
// than let it establish a fresh frame, which is exactly why endfinally/
// endfilter's plain `ret` (ops_misc.go) is enough to return control to
// the invoker — it is mechanically an ordinary call/ret pair, not a
// managed unwind.
func (mc *methodCompiler) buildClauseTable(entry kernelapi.VirtAddr) *ehdispatch.MethodClauses {
	if len(mc.in.Clauses) == 0 {
		return &ehdispatch.MethodClauses{Entry: mc.buildUnwindEntry(entry)}
	}
	addr := func(ilOff int) kernelapi.VirtAddr {
		return kernelapi.VirtAddr(uintptr(entry) + uintptr(mc.ilToCode[ilOff]))
	}
	clauses := make([]ehdispatch.Clause, 0, len(mc.in.Clauses))
	for _, cs := range mc.in.Clauses {
		c := ehdispatch.Clause{
			Kind:         cs.Kind,
			TryStart:     addr(cs.TryStartIL),
			TryEnd:       addr(cs.TryEndIL),
			CatchType:    cs.CatchType,
			FuncletEntry: addr(cs.HandlerStartIL),
		}
		if cs.Kind == ehdispatch.ClauseFilter {
			c.FilterEntry = addr(cs.FilterStartIL)
		}
		clauses = append(clauses, c)
	}
	return &ehdispatch.MethodClauses{Entry: mc.buildUnwindEntry(entry), Clauses: clauses}
}

// compileOne dispatches one decoded instruction to its lowering function.
func (mc *methodCompiler) compileOne(in Instruction) error {
	switch in.Op {
	case OpNop:
		mc.e.Nop()
		return nil
	case OpDup:
		return mc.compileDup()
	case OpPop:
		return mc.compilePop()

	case OpLdarg0, OpLdarg1, OpLdarg2, OpLdarg3, OpLdargS, OpLdarg,
		OpLdloc0, OpLdloc1, OpLdloc2, OpLdloc3, OpLdlocS, OpLdloc,
		OpStloc0, OpStloc1, OpStloc2, OpStloc3, OpStlocS, OpStloc,
		OpStargS, OpStarg,
		OpLdargaS, OpLdarga, OpLdlocaS, OpLdloca,
		OpLdnull, OpLdcI4M1, OpLdcI40, OpLdcI41, OpLdcI42, OpLdcI43, OpLdcI44,
		OpLdcI45, OpLdcI46, OpLdcI47, OpLdcI48, OpLdcI4S, OpLdcI4, OpLdcI8,
		OpLdcR4, OpLdcR8:
		return mc.compileLocalsAndConsts(in)

	case OpAdd, OpSub, OpMul, OpDiv, OpDivUn, OpRem, OpRemUn,
		OpAnd, OpOr, OpXor, OpShl, OpShr, OpShrUn, OpNeg, OpNot,
		OpAddOvf, OpAddOvfUn, OpSubOvf, OpSubOvfUn, OpMulOvf, OpMulOvfUn,
		OpCeq, OpCgt, OpCgtUn, OpClt, OpCltUn:
		return mc.compileArith(in)

	case OpConvI1, OpConvI2, OpConvI4, OpConvI8, OpConvU1, OpConvU2, OpConvU4, OpConvU8,
		OpConvI, OpConvU, OpConvR4, OpConvR8, OpConvRUn,
		OpConvOvfI1, OpConvOvfU1, OpConvOvfI2, OpConvOvfU2, OpConvOvfI4, OpConvOvfU4,
		OpConvOvfI8, OpConvOvfU8, OpConvOvfI, OpConvOvfU, OpCkfinite:
		return mc.compileConvert(in)

	case OpBrS, OpBrfalseS, OpBrtrueS, OpBeqS, OpBgeS, OpBgtS, OpBleS, OpBltS,
		OpBneUnS, OpBgeUnS, OpBgtUnS, OpBleUnS, OpBltUnS,
		OpBr, OpBrfalse, OpBrtrue, OpBeq, OpBge, OpBgt, OpBle, OpBlt,
		OpBneUn, OpBgeUn, OpBgtUn, OpBleUn, OpBltUn, OpSwitch:
		return mc.compileBranch(in)

	case OpLdindI1, OpLdindU1, OpLdindI2, OpLdindU2, OpLdindI4, OpLdindU4,
		OpLdindI8, OpLdindI, OpLdindR4, OpLdindR8, OpLdindRef,
		OpStindRef, OpStindI1, OpStindI2, OpStindI4, OpStindI8, OpStindI,
		OpStindR4, OpStindR8, OpCpblk, OpInitblk, OpLdobj, OpStobj, OpInitobj, OpCpobj:
		return mc.compileMemory(in)

	case OpLdfld, OpLdflda, OpStfld, OpLdsfld, OpLdsflda, OpStsfld:
		return mc.compileField(in)

	case OpNewarr, OpLdlen, OpLdelema, OpLdelem, OpStelem,
		OpLdelemI1, OpLdelemU1, OpLdelemI2, OpLdelemU2, OpLdelemI4, OpLdelemU4,
		OpLdelemI8, OpLdelemI, OpLdelemR4, OpLdelemR8, OpLdelemRf,
		OpStelemI, OpStelemI1, OpStelemI2, OpStelemI4, OpStelemI8,
		OpStelemR4, OpStelemR8, OpStelemRf:
		return mc.compileArray(in)

	case OpNewobj, OpBox, OpUnbox, OpUnboxAny, OpCastcls, OpIsinst, OpLdstr:
		return mc.compileObject(in)

	case OpCall, OpCallvirt, OpCalli, OpRet, OpJmp:
		return mc.compileCall(in)

	case OpThrow, OpRethrow, OpLeave, OpLeaveS, OpEndfinally, OpEndfilter,
		OpSizeof, OpLdtoken, OpMkrefany, OpRefanyval, OpRefanytype, OpLocalloc:
		return mc.compileMisc(in)

	default:
		return fmt.Errorf("jit: unsupported opcode %#x at IL offset %d", in.Op, in.Offset)
	}
}
