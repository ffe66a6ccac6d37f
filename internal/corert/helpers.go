// Object allocation, casting, and exception-raising helpers: the Go-side
// logic backing every jit.Helpers entry (spec.md §4.9's helper-call
// surface), plus the funclet invocation and stack-walk-and-dispatch path a
// Throw/Rethrow ultimately drives.
//
// Grounded on the teacher's own Throw-as-panic convention in
// std/runtime/panic.go generalized here into the managed two-pass dispatch
// ehdispatch already implements, and on CLR-style JIT helper calls more
// broadly: object headers and casts are native leaf calls, while Throw
// itself never returns to its call site — the native thunk backing
// RegisterHelper is expected to `jmp` to the continuation address this
// helper computes rather than returning to it (see the NativeBridge
// doc comment).
package corert

import (
	"fmt"

	"kernrt/internal/ehdispatch"
	"kernrt/internal/jit"
	"kernrt/internal/kernelapi"
	"kernrt/internal/registry"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
)

// wellKnownTypes are the fixed MethodTables for the handful of exception
// types Tier-0 itself throws (array bounds, overflow, divide-by-zero, null
// reference, invalid cast) — none of them need a user assembly loaded,
// since the runtime raises them directly rather than via newobj.
type wellKnownTypes struct {
	indexOutOfRange *typesystem.MethodTable
	overflow        *typesystem.MethodTable
	divideByZero    *typesystem.MethodTable
	nullReference   *typesystem.MethodTable
	invalidCast     *typesystem.MethodTable
	outOfMemory     *typesystem.MethodTable
	invalidProgram  *typesystem.MethodTable
}

func newWellKnownTypes() wellKnownTypes {
	object := &typesystem.MethodTable{Name: "System.Object", BaseSize: 8}
	exc := func(name string) *typesystem.MethodTable {
		return &typesystem.MethodTable{Name: name, BaseSize: 8, Parent: object}
	}
	return wellKnownTypes{
		indexOutOfRange: exc("System.IndexOutOfRangeException"),
		overflow:        exc("System.OverflowException"),
		divideByZero:    exc("System.DivideByZeroException"),
		nullReference:   exc("System.NullReferenceException"),
		invalidCast:     exc("System.InvalidCastException"),
		outOfMemory:     exc("System.OutOfMemoryException"),
		invalidProgram:  exc("System.InvalidProgramException"),
	}
}

// buildHelpers registers every jit.Helpers entry against the bridge and
// returns the resulting struct of native entry points.
func (rt *Runtime) buildHelpers() (jit.Helpers, error) {
	var h jit.Helpers
	var err error
	reg := func(fn func(a, b uintptr) uintptr, dst *kernelapi.VirtAddr) {
		if err != nil {
			return
		}
		*dst, err = rt.bridge.RegisterHelper(fn)
	}

	reg(rt.helperAllocObject, &h.AllocObject)
	reg(rt.helperAllocArray, &h.AllocArray)
	reg(rt.helperBox, &h.Box)
	reg(rt.helperUnbox, &h.Unbox)
	reg(rt.helperCastClass, &h.CastClass)
	reg(rt.helperIsInst, &h.IsInst)
	reg(rt.helperThrow, &h.Throw)
	reg(rt.helperRethrow, &h.Rethrow)
	reg(rt.helperRangeCheckFail, &h.RangeCheckFail)
	reg(rt.helperOverflowFail, &h.OverflowFail)
	reg(rt.helperDivideByZeroFail, &h.DivideByZeroFail)
	reg(rt.helperNullRefFail, &h.NullRefFail)
	reg(rt.helperResolveVirtualEntry, &h.ResolveVirtualEntry)
	if err != nil {
		return jit.Helpers{}, err
	}
	return h, nil
}

// allocObject allocates a zeroed instance of mt on the GC heap, writing its
// 16-byte header and MethodTable pointer. For a value type (a box) the
// MethodTable slot is added to its field-only BaseSize.
func (rt *Runtime) allocObject(mt *typesystem.MethodTable) (kernelapi.VirtAddr, error) {
	total := int(mt.BaseSize) + 8 - int(mt.FieldBaseOffset())
	if total < 8 {
		total = 8
	}
	headerAddr, err := rt.GCHeap.Alloc(typesystem.HeaderSize + total)
	if err != nil {
		return 0, err
	}
	objAddr := uintptr(headerAddr) + typesystem.HeaderSize
	hdr := typesystem.Header{BlockSize: uint32(typesystem.HeaderSize + total)}
	copy(memBytes(uintptr(headerAddr), typesystem.HeaderSize), hdr.Encode()[:])
	writeMemWord(objAddr+typesystem.MTOffset, uintptr(mtAddr(mt)))
	return kernelapi.VirtAddr(objAddr), nil
}

// allocArray allocates an array instance: MethodTable*, length, then
// length*mt.ComponentSize bytes of element storage (ops_array.go's layout).
func (rt *Runtime) allocArray(mt *typesystem.MethodTable, length int) (kernelapi.VirtAddr, error) {
	if length < 0 {
		return 0, rt.newManagedError(rt.wellKnown.indexOutOfRange)
	}
	total := arrayDataOffset + length*int(mt.ComponentSize)
	headerAddr, err := rt.GCHeap.Alloc(typesystem.HeaderSize + total)
	if err != nil {
		return 0, err
	}
	objAddr := uintptr(headerAddr) + typesystem.HeaderSize
	hdr := typesystem.Header{BlockSize: uint32(typesystem.HeaderSize + total)}
	copy(memBytes(uintptr(headerAddr), typesystem.HeaderSize), hdr.Encode()[:])
	writeMemWord(objAddr+typesystem.MTOffset, uintptr(mtAddr(mt)))
	writeMemWord(objAddr+arrayLengthOffset, uintptr(length))
	return kernelapi.VirtAddr(objAddr), nil
}

func (rt *Runtime) helperAllocObject(a, _ uintptr) uintptr {
	mt := mtFromAddr(a)
	addr, err := rt.allocObject(mt)
	if err != nil {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.outOfMemory))
	}
	return uintptr(addr)
}

func (rt *Runtime) helperAllocArray(a, b uintptr) uintptr {
	mt := mtFromAddr(a)
	addr, err := rt.allocArray(mt, int(b))
	if err != nil {
		if _, ok := err.(*ErrManagedException); ok {
			return rt.raiseNow(err)
		}
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.outOfMemory))
	}
	return uintptr(addr)
}

// helperBox copies a value type's in-place bytes (pointed to by rsi) into
// a freshly allocated box.
func (rt *Runtime) helperBox(a, b uintptr) uintptr {
	mt := mtFromAddr(a)
	addr, err := rt.allocObject(mt)
	if err != nil {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.outOfMemory))
	}
	size := int(mt.BaseSize) - int(mt.FieldBaseOffset())
	copy(memBytes(uintptr(addr)+typesystem.BoxedPayloadOffset, size), memBytes(b, size))
	return uintptr(addr)
}

// helperUnbox validates obj's MethodTable matches mt and returns a pointer
// to its inline payload, or raises InvalidCastException.
func (rt *Runtime) helperUnbox(a, b uintptr) uintptr {
	mt := mtFromAddr(a)
	objMT := mtFromAddr(readMemWord(b + typesystem.MTOffset))
	if objMT != mt {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.invalidCast))
	}
	return b + typesystem.BoxedPayloadOffset
}

func (rt *Runtime) helperCastClass(a, b uintptr) uintptr {
	mt := mtFromAddr(a)
	if b == 0 {
		return 0 // a null reference always casts successfully
	}
	objMT := mtFromAddr(readMemWord(b + typesystem.MTOffset))
	if !mt.IsAssignableFrom(objMT) {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.invalidCast))
	}
	return b
}

func (rt *Runtime) helperIsInst(a, b uintptr) uintptr {
	mt := mtFromAddr(a)
	if b == 0 {
		return 0
	}
	objMT := mtFromAddr(readMemWord(b + typesystem.MTOffset))
	if !mt.IsAssignableFrom(objMT) {
		return 0
	}
	return b
}

// helperResolveVirtualEntry performs the vtable lookup a callvirt site
// cannot bake in at compile time: the receiver's concrete MethodTable,
// read straight out of its header, is the only thing that determines
// which override actually runs.
func (rt *Runtime) helperResolveVirtualEntry(a, b uintptr) uintptr {
	if a == 0 {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.nullReference))
	}
	objMT := mtFromAddr(readMemWord(a + typesystem.MTOffset))
	slot, err := objMT.ResolveVtableSlot(int(b), nil)
	if err != nil {
		rt.halt(fmt.Sprintf("corert: %v", err))
	}
	if !slot.Resolved {
		entry, err := rt.resolveVtableSlotEntry(objMT, int(b), slot.Token)
		if err != nil {
			rt.halt(fmt.Sprintf("corert: resolving vtable slot %d on %s: %v", b, objMT.Name, err))
		}
		return uintptr(entry)
	}
	return uintptr(slot.Entry)
}

// resolveVtableSlotEntry compiles (if necessary) and caches the native
// entry for slot on mt's vtable.
func (rt *Runtime) resolveVtableSlotEntry(mt *typesystem.MethodTable, slot int, token uint32) (kernelapi.VirtAddr, error) {
	st, err := rt.stateFor(registry.AssemblyID(mt.AssemblyID))
	if err != nil {
		return 0, err
	}
	info, ok := st.methods[token]
	if !ok {
		return 0, fmt.Errorf("corert: vtable token %#x not found", token)
	}
	key := registry.MethodKey{AssemblyID: st.rec.ID, Token: info.token}
	entry, err := rt.ensureCallable(key)
	if err != nil {
		return 0, err
	}
	mt.Vtable[slot] = typesystem.VtableSlot{Resolved: true, Entry: uintptr(entry), Token: token}
	return entry, nil
}

func (rt *Runtime) helperThrow(a, _ uintptr) uintptr  { return rt.raiseObject(a) }
func (rt *Runtime) helperRethrow(_, _ uintptr) uintptr { return rt.raiseObject(rt.currentException()) }

func (rt *Runtime) helperRangeCheckFail(_, _ uintptr) uintptr {
	return rt.raiseNow(rt.newManagedError(rt.wellKnown.indexOutOfRange))
}
func (rt *Runtime) helperOverflowFail(_, _ uintptr) uintptr {
	return rt.raiseNow(rt.newManagedError(rt.wellKnown.overflow))
}
func (rt *Runtime) helperDivideByZeroFail(_, _ uintptr) uintptr {
	return rt.raiseNow(rt.newManagedError(rt.wellKnown.divideByZero))
}
func (rt *Runtime) helperNullRefFail(_, _ uintptr) uintptr {
	return rt.raiseNow(rt.newManagedError(rt.wellKnown.nullReference))
}

// newManagedError allocates a bare instance of a well-known exception type
// (no constructor call — these are raised directly by the runtime, never
// via newobj) and returns it wrapped as an error so a Go-side caller that
// cannot itself drive dispatch (allocation failure paths) can still
// propagate it; raiseNow then dispatches it as a managed exception.
func (rt *Runtime) newManagedError(mt *typesystem.MethodTable) error {
	addr, err := rt.allocObject(mt)
	if err != nil {
		return err
	}
	return &ErrManagedException{MT: mt, Object: uintptr(addr)}
}

// raiseNow dispatches a *ErrManagedException produced by newManagedError;
// anything else means even the exception object itself could not be
// allocated, which leaves nothing left to recover with.
func (rt *Runtime) raiseNow(err error) uintptr {
	mex, ok := err.(*ErrManagedException)
	if !ok {
		rt.halt(fmt.Sprintf("corert: %v", err))
		return 0 // unreached: halt never returns
	}
	return rt.raiseObject(mex.Object)
}

// raiseObject runs the full two-pass dispatch for the object at addr,
// capturing the throwing thread's own machine context to seed the outward
// frame walk.
func (rt *Runtime) raiseObject(addr uintptr) uintptr {
	if addr == 0 {
		return rt.raiseNow(rt.newManagedError(rt.wellKnown.nullReference))
	}
	mt := mtFromAddr(readMemWord(addr + typesystem.MTOffset))
	rt.setCurrentException(addr)

	tc := rt.bridge.CaptureContext()
	exc := ehdispatch.ManagedException{
		Object:    addr,
		ObjectMT:  mt,
		ThrowSite: kernelapi.VirtAddr(tc.RIP),
	}
	ctx := unwind.Context{RIP: tc.RIP, RSP: tc.RSP, RBP: tc.RBP}
	cont, err := rt.EH.Raise(exc, kernelapi.VirtAddr(tc.RIP), ctx, rt.Unwind, readMemWord)
	if err != nil {
		rt.halt(fmt.Sprintf("corert: %v", err))
	}
	return uintptr(cont)
}

// invokeFunclet backs ehdispatch.FuncletInvoker: it is the seam the
// dispatcher calls through to actually run a catch/filter/finally body,
// delegating to the native bridge since a funclet is JIT-compiled machine
// code with its own frame-pointer/exception-object entry convention.
func (rt *Runtime) invokeFunclet(entry kernelapi.VirtAddr, parentFrame, exceptionObj uintptr) uintptr {
	return rt.bridge.CallFunclet(entry, parentFrame, exceptionObj)
}
