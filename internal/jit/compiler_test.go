package jit

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernrt/internal/codeheap"
	"kernrt/internal/ehdispatch"
	"kernrt/internal/kernelapi"
	"kernrt/internal/registry"
	"kernrt/internal/typesystem"
)

// fakePages is an in-process PageAllocator/VirtualMemory pair, the same
// shape codeheap's own tests use, so CompileMethod has somewhere real to
// publish into without a kernel underneath it.
type fakePages struct {
	next kernelapi.PhysAddr
}

func newFakePages() *fakePages { return &fakePages{next: codeheap.PageSize} }

func (f *fakePages) AllocPages(count int, kind kernelapi.PageKind) (kernelapi.PhysAddr, error) {
	addr := f.next
	f.next += kernelapi.PhysAddr(count * codeheap.PageSize)
	return addr, nil
}
func (f *fakePages) FreePages(addr kernelapi.PhysAddr, count int) error { return nil }
func (f *fakePages) MapPages(phys kernelapi.PhysAddr, virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	return nil
}
func (f *fakePages) Protect(virt kernelapi.VirtAddr, count int, prot kernelapi.Protection) error {
	return nil
}
func (f *fakePages) IcacheFlush(r kernelapi.AddrRange) {}

func newTestHeap() *codeheap.Heap {
	fp := newFakePages()
	return codeheap.New(fp, fp, 0)
}

// fakeResolver is a minimal stand-in for corert's real Resolver: every
// lookup a test needs is preloaded by field, everything else errors so an
// unexpected resolution shows up immediately instead of silently
// succeeding with a zero value.
type fakeResolver struct {
	methods      map[uint32]resolvedMethod
	virtualSlots map[uint32]resolvedVirtual
	types        map[uint32]*typesystem.MethodTable
	fields       map[uint32]FieldRef
	strings      map[uint32]kernelapi.VirtAddr
	ctors        map[uint32]resolvedCtor
	entries      map[registry.MethodKey]kernelapi.VirtAddr
}

type resolvedMethod struct {
	key registry.MethodKey
	sig MethodSig
}

type resolvedVirtual struct {
	slot int
	sig  MethodSig
}

type resolvedCtor struct {
	key registry.MethodKey
	mt  *typesystem.MethodTable
	sig MethodSig
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		methods:      map[uint32]resolvedMethod{},
		virtualSlots: map[uint32]resolvedVirtual{},
		types:        map[uint32]*typesystem.MethodTable{},
		fields:       map[uint32]FieldRef{},
		strings:      map[uint32]kernelapi.VirtAddr{},
		ctors:        map[uint32]resolvedCtor{},
		entries:      map[registry.MethodKey]kernelapi.VirtAddr{},
	}
}

func (r *fakeResolver) ResolveMethodRef(token uint32) (registry.MethodKey, MethodSig, error) {
	m, ok := r.methods[token]
	if !ok {
		return registry.MethodKey{}, MethodSig{}, fmt.Errorf("fakeResolver: no method for token %#x", token)
	}
	return m.key, m.sig, nil
}

func (r *fakeResolver) ResolveVirtualSlot(token uint32) (int, MethodSig, error) {
	v, ok := r.virtualSlots[token]
	if !ok {
		return 0, MethodSig{}, fmt.Errorf("fakeResolver: no virtual slot for token %#x", token)
	}
	return v.slot, v.sig, nil
}

func (r *fakeResolver) EnsureCallable(key registry.MethodKey) (kernelapi.VirtAddr, error) {
	if addr, ok := r.entries[key]; ok {
		return addr, nil
	}
	// Stands in for the real lazy-compile-stub trampoline (spec.md
	// §4.10): a self-recursive or forward call always resolves to some
	// stable address even before the callee itself finishes compiling.
	return kernelapi.VirtAddr(0xDEAD0000), nil
}

func (r *fakeResolver) ResolveTypeRef(token uint32) (*typesystem.MethodTable, error) {
	mt, ok := r.types[token]
	if !ok {
		return nil, fmt.Errorf("fakeResolver: no type for token %#x", token)
	}
	return mt, nil
}

func (r *fakeResolver) ResolveFieldRef(token uint32) (FieldRef, error) {
	f, ok := r.fields[token]
	if !ok {
		return FieldRef{}, fmt.Errorf("fakeResolver: no field for token %#x", token)
	}
	return f, nil
}

func (r *fakeResolver) ResolveStringRef(token uint32) (kernelapi.VirtAddr, error) {
	addr, ok := r.strings[token]
	if !ok {
		return 0, fmt.Errorf("fakeResolver: no string for token %#x", token)
	}
	return addr, nil
}

func (r *fakeResolver) ResolveConstructor(token uint32) (registry.MethodKey, *typesystem.MethodTable, MethodSig, error) {
	c, ok := r.ctors[token]
	if !ok {
		return registry.MethodKey{}, nil, MethodSig{}, fmt.Errorf("fakeResolver: no constructor for token %#x", token)
	}
	return c.key, c.mt, c.sig, nil
}

// fakeHelpers returns non-zero placeholder addresses for every helper: the
// emitted calls are never executed by these tests, only checked for shape,
// so any distinguishable constants do.
func fakeHelpers() Helpers {
	return Helpers{
		AllocObject:         0x1000,
		AllocArray:          0x1010,
		Box:                 0x1020,
		Unbox:               0x1030,
		CastClass:           0x1040,
		IsInst:              0x1050,
		Throw:               0x1060,
		Rethrow:             0x1070,
		RangeCheckFail:      0x1080,
		OverflowFail:        0x1090,
		DivideByZeroFail:    0x10A0,
		NullRefFail:         0x10B0,
		ResolveVirtualEntry: 0x10C0,
	}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func compileForTest(t *testing.T, in MethodInput, res Resolver) Result {
	t.Helper()
	c := New(newTestHeap(), res, fakeHelpers())
	result, err := c.CompileMethod(in)
	require.NoError(t, err)
	return result
}

// TestCompileAdd covers the bread-and-butter case: two int args, one add,
// one ret — no calls, no branches, no helpers.
func TestCompileAdd(t *testing.T) {
	body := []byte{byte(OpLdarg0), byte(OpLdarg1), byte(OpAdd), byte(OpRet)}
	in := MethodInput{
		Token:  0x06000001,
		Body:   body,
		Params: []Param{{Tag: typesystem.TagInt}, {Tag: typesystem.TagInt}},
		HasRet: true,
		RetTag: typesystem.TagInt,
	}
	result := compileForTest(t, in, newFakeResolver())

	assert.NotZero(t, result.Entry)
	assert.Greater(t, result.CodeLength, 0)
	assert.Equal(t, prologueLength, result.PrologueLength)
	require.NotNil(t, result.StackMap)
	require.NotNil(t, result.Clauses)
	assert.Empty(t, result.Clauses.Clauses)
}

// TestCompileRecursiveFactorial exercises a self-recursive call alongside a
// conditional branch: the classic case layoutFrame's back-to-front argOff
// construction exists for, since the single int argument must still land
// at the same physical offset both at entry and at the call site.
func TestCompileRecursiveFactorial(t *testing.T) {
	const callToken = 0x06000099

	// 0: ldarg.0
	// 1: ldc.i4.1
	// 2: ble.s L (rel -> offset 15)
	// 4: ldarg.0
	// 5: ldarg.0
	// 6: ldc.i4.1
	// 7: sub
	// 8: call callToken
	// 13: mul
	// 14: ret
	// 15: L: ldc.i4.1
	// 16: ret
	body := []byte{
		byte(OpLdarg0),
		byte(OpLdcI41),
		byte(OpBleS), 0x0B, // rel = 11: operand read ends at offset 4, target 15
		byte(OpLdarg0),
		byte(OpLdarg0),
		byte(OpLdcI41),
		byte(OpSub),
		byte(OpCall),
	}
	body = append(body, le32(callToken)...)
	body = append(body,
		byte(OpMul),
		byte(OpRet),
		byte(OpLdcI41),
		byte(OpRet),
	)

	res := newFakeResolver()
	selfKey := registry.MethodKey{AssemblyID: 1, Token: 0x06000042}
	res.methods[callToken] = resolvedMethod{
		key: selfKey,
		sig: MethodSig{Params: []Param{{Tag: typesystem.TagInt}}, Ret: Param{Tag: typesystem.TagInt}, HasRet: true},
	}

	in := MethodInput{
		AssemblyID: 1,
		Token:      selfKey.Token,
		Body:       body,
		Params:     []Param{{Tag: typesystem.TagInt}},
		HasRet:     true,
		RetTag:     typesystem.TagInt,
	}
	result := compileForTest(t, in, res)

	assert.NotZero(t, result.Entry)
	assert.Greater(t, result.CodeLength, len(body))
}

// TestCompileArrayRoundTrip covers newarr (needs ResolveTypeRef) followed by
// a typed stelem/ldelem pair, which do not consult the resolver at all.
func TestCompileArrayRoundTrip(t *testing.T) {
	const arrTypeToken = 0x02000010

	// 0: ldc.i4.4        (length)
	// 1: newarr arrTypeToken
	// 6: dup
	// 7: ldc.i4.0        (index)
	// 8: ldc.i4.s 7      (value)
	// ...
	body := []byte{byte(OpLdcI44), byte(OpNewarr)}
	body = append(body, le32(arrTypeToken)...)
	body = append(body,
		byte(OpDup),
		byte(OpLdcI40),
		byte(OpLdcI4S), 7,
		byte(OpStelemI4),
		byte(OpLdcI40),
		byte(OpLdelemI4),
		byte(OpRet),
	)

	res := newFakeResolver()
	res.types[arrTypeToken] = &typesystem.MethodTable{
		Name:          "System.Int32[]",
		Flags:         typesystem.IsArray,
		ComponentSize: 4,
	}

	in := MethodInput{
		Body:   body,
		HasRet: true,
		RetTag: typesystem.TagInt,
	}
	result := compileForTest(t, in, res)
	assert.NotZero(t, result.Entry)
}

// TestCompileValueTypeLocal exercises the multi-slot loadSlot/storeSlot path
// a plain scalar local never touches.
func TestCompileValueTypeLocal(t *testing.T) {
	body := []byte{
		byte(OpLdcI41),
		byte(OpLdcI42),
		byte(OpStloc0),
		byte(OpLdloc0),
		byte(OpPop), // discards the local's whole 2-slot span
		byte(OpRet),
	}
	in := MethodInput{
		Body:   body,
		Locals: []Local{{Tag: typesystem.TagValueType, Size: 16}},
		HasRet: false,
	}
	result := compileForTest(t, in, newFakeResolver())
	assert.NotZero(t, result.Entry)
}

// TestCompileValueTypeDupPopSpan is spec.md §4.9's S6: a method with a
// 24-byte value-type local V. It stores three int64 fields through V's
// address (the ordinary ldloca+stfld path), then loads V itself onto the
// eval stack and dups it — ldfld immediately consumes the top copy via the
// on-stack-receiver path (compileLdfldOnStackValue), and a single pop then
// discards the remaining copy's three slots in one shot. The method still
// returns V.f1+f2+f3 via the ordinary pointer path.
func TestCompileValueTypeDupPopSpan(t *testing.T) {
	const f1Token, f2Token, f3Token = 0x04000001, 0x04000002, 0x04000003

	body := []byte{byte(OpLdlocaS), 0}
	body = append(body, byte(OpLdcI4S), 10)
	body = append(body, byte(OpStfld))
	body = append(body, le32(f1Token)...)

	body = append(body, byte(OpLdlocaS), 0)
	body = append(body, byte(OpLdcI4S), 20)
	body = append(body, byte(OpStfld))
	body = append(body, le32(f2Token)...)

	body = append(body, byte(OpLdlocaS), 0)
	body = append(body, byte(OpLdcI4S), 30)
	body = append(body, byte(OpStfld))
	body = append(body, le32(f3Token)...)

	body = append(body, byte(OpLdloc0), byte(OpDup))
	body = append(body, byte(OpLdfld))
	body = append(body, le32(f1Token)...)
	body = append(body, byte(OpPop)) // the just-loaded scalar f1
	body = append(body, byte(OpPop)) // the remaining full 3-slot copy of V

	body = append(body, byte(OpLdlocaS), 0, byte(OpLdfld))
	body = append(body, le32(f1Token)...)
	body = append(body, byte(OpLdlocaS), 0, byte(OpLdfld))
	body = append(body, le32(f2Token)...)
	body = append(body, byte(OpAdd))
	body = append(body, byte(OpLdlocaS), 0, byte(OpLdfld))
	body = append(body, le32(f3Token)...)
	body = append(body, byte(OpAdd))
	body = append(body, byte(OpRet))

	res := newFakeResolver()
	res.fields[f1Token] = FieldRef{Offset: 0, Tag: typesystem.TagInt, Size: 8}
	res.fields[f2Token] = FieldRef{Offset: 8, Tag: typesystem.TagInt, Size: 8}
	res.fields[f3Token] = FieldRef{Offset: 16, Tag: typesystem.TagInt, Size: 8}

	in := MethodInput{
		Body:   body,
		Locals: []Local{{Tag: typesystem.TagValueType, Size: 24}},
		HasRet: true,
		RetTag: typesystem.TagInt,
	}
	result := compileForTest(t, in, res)
	assert.NotZero(t, result.Entry)
}

// TestCompileCalliUnsupported checks that calli surfaces a clear error
// instead of miscompiling — Tier-0's Resolver has no standalone-signature
// lookup for it.
func TestCompileCalliUnsupported(t *testing.T) {
	body := []byte{byte(OpCalli)}
	body = append(body, le32(0x11000001)...)
	in := MethodInput{Body: body}

	c := New(newTestHeap(), newFakeResolver(), fakeHelpers())
	_, err := c.CompileMethod(in)
	assert.Error(t, err)
}

// TestCompileEHClauseTable checks that a supplied ClauseSpec's IL offsets
// are translated into the published method's native code offsets.
func TestCompileEHClauseTable(t *testing.T) {
	body := []byte{byte(OpNop), byte(OpNop), byte(OpRet)}
	exType := &typesystem.MethodTable{Name: "System.Exception"}

	in := MethodInput{
		Body: body,
		Clauses: []ClauseSpec{
			{Kind: ehdispatch.ClauseCatch, TryStartIL: 0, TryEndIL: 1, HandlerStartIL: 1, HandlerEndIL: 2, CatchType: exType},
		},
	}
	result := compileForTest(t, in, newFakeResolver())

	require.Len(t, result.Clauses.Clauses, 1)
	c := result.Clauses.Clauses[0]
	wantTryStart := kernelapi.VirtAddr(uintptr(result.Entry) + uintptr(result.PrologueLength))
	assert.Equal(t, ehdispatch.ClauseCatch, c.Kind)
	assert.Equal(t, wantTryStart, c.TryStart, "IL offset 0 lands right after the prologue, not at the method entry")
	assert.Equal(t, c.TryEnd, c.FuncletEntry, "handler starts exactly where the try region ends in this fixture")
	assert.Same(t, exType, c.CatchType)
}
