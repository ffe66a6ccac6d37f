package typesystem

import "testing"

func TestIsAssignableFrom(t *testing.T) {
	object := &MethodTable{Name: "System.Object"}
	base := &MethodTable{Name: "Base", Parent: object}
	derived := &MethodTable{Name: "Derived", Parent: base}
	unrelated := &MethodTable{Name: "Unrelated", Parent: object}

	if !base.IsAssignableFrom(derived) {
		t.Fatal("expected Base assignable from Derived")
	}
	if !object.IsAssignableFrom(derived) {
		t.Fatal("expected Object assignable from Derived")
	}
	if derived.IsAssignableFrom(base) {
		t.Fatal("did not expect Derived assignable from Base")
	}
	if base.IsAssignableFrom(unrelated) {
		t.Fatal("did not expect Base assignable from Unrelated")
	}
	if !base.IsAssignableFrom(base) {
		t.Fatal("expected a type assignable from itself")
	}
}

func TestFieldBaseOffset(t *testing.T) {
	ref := &MethodTable{Name: "RefType"}
	val := &MethodTable{Name: "ValType", Flags: IsValueType}

	if got := ref.FieldBaseOffset(); got != 8 {
		t.Fatalf("reference type base offset = %d, want 8", got)
	}
	if got := val.FieldBaseOffset(); got != 0 {
		t.Fatalf("value type base offset = %d, want 0", got)
	}
}

func TestResolveVtableSlot(t *testing.T) {
	object := &MethodTable{Name: "System.Object"}
	base := &MethodTable{
		Name:   "Base",
		Parent: object,
		Vtable: []VtableSlot{{Resolved: true, Entry: 0x1000}},
	}
	derived := &MethodTable{Name: "Derived", Parent: base, Vtable: base.Vtable}
	unrelated := &MethodTable{Name: "Unrelated", Parent: object}

	if _, err := derived.ResolveVtableSlot(5, base); err == nil {
		t.Fatal("expected out-of-range error")
	}
	if _, err := derived.ResolveVtableSlot(0, unrelated); err == nil {
		t.Fatal("expected soundness error for unrelated declaring type")
	}
	slot, err := derived.ResolveVtableSlot(0, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot.Entry != 0x1000 {
		t.Fatalf("entry = %#x, want 0x1000", slot.Entry)
	}
}

func TestGCDescHasReferences(t *testing.T) {
	var empty GCDesc
	if empty.HasReferences() {
		t.Fatal("empty GCDesc should report no references")
	}
	withSeries := GCDesc{Series: []Series{{Offset: 8, Length: 8}}}
	if !withSeries.HasReferences() {
		t.Fatal("GCDesc with a series should report references")
	}
	arrayOfRefs := GCDesc{IsArrayOfRefs: true}
	if !arrayOfRefs.HasReferences() {
		t.Fatal("array-of-refs GCDesc should report references")
	}
}

func TestSlotsForValueType(t *testing.T) {
	cases := []struct {
		size int
		want int
	}{
		{0, 1},
		{1, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
		{24, 3},
	}
	for _, c := range cases {
		if got := SlotsForValueType(c.size); got != c.want {
			t.Fatalf("SlotsForValueType(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestProfileEqual(t *testing.T) {
	a := Profile{TagInt, TagValueType, TagFloat64}
	b := Profile{TagInt, TagValueType, TagFloat64}
	c := Profile{TagInt, TagFloat64}

	if !a.Equal(b) {
		t.Fatal("expected equal profiles to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("did not expect profiles of different length to compare equal")
	}
}
