package metadata

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildMinimalRoot hand-assembles a BSJB metadata root with exactly one
// table (Module, 1 row), a #Strings heap holding "Test", and a #GUID heap
// holding one zero GUID — enough to exercise header/stream/table parsing
// end to end without a full PE file.
func buildMinimalRoot(t *testing.T) []byte {
	t.Helper()

	version := "v4.0.30319"
	versionPadded := make([]byte, alignUp4(uint32(len(version)+1)))
	copy(versionPadded, version)

	var header bytes.Buffer
	binary.Write(&header, binary.LittleEndian, uint32(0x424A5342))
	binary.Write(&header, binary.LittleEndian, uint16(1)) // major
	binary.Write(&header, binary.LittleEndian, uint16(1)) // minor
	binary.Write(&header, binary.LittleEndian, uint32(0)) // reserved
	binary.Write(&header, binary.LittleEndian, uint32(len(versionPadded)))
	header.Write(versionPadded)
	binary.Write(&header, binary.LittleEndian, uint16(0)) // flags
	binary.Write(&header, binary.LittleEndian, uint16(3)) // stream count

	// #Strings heap: index 0 is always the empty string.
	strings := []byte{0x00, 'T', 'e', 's', 't', 0x00}
	// #GUID heap: one all-zero GUID at index 1.
	guids := make([]byte, 16)

	// #~ stream: header (24 bytes) + 1 row count (4 bytes, table Module) +
	// Module row (10 bytes: u2 generation, u2 name, u2 mvid, u2 encid, u2 encbaseid).
	var tableStream bytes.Buffer
	binary.Write(&tableStream, binary.LittleEndian, uint32(0)) // reserved
	tableStream.WriteByte(2)                                   // major version
	tableStream.WriteByte(0)                                   // minor version
	tableStream.WriteByte(0)                                   // heap sizes: all 2-byte indices
	tableStream.WriteByte(1)                                   // reserved
	binary.Write(&tableStream, binary.LittleEndian, uint64(1<<uint(TableModule)))
	binary.Write(&tableStream, binary.LittleEndian, uint64(0))
	binary.Write(&tableStream, binary.LittleEndian, uint32(1)) // Module row count

	binary.Write(&tableStream, binary.LittleEndian, uint16(0)) // Generation
	binary.Write(&tableStream, binary.LittleEndian, uint16(1)) // Name -> "Test" at offset 1
	binary.Write(&tableStream, binary.LittleEndian, uint16(1)) // Mvid -> guid index 1
	binary.Write(&tableStream, binary.LittleEndian, uint16(0)) // EncId
	binary.Write(&tableStream, binary.LittleEndian, uint16(0)) // EncBaseId

	const rootHeaderLen = 32 // 4+2+2+4+4+12+2+2 for the version string chosen above
	if header.Len() != rootHeaderLen {
		t.Fatalf("test setup: expected header length %d, got %d", rootHeaderLen, header.Len())
	}

	type streamDef struct {
		name string
		data []byte
	}
	streamDefs := []streamDef{
		{"#~", tableStream.Bytes()},
		{"#Strings", strings},
		{"#GUID", guids},
	}

	// Stream header size: 4 (offset) + 4 (size) + name padded to 4-byte
	// boundary including the NUL terminator.
	streamHeaderSize := func(name string) int {
		return 8 + int(alignUp4(uint32(len(name)+1)))
	}
	headersLen := 0
	for _, s := range streamDefs {
		headersLen += streamHeaderSize(s.name)
	}

	dataStart := uint32(header.Len() + headersLen)
	var offsets []uint32
	cur := dataStart
	for _, s := range streamDefs {
		offsets = append(offsets, cur)
		cur += uint32(len(s.data))
	}

	var out bytes.Buffer
	out.Write(header.Bytes())
	for i, s := range streamDefs {
		binary.Write(&out, binary.LittleEndian, offsets[i])
		binary.Write(&out, binary.LittleEndian, uint32(len(s.data)))
		namePadded := make([]byte, alignUp4(uint32(len(s.name)+1)))
		copy(namePadded, s.name)
		out.Write(namePadded)
	}
	for _, s := range streamDefs {
		out.Write(s.data)
	}
	return out.Bytes()
}

func TestViewParsesMinimalRoot(t *testing.T) {
	root := buildMinimalRoot(t)
	v, err := NewView(root)
	if err != nil {
		t.Fatal(err)
	}
	if v.Header.Version != "v4.0.30319" {
		t.Fatalf("version = %q", v.Header.Version)
	}
	if got := v.RowCount(TableModule); got != 1 {
		t.Fatalf("Module row count = %d, want 1", got)
	}

	row, err := v.Row(TableModule, 1)
	if err != nil {
		t.Fatal(err)
	}
	name, err := v.String(row[1])
	if err != nil {
		t.Fatal(err)
	}
	if name != "Test" {
		t.Fatalf("module name = %q, want Test", name)
	}

	guid, err := v.GUID(row[2])
	if err != nil {
		t.Fatal(err)
	}
	var zero [16]byte
	if guid != zero {
		t.Fatalf("expected zero GUID, got %v", guid)
	}
}

// TestViewRowDecodesAllColumns diffs the full decoded Module row against
// its expected column values, rather than asserting one field at a time, so
// a regression in any column (including ones no other test reads, like
// EncId/EncBaseId) shows up as a precise positional diff.
func TestViewRowDecodesAllColumns(t *testing.T) {
	root := buildMinimalRoot(t)
	v, err := NewView(root)
	if err != nil {
		t.Fatal(err)
	}
	row, err := v.Row(TableModule, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0, 1, 1, 0, 0} // Generation, Name, Mvid, EncId, EncBaseId
	if diff := cmp.Diff(want, row); diff != "" {
		t.Fatalf("Module row mismatch (-want +got):\n%s", diff)
	}
}

func TestViewRejectsBadSignature(t *testing.T) {
	bad := make([]byte, 32)
	if _, err := NewView(bad); err == nil {
		t.Fatal("expected error for bad BSJB signature")
	}
}

func TestViewRowOutOfRange(t *testing.T) {
	root := buildMinimalRoot(t)
	v, err := NewView(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Row(TableModule, 2); err == nil {
		t.Fatal("expected error for out-of-range row")
	}
	if _, err := v.Row(TableTypeDef, 1); err == nil {
		t.Fatal("expected error for absent table")
	}
}
