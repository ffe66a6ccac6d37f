package corert

import (
	"fmt"
	"unicode/utf16"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
)

// System.String object layout (spec.md §4.11 leaves the concrete shape to
// the runtime that owns it; supplemented here to match the array layout
// ops_array.go already assumes): [0:8) MethodTable*, [8:16) length in UTF-16
// code units, [16:...) the inline code units themselves, 2 bytes each, no
// trailing NUL (the length field is authoritative, as CIL bytecode expects).
const (
	stringLengthOffset = 8
	stringDataOffset   = 16
)

// AllocateString implements strpool.Allocator: it materializes content as a
// new System.String object on the GC heap, encoded as UTF-16 the way every
// ECMA-335 string literal and System.String instance is represented.
func (rt *Runtime) AllocateString(content string) (kernelapi.VirtAddr, error) {
	units := utf16.Encode([]rune(content))
	payload := len(units) * 2
	objSize := stringDataOffset + payload

	headerAddr, err := rt.GCHeap.Alloc(typesystem.HeaderSize + objSize)
	if err != nil {
		return 0, fmt.Errorf("corert: allocating string: %w", err)
	}
	objAddr := uintptr(headerAddr) + typesystem.HeaderSize

	hdr := typesystem.Header{BlockSize: uint32(typesystem.HeaderSize + objSize)}
	copy(memBytes(uintptr(headerAddr), typesystem.HeaderSize), hdr.Encode()[:])
	writeMemWord(objAddr+typesystem.MTOffset, uintptr(mtAddr(rt.stringMT)))

	writeMemWord(objAddr+stringLengthOffset, uintptr(len(units)))

	data := memBytes(objAddr+stringDataOffset, payload)
	for i, u := range units {
		data[2*i] = byte(u)
		data[2*i+1] = byte(u >> 8)
	}
	return kernelapi.VirtAddr(objAddr), nil
}

// readManagedString decodes a System.String object back into a Go string,
// used by invoke.go to hand managed string results back to a harness.
func readManagedString(addr kernelapi.VirtAddr) string {
	objAddr := uintptr(addr)
	length := int(readMemWord(objAddr + stringLengthOffset))
	data := memBytes(objAddr+stringDataOffset, length*2)
	units := make([]uint16, length)
	for i := 0; i < length; i++ {
		units[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return string(utf16.Decode(units))
}
