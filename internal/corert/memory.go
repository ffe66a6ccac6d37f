package corert

import (
	"unsafe"

	"kernrt/internal/kernelapi"
	"kernrt/internal/typesystem"
)

// mtAddr is the bridge from a live *typesystem.MethodTable to the stable
// pointer value object headers and helper-call arguments carry: corert
// keeps every MethodTable alive for its assembly's lifetime (held by
// AssemblyRecord.types and assemblyState.typesByName), so baking in the raw
// address is safe for as long as the assembly stays loaded — the same
// assumption ops_array.go's methodTableAddr makes on the JIT side.
func mtAddr(mt *typesystem.MethodTable) kernelapi.VirtAddr {
	return kernelapi.VirtAddr(uintptr(unsafe.Pointer(mt)))
}

// mtFromAddr is the reverse of mtAddr, recovering the live MethodTable a
// helper call was handed as a raw pointer argument.
func mtFromAddr(addr uintptr) *typesystem.MethodTable {
	return (*typesystem.MethodTable)(unsafe.Pointer(addr))
}

// readMemWord reads one 8-byte word directly out of this runtime core's
// identity-mapped address space — the same assumption codeheap and gcheap
// already make about their own pages (spec.md §6 leaves thread freeze/thaw
// and memory mapping to the host kernel; once mapped, every runtime thread
// shares one flat address space, so a frozen thread's stack is just memory
// the collector's own thread can dereference).
func readMemWord(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writeMemWord(addr uintptr, v uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = v
}

// memBytes views n bytes starting at addr as a byte slice, for writing an
// object header or a string's inline payload in place.
func memBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
