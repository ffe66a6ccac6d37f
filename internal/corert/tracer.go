package corert

import "kernrt/internal/typesystem"

const (
	arrayLengthOffset = 8
	arrayDataOffset   = 16
)

// objectTracer implements gc.ObjectTracer: given one live object's address,
// it reads that object's own MethodTable pointer straight out of its header
// and walks the GCDesc series the type system already computed, the same
// header-first walk allocObject/allocArray assume when writing an object's
// MethodTable pointer in the first place.
type objectTracer struct {
	rt *Runtime
}

func (t objectTracer) TraceReferences(objAddr uintptr) []uintptr {
	mt := mtFromAddr(readMemWord(objAddr + typesystem.MTOffset))
	if !mt.GCDesc.HasReferences() {
		return nil
	}

	var out []uintptr
	for _, s := range mt.GCDesc.Series {
		traceSeries(objAddr, s, &out)
	}

	if mt.Flags.Has(typesystem.IsArray) {
		length := int(readMemWord(objAddr + arrayLengthOffset))
		stride := int(mt.ComponentSize)
		base := objAddr + arrayDataOffset
		if mt.GCDesc.IsArrayOfRefs {
			for i := 0; i < length; i++ {
				addr := readMemWord(base + uintptr(i*stride))
				if addr != 0 {
					out = append(out, addr)
				}
			}
		} else {
			for i := 0; i < length; i++ {
				elemBase := base + uintptr(i*stride)
				for _, s := range mt.GCDesc.ElementSeries {
					traceSeries(elemBase, s, &out)
				}
			}
		}
	}

	return out
}

// traceSeries reads every 8-byte reference slot in one GCDesc.Series
// starting at base, appending each non-null address to out.
func traceSeries(base uintptr, s typesystem.Series, out *[]uintptr) {
	for off := int32(0); off < s.Length; off += 8 {
		addr := readMemWord(base + uintptr(s.Offset+off))
		if addr != 0 {
			*out = append(*out, addr)
		}
	}
}
