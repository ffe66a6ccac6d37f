package typesystem

// SlotTag is the compile-time type tag of one evaluation-stack slot
// (spec.md §3).
type SlotTag int

const (
	TagInt SlotTag = iota
	TagFloat32
	TagFloat64
	TagValueType
)

func (t SlotTag) String() string {
	switch t {
	case TagInt:
		return "Int"
	case TagFloat32:
		return "Float32"
	case TagFloat64:
		return "Float64"
	case TagValueType:
		return "ValueType"
	default:
		return "Unknown"
	}
}

// SlotsForValueType returns how many eval-stack slots a value type of the
// given byte size occupies, per spec.md §3/§4.9's matrix: <=8 bytes is one
// slot, 9-16 bytes is two, and in general ceil(size/8).
func SlotsForValueType(sizeBytes int) int {
	if sizeBytes <= 0 {
		return 1
	}
	return (sizeBytes + 7) / 8
}

// Slot is one compile-time evaluation-stack entry.
type Slot struct {
	Tag SlotTag
	// ValueTypeSize is only meaningful when Tag == TagValueType; it is the
	// full byte size of the value (the same value spans SlotsForValueType
	// consecutive Slot entries, all tagged TagValueType).
	ValueTypeSize int
}

// Profile is the eval-stack shape at one program point: just the sequence
// of tags, used to check branch-target consistency (spec.md §8 invariant
// 7 / §4.9).
type Profile []SlotTag

// Equal reports whether two profiles describe the same eval-stack depth and
// per-slot tags — the join-point check spec.md §4.9 requires.
func (p Profile) Equal(other Profile) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
