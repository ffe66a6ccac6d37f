package corert

import (
	"encoding/binary"
	"fmt"

	"kernrt/internal/ehdispatch"
)

// methodHeader is the decoded form of a CIL method body's header (ECMA-335
// §II.25.4): the code bytes proper, the local-variable signature token (0
// if the method declares none), and whether locals must be zero-initialized.
type methodHeader struct {
	Code           []byte
	MaxStack       uint16
	LocalVarSigTok uint32
	InitLocals     bool
	Clauses        []rawClause
}

// rawClause is one EH table entry in the method-body's own code-offset
// terms (ECMA-335 §II.25.4.6), prior to being resolved into
// ehdispatch.Clause's typed MethodTable/funclet-entry shape.
type rawClause struct {
	Kind          ehdispatch.ClauseKind
	TryOffset     uint32
	TryLength     uint32
	HandlerOffset uint32
	HandlerLength uint32
	ClassToken    uint32 // valid when Kind == ClauseCatch
	FilterOffset  uint32 // valid when Kind == ClauseFilter
}

const (
	corILMethodTinyFormat = 0x2
	corILMethodFatFormat  = 0x3
	corILMethodMoreSects  = 0x8
	corILMethodInitLocals = 0x10

	corILMethodSectEHTable    = 0x1
	corILMethodSectFatFormat  = 0x40
	corILMethodSectMoreSects  = 0x80
)

// decodeMethodHeader parses one method's body starting at body[0], per
// ECMA-335 §II.25.4: either a 1-byte tiny header (code size in the top 6
// bits, no locals, no EH) or a 12-byte fat header, optionally followed by
// one or more method-data sections (Tier-0 only implements the EH-table
// kind, §II.25.4.5/.6 — the only section kind a managed compiler emits).
func decodeMethodHeader(body []byte) (methodHeader, error) {
	if len(body) == 0 {
		return methodHeader{}, fmt.Errorf("corert: empty method body")
	}
	flags := body[0] & 0x3
	if flags == corILMethodTinyFormat {
		size := int(body[0] >> 2)
		if 1+size > len(body) {
			return methodHeader{}, fmt.Errorf("corert: tiny method body truncated (need %d, have %d)", 1+size, len(body))
		}
		return methodHeader{Code: body[1 : 1+size], MaxStack: 8}, nil
	}
	if flags != corILMethodFatFormat {
		return methodHeader{}, fmt.Errorf("corert: unrecognized method header flags %#x", flags)
	}
	if len(body) < 12 {
		return methodHeader{}, fmt.Errorf("corert: fat method header truncated")
	}
	headerWord := binary.LittleEndian.Uint16(body[0:2])
	headerSizeDwords := headerWord >> 12
	methodFlags := headerWord & 0xFFF
	headerSize := int(headerSizeDwords) * 4
	if headerSize < 12 {
		return methodHeader{}, fmt.Errorf("corert: invalid fat header size %d", headerSize)
	}
	maxStack := binary.LittleEndian.Uint16(body[2:4])
	codeSize := binary.LittleEndian.Uint32(body[4:8])
	localVarSigTok := binary.LittleEndian.Uint32(body[8:12])

	codeStart := headerSize
	codeEnd := codeStart + int(codeSize)
	if codeEnd > len(body) {
		return methodHeader{}, fmt.Errorf("corert: fat method body truncated (code [%d,%d), have %d)", codeStart, codeEnd, len(body))
	}
	h := methodHeader{
		Code:           body[codeStart:codeEnd],
		MaxStack:       maxStack,
		LocalVarSigTok: localVarSigTok,
		InitLocals:     methodFlags&corILMethodInitLocals != 0,
	}
	if methodFlags&corILMethodMoreSects == 0 {
		return h, nil
	}

	off := alignUp4(codeEnd)
	for {
		if off+4 > len(body) {
			return methodHeader{}, fmt.Errorf("corert: method data section header truncated")
		}
		kind := body[off]
		isFat := kind&corILMethodSectFatFormat != 0
		more := kind&corILMethodSectMoreSects != 0
		var sectSize int
		var dataOff int
		if isFat {
			sectSize = int(binary.LittleEndian.Uint32(body[off:off+4]) >> 8)
			dataOff = off + 4
		} else {
			sectSize = int(body[off+1])
			dataOff = off + 4
		}
		if kind&corILMethodSectEHTable != 0 {
			clauses, err := decodeEHClauses(body[dataOff:off+sectSize], isFat)
			if err != nil {
				return methodHeader{}, err
			}
			h.Clauses = append(h.Clauses, clauses...)
		}
		off += sectSize
		off = alignUp4(off)
		if !more {
			break
		}
	}
	return h, nil
}

// decodeEHClauses parses the clause array of one EH-table method data
// section (small: 12 bytes/clause, fat: 24 bytes/clause).
func decodeEHClauses(data []byte, fat bool) ([]rawClause, error) {
	clauseSize := 12
	if fat {
		clauseSize = 24
	}
	n := len(data) / clauseSize
	out := make([]rawClause, 0, n)
	for i := 0; i < n; i++ {
		d := data[i*clauseSize:]
		var flags uint32
		var tryOff, tryLen, handOff, handLen, extra uint32
		if fat {
			flags = binary.LittleEndian.Uint32(d[0:4])
			tryOff = binary.LittleEndian.Uint32(d[4:8])
			tryLen = binary.LittleEndian.Uint32(d[8:12])
			handOff = binary.LittleEndian.Uint32(d[12:16])
			handLen = binary.LittleEndian.Uint32(d[16:20])
			extra = binary.LittleEndian.Uint32(d[20:24])
		} else {
			flags = uint32(binary.LittleEndian.Uint16(d[0:2]))
			tryOff = uint32(binary.LittleEndian.Uint16(d[2:4]))
			tryLen = uint32(d[4])
			handOff = uint32(binary.LittleEndian.Uint16(d[5:7]))
			handLen = uint32(d[7])
			extra = binary.LittleEndian.Uint32(d[8:12])
		}
		rc := rawClause{TryOffset: tryOff, TryLength: tryLen, HandlerOffset: handOff, HandlerLength: handLen}
		switch flags & 0x7 {
		case 0x0:
			rc.Kind = ehdispatch.ClauseCatch
			rc.ClassToken = extra
		case 0x1:
			rc.Kind = ehdispatch.ClauseFilter
			rc.FilterOffset = extra
		case 0x2, 0x4:
			rc.Kind = ehdispatch.ClauseFinally
		default:
			return nil, fmt.Errorf("corert: unsupported EH clause flags %#x", flags)
		}
		out = append(out, rc)
	}
	return out, nil
}

func alignUp4(n int) int { return (n + 3) &^ 3 }
