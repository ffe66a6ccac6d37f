package corert

import (
	"fmt"

	"kernrt/internal/metadata"
	"kernrt/internal/registry"
	"kernrt/internal/typesystem"
)

// staticArenaBytes is the fixed static-field arena size granted to every
// loaded assembly; Tier-0 fixtures never approach it (spec.md §8's
// scenarios declare at most a handful of static fields).
const staticArenaBytes = 64 * 1024

// LoadAssembly parses image (a whole PE/CLI file, metadata root and all),
// builds a MethodTable for every TypeDef and a methodDefInfo for every
// MethodDef, and registers the result under name in the AssemblyRegistry.
func (rt *Runtime) LoadAssembly(name string, image []byte) (registry.AssemblyID, error) {
	img, err := metadata.LoadImage(image)
	if err != nil {
		return 0, fmt.Errorf("corert: loading %s: %w", name, err)
	}
	root, err := img.MetadataRoot()
	if err != nil {
		return 0, fmt.Errorf("corert: loading %s: %w", name, err)
	}
	view, err := metadata.NewView(root)
	if err != nil {
		return 0, fmt.Errorf("corert: loading %s: %w", name, err)
	}

	rec := rt.Assemblies.Load(name, staticArenaBytes)
	st := &assemblyState{
		rec:            rec,
		view:           view,
		img:            img,
		typesByName:    make(map[string]*typesystem.MethodTable),
		methodsByOwner: make(map[uint32]map[string]uint32),
		methods:        make(map[uint32]methodDefInfo),
		fieldsByOwner:  make(map[uint32]map[string]uint32),
		fields:         make(map[uint32]fieldDefInfo),
	}
	rt.mu.Lock()
	rt.assemblies[rec.ID] = st
	rt.mu.Unlock()

	if err := rt.loadTypes(st); err != nil {
		return 0, fmt.Errorf("corert: loading %s: %w", name, err)
	}
	if err := rt.loadMethods(st); err != nil {
		return 0, fmt.Errorf("corert: loading %s: %w", name, err)
	}
	return rec.ID, nil
}

// loadTypes builds one MethodTable per TypeDef row, with a simple
// sequential field layout (spec.md §9 open question on layout policy:
// this runtime never reorders or packs fields for cache locality) and a
// GCDesc built from runs of consecutive reference-typed fields.
func (rt *Runtime) loadTypes(st *assemblyState) error {
	n := st.view.RowCount(metadata.TableTypeDef)
	for rid := uint32(1); rid <= n; rid++ {
		row, err := st.view.Row(metadata.TableTypeDef, rid)
		if err != nil {
			return err
		}
		typeName, err := st.view.String(row[1])
		if err != nil {
			return err
		}
		ns, err := st.view.String(row[2])
		if err != nil {
			return err
		}
		qualified := typeName
		if ns != "" {
			qualified = ns + "." + typeName
		}

		isValueType, err := st.isValueTypeExtends(row[3])
		if err != nil {
			return err
		}

		fieldStart := row[4]
		fieldEnd := st.view.RowCount(metadata.TableField) + 1
		if rid < n {
			nextRow, err := st.view.Row(metadata.TableTypeDef, rid+1)
			if err != nil {
				return err
			}
			fieldEnd = nextRow[4]
		}

		mt := &typesystem.MethodTable{
			Name:       qualified,
			AssemblyID: int64(st.rec.ID),
			TypeToken:  metadata.MakeToken(metadata.TableTypeDef, rid),
		}
		if isValueType {
			mt.Flags |= typesystem.IsValueType
		}

		offset := int32(0)
		if !isValueType {
			offset = 8 // past the object header's MethodTable pointer slot
		}
		var series []typesystem.Series
		runStart := int32(-1)
		flushRun := func(end int32) {
			if runStart >= 0 {
				series = append(series, typesystem.Series{Offset: runStart, Length: end - runStart})
				runStart = -1
			}
		}
		typeToken := metadata.MakeToken(metadata.TableTypeDef, rid)
		for frid := fieldStart; frid < fieldEnd; frid++ {
			frow, err := st.view.Row(metadata.TableField, frid)
			if err != nil {
				return err
			}
			fieldName, err := st.view.String(frow[1])
			if err != nil {
				return err
			}
			blob, err := st.view.Blob(frow[2])
			if err != nil {
				return err
			}
			sig, err := metadata.DecodeFieldSig(blob)
			if err != nil {
				return err
			}
			shp, err := rt.resolveTypeSig(st, sig)
			if err != nil {
				return err
			}
			fieldToken := metadata.MakeToken(metadata.TableField, frid)
			const attrStatic = 0x0010
			isStatic := frow[0]&attrStatic != 0

			info := fieldDefInfo{shape: shp, isStatic: isStatic}
			if isStatic {
				if _, err := st.rec.AllocStaticSlot(fieldToken, shp.Size, shp.IsRef); err != nil {
					return err
				}
			} else {
				size := shp.Size
				if shp.IsRef {
					if runStart < 0 {
						runStart = offset
					}
				} else {
					flushRun(offset)
				}
				info.offset = offset
				offset += int32(size)
			}
			st.fields[fieldToken] = info
			if st.fieldsByOwner[typeToken] == nil {
				st.fieldsByOwner[typeToken] = make(map[string]uint32)
			}
			st.fieldsByOwner[typeToken][fieldName] = fieldToken
		}
		flushRun(offset)
		mt.GCDesc = typesystem.GCDesc{Series: series}
		if len(series) > 0 {
			mt.Flags |= typesystem.HasReferences
		}
		mt.BaseSize = uint32(offset)
		if !isValueType && mt.BaseSize < 8 {
			mt.BaseSize = 8
		}

		st.typesByName[qualified] = mt
		st.rec.DefineType(mt.TypeToken, mt)
	}
	return nil
}

// isValueTypeExtends reports whether a TypeDef's Extends coded index names
// System.ValueType or System.Enum, reading the referenced TypeDef/TypeRef
// row's own Name/Namespace columns directly (no cross-assembly resolution
// needed just to classify value-ness).
func (st *assemblyState) isValueTypeExtends(extendsRaw uint32) (bool, error) {
	if extendsRaw == 0 {
		return false, nil
	}
	token := metadata.DecodeTypeDefOrRefToken(extendsRaw)
	table := metadata.TokenKind(token)
	rid := metadata.TokenRID(token)
	var nameIdx, nsIdx int
	switch table {
	case metadata.TableTypeDef:
		nameIdx, nsIdx = 1, 2
	case metadata.TableTypeRef:
		nameIdx, nsIdx = 1, 2
	default:
		return false, nil
	}
	row, err := st.view.Row(table, rid)
	if err != nil {
		return false, nil // unresolvable Extends: treat conservatively as reference type
	}
	name, err := st.view.String(row[nameIdx])
	if err != nil {
		return false, nil
	}
	ns, err := st.view.String(row[nsIdx])
	if err != nil {
		return false, nil
	}
	return ns == "System" && (name == "ValueType" || name == "Enum"), nil
}

// loadMethods builds a methodDefInfo for every MethodDef row and indexes
// it by (owner type token, name) for MemberRef resolution.
func (rt *Runtime) loadMethods(st *assemblyState) error {
	typeCount := st.view.RowCount(metadata.TableTypeDef)
	for trid := uint32(1); trid <= typeCount; trid++ {
		trow, err := st.view.Row(metadata.TableTypeDef, trid)
		if err != nil {
			return err
		}
		ownerToken := metadata.MakeToken(metadata.TableTypeDef, trid)
		owner, _ := st.rec.ResolveType(ownerToken)

		methodStart := trow[5]
		methodEnd := st.view.RowCount(metadata.TableMethodDef) + 1
		if trid < typeCount {
			nextRow, err := st.view.Row(metadata.TableTypeDef, trid+1)
			if err != nil {
				return err
			}
			methodEnd = nextRow[5]
		}

		var vtable []typesystem.VtableSlot
		for mrid := methodStart; mrid < methodEnd; mrid++ {
			mrow, err := st.view.Row(metadata.TableMethodDef, mrid)
			if err != nil {
				return err
			}
			name, err := st.view.String(mrow[3])
			if err != nil {
				return err
			}
			sigBlob, err := st.view.Blob(mrow[4])
			if err != nil {
				return err
			}
			sig, err := metadata.DecodeMethodSig(sigBlob)
			if err != nil {
				return fmt.Errorf("corert: method %s signature: %w", name, err)
			}
			methodToken := metadata.MakeToken(metadata.TableMethodDef, mrid)
			const attrStatic = 0x0010
			info := methodDefInfo{
				token:    methodToken,
				name:     name,
				sig:      sig,
				mt:       owner,
				rva:      mrow[0],
				isStatic: mrow[2]&attrStatic != 0,
			}
			st.methods[methodToken] = info

			if st.methodsByOwner[ownerToken] == nil {
				st.methodsByOwner[ownerToken] = make(map[string]uint32)
			}
			st.methodsByOwner[ownerToken][name] = methodToken

			vtable = append(vtable, typesystem.VtableSlot{Resolved: false, Token: methodToken})
		}
		if owner != nil {
			owner.Vtable = vtable
		}
	}
	return nil
}
