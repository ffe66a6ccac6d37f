package corert

import (
	"fmt"

	"kernrt/internal/jit"
	"kernrt/internal/kernelapi"
	"kernrt/internal/metadata"
	"kernrt/internal/registry"
	"kernrt/internal/typesystem"
)

// runtimeResolver implements jit.Resolver for one in-flight compilation,
// scoped to the assembly that declares the method being compiled — tokens
// the JIT hands it are always relative to that assembly's metadata, per
// ECMA-335's token-is-module-relative rule.
type runtimeResolver struct {
	rt         *Runtime
	assemblyID registry.AssemblyID
}

func (rt *Runtime) resolverFor(id registry.AssemblyID) *runtimeResolver {
	return &runtimeResolver{rt: rt, assemblyID: id}
}

func (rt *Runtime) stateFor(id registry.AssemblyID) (*assemblyState, error) {
	rt.mu.RLock()
	st, ok := rt.assemblies[id]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("corert: assembly %d not loaded", id)
	}
	return st, nil
}

// resolveTypeToken resolves a TypeDef/TypeRef token (already decoded out
// of its coded-index form) against st's assembly, following a TypeRef's
// resolution scope into another loaded assembly by simple name (spec.md §9
// open question on reference matching: this runtime matches AssemblyRef
// by name only, sufficient for the single-fixture-image scenarios §8
// exercises; TypeSpec, i.e. generic instantiations, is out of scope).
func (rt *Runtime) resolveTypeToken(st *assemblyState, token uint32) (*typesystem.MethodTable, error) {
	table := metadata.TokenKind(token)
	rid := metadata.TokenRID(token)
	switch table {
	case metadata.TableTypeDef:
		mt, ok := st.rec.ResolveType(token)
		if !ok {
			return nil, fmt.Errorf("corert: unresolved TypeDef token %#x", token)
		}
		return mt, nil
	case metadata.TableTypeRef:
		return rt.resolveTypeRefRow(st, rid)
	default:
		return nil, fmt.Errorf("corert: unsupported type token kind %d (token %#x)", table, token)
	}
}

func (rt *Runtime) resolveTypeRefRow(st *assemblyState, rid uint32) (*typesystem.MethodTable, error) {
	row, err := st.view.Row(metadata.TableTypeRef, rid)
	if err != nil {
		return nil, err
	}
	scopeToken := metadata.DecodeResolutionScopeToken(row[0])
	name, err := st.view.String(row[1])
	if err != nil {
		return nil, err
	}
	ns, err := st.view.String(row[2])
	if err != nil {
		return nil, err
	}
	qualified := name
	if ns != "" {
		qualified = ns + "." + name
	}

	if metadata.TokenKind(scopeToken) == metadata.TableAssemblyRef {
		arow, err := st.view.Row(metadata.TableAssemblyRef, metadata.TokenRID(scopeToken))
		if err != nil {
			return nil, err
		}
		targetName, err := st.view.String(arow[6])
		if err != nil {
			return nil, err
		}
		targetRec, ok := rt.Assemblies.Resolve(targetName)
		if !ok {
			return nil, fmt.Errorf("corert: TypeRef %s: referenced assembly %s not loaded", qualified, targetName)
		}
		targetSt, err := rt.stateFor(targetRec.ID)
		if err != nil {
			return nil, err
		}
		mt, ok := targetSt.typesByName[qualified]
		if !ok {
			return nil, fmt.Errorf("corert: type %s not found in assembly %s", qualified, targetName)
		}
		return mt, nil
	}

	// Module/ModuleRef/nested-TypeRef scopes: fall back to this same
	// assembly's own type directory (covers the common single-assembly
	// case and intra-module forwarders).
	if mt, ok := st.typesByName[qualified]; ok {
		return mt, nil
	}
	return nil, fmt.Errorf("corert: type %s not found", qualified)
}

// resolveMethodToken resolves a MethodDef or MemberRef token to the
// methodDefInfo + declaring assembly that defines it.
func (rt *Runtime) resolveMethodToken(st *assemblyState, token uint32) (methodDefInfo, *assemblyState, error) {
	switch metadata.TokenKind(token) {
	case metadata.TableMethodDef:
		info, ok := st.methods[token]
		if !ok {
			return methodDefInfo{}, nil, fmt.Errorf("corert: unresolved MethodDef token %#x", token)
		}
		return info, st, nil
	case metadata.TableMemberRef:
		return rt.resolveMemberRef(st, metadata.TokenRID(token))
	default:
		return methodDefInfo{}, nil, fmt.Errorf("corert: unsupported method token kind %d", metadata.TokenKind(token))
	}
}

func (rt *Runtime) resolveMemberRef(st *assemblyState, rid uint32) (methodDefInfo, *assemblyState, error) {
	row, err := st.view.Row(metadata.TableMemberRef, rid)
	if err != nil {
		return methodDefInfo{}, nil, err
	}
	parentToken := metadata.DecodeMemberRefParentToken(row[0])
	name, err := st.view.String(row[1])
	if err != nil {
		return methodDefInfo{}, nil, err
	}

	parentMT, err := rt.resolveTypeToken(st, parentToken)
	if err != nil {
		return methodDefInfo{}, nil, fmt.Errorf("corert: MemberRef %s: %w", name, err)
	}
	targetSt, err := rt.stateFor(registry.AssemblyID(parentMT.AssemblyID))
	if err != nil {
		return methodDefInfo{}, nil, err
	}
	byName, ok := targetSt.methodsByOwner[parentMT.TypeToken]
	if !ok {
		return methodDefInfo{}, nil, fmt.Errorf("corert: MemberRef %s: declaring type %s has no methods", name, parentMT.Name)
	}
	methodToken, ok := byName[name]
	if !ok {
		return methodDefInfo{}, nil, fmt.Errorf("corert: MemberRef %s: not found on %s", name, parentMT.Name)
	}
	info := targetSt.methods[methodToken]
	return info, targetSt, nil
}

func (rt *Runtime) resolveFieldDef(st *assemblyState, rid uint32) (jit.FieldRef, error) {
	token := metadata.MakeToken(metadata.TableField, rid)
	info, ok := st.fields[token]
	if !ok {
		return jit.FieldRef{}, fmt.Errorf("corert: unresolved Field token %#x", token)
	}
	fr := jit.FieldRef{
		Offset:   info.offset,
		Tag:      info.shape.Tag,
		Size:     info.shape.Size,
		IsRef:    info.shape.IsRef,
		IsStatic: info.isStatic,
	}
	if info.isStatic {
		addr, err := st.rec.StaticFieldAddr(token)
		if err != nil {
			return jit.FieldRef{}, err
		}
		fr.StaticAddr = addr
	}
	return fr, nil
}

func (rt *Runtime) resolveFieldMemberRef(st *assemblyState, rid uint32) (jit.FieldRef, error) {
	row, err := st.view.Row(metadata.TableMemberRef, rid)
	if err != nil {
		return jit.FieldRef{}, err
	}
	parentToken := metadata.DecodeMemberRefParentToken(row[0])
	name, err := st.view.String(row[1])
	if err != nil {
		return jit.FieldRef{}, err
	}
	parentMT, err := rt.resolveTypeToken(st, parentToken)
	if err != nil {
		return jit.FieldRef{}, fmt.Errorf("corert: field MemberRef %s: %w", name, err)
	}
	targetSt, err := rt.stateFor(registry.AssemblyID(parentMT.AssemblyID))
	if err != nil {
		return jit.FieldRef{}, err
	}
	byName, ok := targetSt.fieldsByOwner[parentMT.TypeToken]
	if !ok {
		return jit.FieldRef{}, fmt.Errorf("corert: field MemberRef %s: declaring type %s has no fields", name, parentMT.Name)
	}
	fieldToken, ok := byName[name]
	if !ok {
		return jit.FieldRef{}, fmt.Errorf("corert: field %s not found on %s", name, parentMT.Name)
	}
	return rt.resolveFieldDef(targetSt, metadata.TokenRID(fieldToken))
}

func toParam(s shape) jit.Param {
	return jit.Param{Tag: s.Tag, Size: s.Size, IsRef: s.IsRef}
}

func (rt *Runtime) toMethodSig(st *assemblyState, sig metadata.MethodSig, isStatic bool) (jit.MethodSig, error) {
	var out jit.MethodSig
	if !isStatic {
		// The implicit `this` is always a managed reference in Tier-0
		// (value-type receivers are always passed byref, a non-goal here:
		// spec.md §9 leaves value-type instance method receivers as a
		// simplification left to the implementer).
		out.Params = append(out.Params, jit.Param{Tag: typesystem.TagInt, Size: 8, IsRef: true})
	}
	for _, p := range sig.Params {
		shp, err := rt.resolveTypeSig(st, p)
		if err != nil {
			return jit.MethodSig{}, err
		}
		out.Params = append(out.Params, toParam(shp))
	}
	if sig.RetType.Elem != metadata.ElemVoid {
		shp, err := rt.resolveTypeSig(st, sig.RetType)
		if err != nil {
			return jit.MethodSig{}, err
		}
		out.Ret = toParam(shp)
		out.HasRet = true
	}
	return out, nil
}

func (r *runtimeResolver) ResolveMethodRef(token uint32) (registry.MethodKey, jit.MethodSig, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return registry.MethodKey{}, jit.MethodSig{}, err
	}
	info, ownerSt, err := r.rt.resolveMethodToken(st, token)
	if err != nil {
		return registry.MethodKey{}, jit.MethodSig{}, err
	}
	sig, err := r.rt.toMethodSig(ownerSt, info.sig, info.isStatic)
	if err != nil {
		return registry.MethodKey{}, jit.MethodSig{}, err
	}
	return registry.MethodKey{AssemblyID: ownerSt.rec.ID, Token: info.token}, sig, nil
}

func (r *runtimeResolver) ResolveVirtualSlot(token uint32) (int, jit.MethodSig, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return 0, jit.MethodSig{}, err
	}
	info, ownerSt, err := r.rt.resolveMethodToken(st, token)
	if err != nil {
		return 0, jit.MethodSig{}, err
	}
	sig, err := r.rt.toMethodSig(ownerSt, info.sig, info.isStatic)
	if err != nil {
		return 0, jit.MethodSig{}, err
	}
	if info.mt == nil {
		return 0, jit.MethodSig{}, fmt.Errorf("corert: method %s has no declaring type for virtual dispatch", info.name)
	}
	for i, slot := range info.mt.Vtable {
		if slot.Token == info.token {
			return i, sig, nil
		}
	}
	return 0, jit.MethodSig{}, fmt.Errorf("corert: method %s not found in declaring type's vtable", info.name)
}

// EnsureCallable returns a stable call target for key: the trampoline if
// compilation has not finished, or the published native entry once it has.
// It does not compile: compilation starts when the trampoline first runs.
func (r *runtimeResolver) EnsureCallable(key registry.MethodKey) (kernelapi.VirtAddr, error) {
	return r.rt.ensureCallable(key)
}

func (r *runtimeResolver) ResolveTypeRef(token uint32) (*typesystem.MethodTable, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return nil, err
	}
	return r.rt.resolveTypeToken(st, token)
}

func (r *runtimeResolver) ResolveFieldRef(token uint32) (jit.FieldRef, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return jit.FieldRef{}, err
	}
	switch metadata.TokenKind(token) {
	case metadata.TableField:
		return r.rt.resolveFieldDef(st, metadata.TokenRID(token))
	case metadata.TableMemberRef:
		return r.rt.resolveFieldMemberRef(st, metadata.TokenRID(token))
	default:
		return jit.FieldRef{}, fmt.Errorf("corert: unsupported field token kind %d", metadata.TokenKind(token))
	}
}

func (r *runtimeResolver) ResolveStringRef(token uint32) (kernelapi.VirtAddr, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return 0, err
	}
	content, err := st.view.UserString(metadata.TokenRID(token))
	if err != nil {
		return 0, fmt.Errorf("corert: resolving user string token %#x: %w", token, err)
	}
	return r.rt.Strings.LoadUserString(int64(r.assemblyID), token, content)
}

func (r *runtimeResolver) ResolveConstructor(token uint32) (registry.MethodKey, *typesystem.MethodTable, jit.MethodSig, error) {
	st, err := r.rt.stateFor(r.assemblyID)
	if err != nil {
		return registry.MethodKey{}, nil, jit.MethodSig{}, err
	}
	info, ownerSt, err := r.rt.resolveMethodToken(st, token)
	if err != nil {
		return registry.MethodKey{}, nil, jit.MethodSig{}, err
	}
	if info.mt == nil {
		return registry.MethodKey{}, nil, jit.MethodSig{}, fmt.Errorf("corert: constructor %s has no declaring type", info.name)
	}
	sig, err := r.rt.toMethodSig(ownerSt, info.sig, info.isStatic)
	if err != nil {
		return registry.MethodKey{}, nil, jit.MethodSig{}, err
	}
	return registry.MethodKey{AssemblyID: ownerSt.rec.ID, Token: info.token}, info.mt, sig, nil
}
