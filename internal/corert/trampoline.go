package corert

import (
	"fmt"
	"runtime"

	"kernrt/internal/ehdispatch"
	"kernrt/internal/jit"
	"kernrt/internal/kernelapi"
	"kernrt/internal/metadata"
	"kernrt/internal/registry"
	"kernrt/internal/typesystem"
	"kernrt/internal/x64asm"
)

// ensureCallable returns a call target for key: the published native entry
// once key's method is Ready, otherwise its trampoline, reserving a fresh
// CompiledMethodRecord (and the trampoline it targets) on first request.
// It never compiles synchronously: compilation happens the first time the
// trampoline's native code actually runs, so two methods that call each
// other never deadlock the Go-side compiler in mutual recursion (spec.md
// §4.10's whole reason for a trampoline rather than eager recursive
// compilation).
func (rt *Runtime) ensureCallable(key registry.MethodKey) (kernelapi.VirtAddr, error) {
	if rec, ok := rt.Methods.Lookup(key); ok {
		if rec.State() == registry.StateReady {
			entry, _, _, _, _ := rec.Snapshot()
			return kernelapi.VirtAddr(entry), nil
		}
		return rec.TrampolineAddr, nil
	}
	tramp, err := rt.allocTrampoline(key)
	if err != nil {
		return 0, err
	}
	rec, _ := rt.Methods.Reserve(key, tramp)
	return rec.TrampolineAddr, nil
}

// allocTrampoline emits a classic lazy-binding stub into the code heap: load
// this slot's index into RDI, call the runtime-wide trampoline bridge
// helper (which resolves/awaits the real entry point and returns it in
// RAX), then jump to it. The caller's own stack frame is left exactly as
// it was — Tier-0's calling convention never holds live values in
// RDI/RSI/R11 across a call site, the same property emitHelperCall already
// relies on.
func (rt *Runtime) allocTrampoline(key registry.MethodKey) (kernelapi.VirtAddr, error) {
	rt.trampMu.Lock()
	idx := len(rt.trampolineKeys)
	rt.trampolineKeys = append(rt.trampolineKeys, key)
	rt.trampMu.Unlock()

	e := x64asm.NewEmitter(40)
	e.MovRImm64(x64asm.RDI, uint64(idx))
	e.MovRImm64(x64asm.R11, uint64(rt.trampolineBridgeAddr))
	e.CallIndirect(x64asm.R11)
	e.MovRR(x64asm.R11, x64asm.RAX)
	e.JmpIndirect(x64asm.R11)

	reservation, err := rt.CodeHeap.Reserve(e.Len(), int64(key.AssemblyID))
	if err != nil {
		return 0, fmt.Errorf("corert: reserving trampoline: %w", err)
	}
	copy(reservation.Bytes, e.Bytes())
	return reservation.Publish()
}

// resolveTrampoline is the Go-implemented logic backing every trampoline's
// native call: idxArg is the RDI value a trampoline loaded, identifying
// which MethodKey it stands for. It triggers compilation on the first
// caller to reach it, blocks any other concurrent caller until that
// finishes, and returns the real native entry point in all cases.
func (rt *Runtime) resolveTrampoline(idxArg, _ uintptr) uintptr {
	rt.trampMu.Lock()
	key := rt.trampolineKeys[idxArg]
	rt.trampMu.Unlock()

	rec, ok := rt.Methods.Lookup(key)
	if !ok {
		rt.halt(fmt.Sprintf("corert: trampoline index %d names an unreserved method %v", idxArg, key))
	}
	if rec.State() != registry.StateReady {
		if rec.BeginCompiling() {
			if err := rt.compileNow(key, rec); err != nil {
				// A method that fails to compile (unsupported opcode,
				// malformed metadata) is a CompilationFailed condition the
				// caller raised as ordinary managed code can observe, not a
				// runtime-invariant violation.
				return rt.raiseNow(rt.newManagedError(rt.wellKnown.invalidProgram))
			}
		} else {
			for rec.State() != registry.StateReady {
				runtime.Gosched()
			}
		}
	}
	entry, _, _, _, _ := rec.Snapshot()
	return uintptr(entry)
}

// compileNow performs the actual Tier-0 compilation of key's method body
// and publishes the result, run by whichever caller won BeginCompiling.
func (rt *Runtime) compileNow(key registry.MethodKey, rec *registry.MethodRecord) error {
	st, err := rt.stateFor(key.AssemblyID)
	if err != nil {
		return err
	}
	info, ok := st.methods[key.Token]
	if !ok {
		return fmt.Errorf("corert: method token %#x not found in assembly %d", key.Token, key.AssemblyID)
	}

	input, err := rt.buildMethodInput(st, info)
	if err != nil {
		return err
	}

	compiler := jit.New(rt.CodeHeap, rt.resolverFor(key.AssemblyID), rt.helpers)
	result, err := compiler.CompileMethod(input)
	if err != nil {
		return err
	}

	rt.Unwind.Register(result.UnwindEntry)
	rt.methodMu.Lock()
	rt.stackMaps[result.UnwindEntry.Begin] = result.StackMap
	rt.methodMu.Unlock()
	if result.Clauses != nil {
		rt.EH.Register(result.Clauses)
	}
	rec.Finish(result.Entry, result.CodeLength, result.PrologueLength, result.StackMap, result.Clauses)
	return nil
}

// buildMethodInput decodes info's CIL body out of its assembly's raw image
// and assembles the jit.MethodInput the compiler needs: locals (from its
// StandAloneSig, if any), parameter shapes, and EH clauses translated from
// image-relative raw clauses into ehdispatch-ready specs.
func (rt *Runtime) buildMethodInput(st *assemblyState, info methodDefInfo) (jit.MethodInput, error) {
	off, err := st.img.RVAOffset(info.rva)
	if err != nil {
		return jit.MethodInput{}, fmt.Errorf("corert: method %s: %w", info.name, err)
	}
	raw := st.img.Bytes()[off:]
	hdr, err := decodeMethodHeader(raw)
	if err != nil {
		return jit.MethodInput{}, fmt.Errorf("corert: method %s: %w", info.name, err)
	}

	var locals []jit.Local
	if hdr.LocalVarSigTok != 0 {
		if metadata.TokenKind(hdr.LocalVarSigTok) != metadata.TableStandAloneSig {
			return jit.MethodInput{}, fmt.Errorf("corert: method %s: unexpected local var sig token kind", info.name)
		}
		row, err := st.view.Row(metadata.TableStandAloneSig, metadata.TokenRID(hdr.LocalVarSigTok))
		if err != nil {
			return jit.MethodInput{}, err
		}
		blob, err := st.view.Blob(row[0])
		if err != nil {
			return jit.MethodInput{}, err
		}
		types, err := metadata.DecodeLocalVarSig(blob)
		if err != nil {
			return jit.MethodInput{}, fmt.Errorf("corert: method %s locals: %w", info.name, err)
		}
		for _, t := range types {
			shp, err := rt.resolveTypeSig(st, t)
			if err != nil {
				return jit.MethodInput{}, err
			}
			locals = append(locals, jit.Local{Tag: shp.Tag, Size: shp.Size, IsRef: shp.IsRef})
		}
	}

	var params []jit.Param
	if !info.isStatic {
		params = append(params, jit.Param{Tag: typesystem.TagInt, Size: 8, IsRef: true})
	}
	for _, p := range info.sig.Params {
		shp, err := rt.resolveTypeSig(st, p)
		if err != nil {
			return jit.MethodInput{}, err
		}
		params = append(params, jit.Param{Tag: shp.Tag, Size: shp.Size, IsRef: shp.IsRef})
	}

	var hasRet bool
	var retTag typesystem.SlotTag
	if info.sig.RetType.Elem != metadata.ElemVoid {
		shp, err := rt.resolveTypeSig(st, info.sig.RetType)
		if err != nil {
			return jit.MethodInput{}, err
		}
		hasRet = true
		retTag = shp.Tag
	}

	clauses, err := rt.buildClauseSpecs(st, hdr.Clauses)
	if err != nil {
		return jit.MethodInput{}, err
	}

	return jit.MethodInput{
		AssemblyID: st.rec.ID,
		Token:      info.token,
		Body:       hdr.Code,
		Locals:     locals,
		Params:     params,
		HasRet:     hasRet,
		RetTag:     retTag,
		Clauses:    clauses,
		IsInstance: !info.isStatic,
	}, nil
}

func (rt *Runtime) buildClauseSpecs(st *assemblyState, raw []rawClause) ([]jit.ClauseSpec, error) {
	out := make([]jit.ClauseSpec, 0, len(raw))
	for _, rc := range raw {
		spec := jit.ClauseSpec{
			Kind:           rc.Kind,
			TryStartIL:     int(rc.TryOffset),
			TryEndIL:       int(rc.TryOffset + rc.TryLength),
			HandlerStartIL: int(rc.HandlerOffset),
			HandlerEndIL:   int(rc.HandlerOffset + rc.HandlerLength),
		}
		if rc.Kind == ehdispatch.ClauseFilter {
			spec.FilterStartIL = int(rc.FilterOffset)
		}
		if rc.Kind == ehdispatch.ClauseCatch {
			mt, err := rt.resolveTypeToken(st, rc.ClassToken)
			if err != nil {
				return nil, fmt.Errorf("corert: EH clause class token: %w", err)
			}
			spec.CatchType = mt
		}
		out = append(out, spec)
	}
	return out, nil
}
