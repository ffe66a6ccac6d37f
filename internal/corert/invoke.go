// ResolveAndInvoke and the rest of the facade spec.md §6 names: the thin
// public surface a boot shim or test harness drives the runtime through,
// implemented in terms of the packages this file's siblings already wire.
//
// Grounded on the teacher's own top-level driver (cmd/rtg's call into
// std/compiler to resolve a function by name and run it) generalized from
// "run the program's own entry point" to "resolve an arbitrary method by
// owning type and name, marshal args, and call it".
package corert

import (
	"fmt"

	"kernrt/internal/kernelapi"
	"kernrt/internal/registry"
)

// ResolveAndInvoke looks up typeName.methodName in the given assembly,
// compiling it on demand via the usual trampoline path, and calls it with
// args already marshaled into one native word per parameter slot (a
// multi-word value-type argument is several consecutive entries, matching
// jit.Param's own slot-counting rules — spec.md §4.9's calling-convention
// matrix). It returns the callee's single-word result; a method with no
// return value yields zero.
func (rt *Runtime) ResolveAndInvoke(assemblyID registry.AssemblyID, typeName, methodName string, args []uintptr) (uintptr, error) {
	st, err := rt.stateFor(assemblyID)
	if err != nil {
		return 0, err
	}
	mt, ok := st.typesByName[typeName]
	if !ok {
		return 0, fmt.Errorf("corert: type %s not found", typeName)
	}
	byName, ok := st.methodsByOwner[mt.TypeToken]
	if !ok {
		return 0, fmt.Errorf("corert: type %s declares no methods", typeName)
	}
	methodToken, ok := byName[methodName]
	if !ok {
		return 0, fmt.Errorf("corert: method %s.%s not found", typeName, methodName)
	}

	key := registry.MethodKey{AssemblyID: assemblyID, Token: methodToken}
	entry, err := rt.ensureCallable(key)
	if err != nil {
		return 0, err
	}
	return rt.Invoke(entry, args)
}

// Invoke calls an already-resolved native entry point directly, bypassing
// name lookup — the seam ResolveAndInvoke itself uses, exposed separately
// for callers that already hold a kernelapi.VirtAddr (e.g. a cached
// entry point, or a vtable slot resolved earlier).
func (rt *Runtime) Invoke(entry kernelapi.VirtAddr, args []uintptr) (uintptr, error) {
	if rt.bridge == nil {
		return 0, fmt.Errorf("corert: no native bridge configured")
	}
	return rt.bridge.InvokeMethod(entry, args), nil
}

// ReadString decodes a System.String object's content back into a Go
// string, for a harness inspecting a ResolveAndInvoke result it knows to be
// string-typed.
func (rt *Runtime) ReadString(addr kernelapi.VirtAddr) string {
	return readManagedString(addr)
}

// Intern is the public facade over the string pool's interning path
// (spec.md §4.11): ldstr always interns, and host code wanting to hand a
// managed string literal to a resolved method needs the same path.
func (rt *Runtime) Intern(content string) (kernelapi.VirtAddr, error) {
	return rt.Strings.Intern(content)
}

// LoadUserString is the public facade over the per-token user string path
// (spec.md §4.11): the one ldstr uses internally, exposed so a harness can
// materialize a #US blob's content without compiling the method that
// references it.
func (rt *Runtime) LoadUserString(assemblyID registry.AssemblyID, token uint32, content string) (kernelapi.VirtAddr, error) {
	return rt.Strings.LoadUserString(int64(assemblyID), token, content)
}

// AllocObject is the public facade over object allocation (spec.md §6):
// a harness constructing a managed object without going through newobj
// (e.g. seeding test fixtures) allocates through here rather than reaching
// into allocObject directly.
func (rt *Runtime) AllocObject(mt kernelapi.VirtAddr) (kernelapi.VirtAddr, error) {
	return rt.allocObject(mtFromAddr(uintptr(mt)))
}

// AllocArray is the public facade over array allocation (spec.md §6),
// mirroring AllocObject's role for the array shape.
func (rt *Runtime) AllocArray(mt kernelapi.VirtAddr, length int) (kernelapi.VirtAddr, error) {
	return rt.allocArray(mtFromAddr(uintptr(mt)), length)
}

// Throw is the public facade over the same raiseObject path helperThrow
// drives from compiled code (spec.md §6): a harness simulating an
// externally-triggered throw (as opposed to one compiled bytecode emits)
// enters dispatch through here.
func (rt *Runtime) Throw(obj kernelapi.VirtAddr) {
	rt.raiseObject(uintptr(obj))
}

// LookupType resolves typeName within the given assembly to its MethodTable
// address, for a harness that needs to allocate instances of a named type
// directly (AllocObject, AllocArray) rather than through a compiled
// newobj/newarr instruction.
func (rt *Runtime) LookupType(assemblyID registry.AssemblyID, typeName string) (kernelapi.VirtAddr, error) {
	st, err := rt.stateFor(assemblyID)
	if err != nil {
		return 0, err
	}
	mt, ok := st.typesByName[typeName]
	if !ok {
		return 0, fmt.Errorf("corert: type %s not found", typeName)
	}
	return mtAddr(mt), nil
}

// RegisterStaticRoot lets a harness pin down an additional GC root beyond
// the ones AssemblyRegistry.StaticRoots already tracks automatically — for
// a reference held purely on the Go side of the boundary (a pending
// ResolveAndInvoke argument, say) that would otherwise look unreachable to
// the collector between a harness's own calls.
func (rt *Runtime) RegisterStaticRoot(addr kernelapi.VirtAddr) {
	rt.extraRootsMu.Lock()
	rt.extraRoots = append(rt.extraRoots, addr)
	rt.extraRootsMu.Unlock()
}
