package corert

import "kernrt/internal/kernelapi"

// rootProvider implements gc.RootProvider over a Runtime's own registries:
// every loaded assembly's static fields plus the string intern pool, the two
// permanent root sets spec.md §4.5 names alongside frozen thread stacks.
type rootProvider struct {
	rt *Runtime
}

func (r rootProvider) StaticRoots() []kernelapi.VirtAddr {
	out := r.rt.Assemblies.StaticRoots()
	r.rt.extraRootsMu.Lock()
	out = append(out, r.rt.extraRoots...)
	r.rt.extraRootsMu.Unlock()
	return out
}

func (r rootProvider) InternRoots() []kernelapi.VirtAddr {
	return r.rt.Strings.InternRoots()
}
