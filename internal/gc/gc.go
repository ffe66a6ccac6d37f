// Package gc implements GC (spec.md §4.5): a stop-the-world, precise
// mark-sweep collector over the region-backed gcheap.Heap, using
// stackmap.Table-driven root enumeration of frozen thread stacks plus
// static and intern-pool roots.
//
// Grounded on f9c66cbd_golang-debug__internal-gocore-process.go's
// header-driven heap walk (discover every live block by its header, then
// trace outgoing pointers) and the mark-bit/sweep bookkeeping idiom shared
// by 1b1f4780_yaofei517-go__src-runtime-mstats.go and
// 57bcd376_dut3062796s-go-2__src-pkg-runtime-malloc.go.
package gc

import (
	"fmt"
	"sync/atomic"

	"kernrt/internal/gcheap"
	"kernrt/internal/kernelapi"
	"kernrt/internal/klog"
	"kernrt/internal/stackmap"
	"kernrt/internal/typesystem"
	"kernrt/internal/unwind"
)

// RootProvider enumerates the collector's non-stack roots: static fields
// across every loaded assembly and the string intern pool (spec.md §4.5's
// "statics and the intern pool are permanent roots").
type RootProvider interface {
	StaticRoots() []kernelapi.VirtAddr
	InternRoots() []kernelapi.VirtAddr
}

// ObjectTracer resolves one live object's outgoing managed-reference
// fields, consulting its MethodTable's GCDesc. This is the seam between
// the collector's address-only bookkeeping and the host's live memory view
// (typesystem.MethodTable resolution requires reading the object's header
// out of actual heap memory, which this package never touches directly).
type ObjectTracer interface {
	TraceReferences(objAddr uintptr) []uintptr
}

// StackWalker enumerates live object references held in frozen thread
// stacks, one per kernelapi.ThreadContext, by consulting the stack map and
// unwind table for each frame (spec.md §4.5/§4.6/§4.7 composed together).
type StackWalker struct {
	Unwind    *unwind.Table
	StackMaps map[kernelapi.VirtAddr]*stackmap.Table // keyed by unwind.Entry.Begin
	ReadStack unwind.StackReader
	ReadSlot  func(addr uintptr) uintptr // reads one eval-stack/local slot word
}

// Walk enumerates every live reference root reachable from ctx by
// repeatedly looking up the current PC's stack map, reporting live slots,
// then unwinding to the caller, stopping at the first frame outside
// managed code.
func (w *StackWalker) Walk(ctx unwind.Context, visit func(objAddr uintptr)) {
	pc := kernelapi.VirtAddr(ctx.RIP)
	for {
		entry, err := w.Unwind.Lookup(pc)
		if err != nil {
			return
		}
		sm := w.StackMaps[entry.Begin]
		if sm != nil {
			if sp, err := sm.Lookup(uint32(pc - entry.Begin)); err == nil {
				for slot := 0; slot < sm.SlotCount; slot++ {
					if !sp.IsLive(slot) {
						continue
					}
					addr := w.ReadSlot(ctx.RSP + uintptr(slot*8))
					if addr != 0 {
						visit(addr)
					}
				}
			}
		}
		ctx = unwind.VirtualUnwind(entry, ctx, w.ReadStack)
		pc = kernelapi.VirtAddr(ctx.RIP)
	}
}

// Collector runs stop-the-world precise mark-sweep over a gcheap.Heap.
type Collector struct {
	heap    *gcheap.Heap
	threads kernelapi.ThreadControl
	roots   RootProvider
	walker  *StackWalker
	tracer  ObjectTracer

	running int32 // atomic: 1 while a collection is in progress, guards re-entrant Collect
}

// New returns a Collector over heap, using threads to freeze/thaw mutator
// threads, roots/walker to enumerate roots, and tracer to follow outgoing
// references from each marked object.
func New(heap *gcheap.Heap, threads kernelapi.ThreadControl, roots RootProvider, walker *StackWalker, tracer ObjectTracer) *Collector {
	return &Collector{heap: heap, threads: threads, roots: roots, walker: walker, tracer: tracer}
}

// Stats summarizes one completed collection.
type Stats struct {
	Marked int
	Freed  int
	Regions int
}

// Collect runs exactly one stop-the-world mark-sweep cycle: freeze every
// other thread, enumerate roots, mark transitively via an explicit
// worklist (spec.md §4.5 forbids recursive marking to bound native stack
// use), sweep every region reclaiming unmarked blocks, then thaw.
// self identifies the calling thread so FreezeAllExcept can skip it.
func (c *Collector) Collect(self kernelapi.ThreadID) (Stats, error) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return Stats{}, fmt.Errorf("gc: collection already in progress")
	}
	defer atomic.StoreInt32(&c.running, 0)

	contexts, err := c.threads.FreezeAllExcept(self)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: FreezeAllExcept: %w", err)
	}
	defer func() {
		if err := c.threads.ThawAll(); err != nil {
			klog.Tracef("gc: ThawAll failed: %v", err)
		}
	}()

	marked := make(map[uintptr]bool)
	var worklist []uintptr
	push := func(addr uintptr) {
		if addr != 0 && !marked[addr] {
			marked[addr] = true
			worklist = append(worklist, addr)
		}
	}

	for _, r := range c.roots.StaticRoots() {
		push(uintptr(r))
	}
	for _, r := range c.roots.InternRoots() {
		push(uintptr(r))
	}
	for _, tc := range contexts {
		ctx := unwind.Context{RIP: tc.RIP, RSP: tc.RSP, RBP: tc.RBP}
		c.walker.Walk(ctx, push)
	}

	for len(worklist) > 0 {
		addr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		c.traceObject(addr, push)
	}

	freed, regions := c.sweep(marked)
	return Stats{Marked: len(marked), Freed: freed, Regions: regions}, nil
}

// traceObject asks the tracer for addr's outgoing reference fields and
// pushes each onto the worklist.
func (c *Collector) traceObject(addr uintptr, push func(uintptr)) {
	for _, ref := range c.tracer.TraceReferences(addr) {
		push(ref)
	}
}

// sweep walks every live region linearly by block header, reclaiming any
// block whose address was never marked. Returns the number of blocks freed
// and the region count walked.
func (c *Collector) sweep(marked map[uintptr]bool) (freed int, regions int) {
	for _, r := range c.heap.Regions() {
		regions++
		off := 0
		for off+typesystem.HeaderSize <= len(r.Bytes) {
			hdr := typesystem.DecodeHeader(r.Bytes[off : off+typesystem.HeaderSize])
			if hdr.BlockSize == 0 {
				break
			}
			objAddr := uintptr(r.Addr) + uintptr(off) + typesystem.HeaderSize
			if hdr.Flags&typesystem.FlagFree == 0 && !marked[objAddr] {
				if err := c.heap.Free(r.Addr+kernelapi.VirtAddr(off), int(hdr.BlockSize)); err == nil {
					freed++
				}
			}
			off += int(hdr.BlockSize)
		}
	}
	return freed, regions
}
