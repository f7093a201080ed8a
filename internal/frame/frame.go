// Package frame implements the physical frame allocator and the
// FrameTracker ownership handle, modeled on mem/mem.go's Physmem_t
// (refcounted free list, Dmap direct-map view) with the per-CPU free lists
// dropped (this core targets a single CPU, per spec.md's Non-goals) and the
// teacher's custom-runtime-backed physical memory replaced by a plain byte
// arena standing in for RAM -- the physical frame allocator itself is named
// as an out-of-scope collaborator by spec.md §1 ("alloc/dealloc physical
// frame"), so this package is the minimal faithful stand-in the rest of the
// core needs to exercise against.
package frame

import (
	"sync"

	"duokernel/internal/addr"
)

// Allocator owns a fixed arena of physical memory and hands out pages by
// reference count, exactly like mem.Physmem_t's Refup/Refdown pair.
type Allocator struct {
	mu      sync.Mutex
	arena   []byte
	base    addr.PhysPageNum
	npages  int
	refcnt  []int32
	free    []int // stack of free page indices
}

// NewAllocator reserves npages pages of simulated physical RAM starting at
// base, mirroring mem.Phys_init's "reserve N pages" log-and-go setup.
func NewAllocator(base addr.PhysPageNum, npages int) *Allocator {
	a := &Allocator{
		arena:  make([]byte, npages*addr.PageSize),
		base:   base,
		npages: npages,
		refcnt: make([]int32, npages),
		free:   make([]int, npages),
	}
	for i := 0; i < npages; i++ {
		a.free[i] = npages - 1 - i
	}
	return a
}

func (a *Allocator) idx(p addr.PhysPageNum) int {
	i := int(p - a.base)
	if i < 0 || i >= a.npages {
		panic("frame: physical page out of arena range")
	}
	return i
}

// Dmap returns the kernel-visible byte slice backing physical page p, the
// direct-map analog of mem.Physmem_t.Dmap.
func (a *Allocator) Dmap(p addr.PhysPageNum) []byte {
	i := a.idx(p)
	return a.arena[i*addr.PageSize : (i+1)*addr.PageSize]
}

// Alloc reserves one zero-filled page with refcount 1 and returns a
// FrameTracker owning it, or ok=false if the arena is exhausted.
func (a *Allocator) Alloc() (*FrameTracker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return nil, false
	}
	i := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.refcnt[i] = 1
	ppn := a.base + addr.PhysPageNum(i)
	clear(a.arena[i*addr.PageSize : (i+1)*addr.PageSize])
	return &FrameTracker{alloc: a, ppn: ppn}, true
}

// Refup increments the reference count of an already-allocated page, used
// when a second owner (e.g. a COW mapping) starts sharing it.
func (a *Allocator) Refup(p addr.PhysPageNum) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcnt[a.idx(p)]++
}

// Refdown decrements the reference count and returns the page to the free
// list when it reaches zero, returning true in that case.
func (a *Allocator) Refdown(p addr.PhysPageNum) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(p)
	a.refcnt[i]--
	if a.refcnt[i] < 0 {
		panic("frame: refcount underflow")
	}
	if a.refcnt[i] == 0 {
		a.free = append(a.free, i)
		return true
	}
	return false
}

// Refcnt reports the current reference count of a page, for invariant
// checks and diagnostics.
func (a *Allocator) Refcnt(p addr.PhysPageNum) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.refcnt[a.idx(p)])
}

// FreeCount reports how many pages remain unallocated.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// FrameTracker is the exclusive ownership token for one physical page
// described in spec.md §3: dropping it (Free) returns the page to the
// allocator. Unlike Go's GC-managed values, callers must call Free
// explicitly -- there is no finalizer, matching the teacher's explicit
// Refdown-on-drop discipline throughout vm/as.go.
type FrameTracker struct {
	alloc *Allocator
	ppn   addr.PhysPageNum
	freed bool
}

// PPN returns the physical page number this tracker owns.
func (f *FrameTracker) PPN() addr.PhysPageNum { return f.ppn }

// Bytes returns the kernel-visible byte slice for this page.
func (f *FrameTracker) Bytes() []byte { return f.alloc.Dmap(f.ppn) }

// Free releases ownership of the page back to the allocator. It is a
// programming error to call Free twice or to use the tracker afterward.
func (f *FrameTracker) Free() {
	if f.freed {
		panic("frame: double free")
	}
	f.freed = true
	f.alloc.Refdown(f.ppn)
}
