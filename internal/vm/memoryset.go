package vm

import (
	"sort"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/pagetable"
	"duokernel/internal/pte"
)

// MemorySet is a complete address space: one PageTable, the areas it owns,
// and the brk/heap bookkeeping, per spec.md §3.
type MemorySet struct {
	Arch  addr.Arch
	Alloc *frame.Allocator
	PT    pagetable.PageTable
	Areas []*MapArea // kept sorted by Range.Start; satisfies the "every
	// VPN covered by exactly one area" invariant by construction

	HeapStart addr.VirtAddr
	Brk       addr.VirtAddr

	// trampoline/trap-context pages are installed directly and are *not*
	// tracked in Areas, per spec.md §3's MemorySet invariant.
	trampolinePPN addr.PhysPageNum
	trapCtxPPN    map[int]addr.PhysPageNum // by trap-context VA
}

// New creates an empty user address space with a fresh owning page table.
func New(a addr.Arch, alloc *frame.Allocator) (*MemorySet, bool) {
	var pt pagetable.PageTable
	var ok bool
	switch a.ISA {
	case addr.RISCV64:
		pt, ok = pagetable.NewSV39(alloc)
	case addr.LoongArch64:
		pt, ok = pagetable.NewLoongArch(alloc)
	}
	if !ok {
		return nil, false
	}
	return &MemorySet{Arch: a, Alloc: alloc, PT: pt, trapCtxPPN: map[int]addr.PhysPageNum{}}, true
}

func (ms *MemorySet) insertSorted(a *MapArea) {
	i := sort.Search(len(ms.Areas), func(i int) bool { return ms.Areas[i].Range.Start >= a.Range.Start })
	ms.Areas = append(ms.Areas, nil)
	copy(ms.Areas[i+1:], ms.Areas[i:])
	ms.Areas[i] = a
}

// overlaps reports whether r overlaps any existing area.
func (ms *MemorySet) overlaps(r addr.VPNRange) bool {
	for _, a := range ms.Areas {
		if a.Range.Overlaps(r) {
			return true
		}
	}
	return false
}

// Push inserts area into the set, mapping it and optionally copying initial
// bytes into it, per spec.md §4.2's "push(area, optional_initial_bytes)".
func (ms *MemorySet) Push(a *MapArea, data []byte) errno.Errno {
	if ms.overlaps(a.Range) {
		panic("vm: overlapping map area pushed")
	}
	if !a.Map(ms.PT, ms.Alloc) {
		return errno.ENOMEM
	}
	if data != nil {
		a.CopyData(ms.Alloc, data)
	}
	ms.insertSorted(a)
	return errno.OK
}

// InsertFramedArea is a convenience wrapper for the common Framed+no-data
// case.
func (ms *MemorySet) InsertFramedArea(start, end addr.VirtAddr, perm MapPermission) errno.Errno {
	a := NewMapArea(addr.VPNRange{Start: start.Floor(), End: end.Ceil()}, Framed, perm)
	return ms.Push(a, nil)
}

// RemoveAreaWithStartVPN unmaps and removes the area beginning at start, if
// any, returning true on success.
func (ms *MemorySet) RemoveAreaWithStartVPN(start addr.VirtPageNum) bool {
	for i, a := range ms.Areas {
		if a.Range.Start == start {
			a.Unmap(ms.PT)
			ms.Areas = append(ms.Areas[:i], ms.Areas[i+1:]...)
			return true
		}
	}
	return false
}

// findArea returns the area exactly matching [start, end), if any.
func (ms *MemorySet) findArea(start, end addr.VirtPageNum) (*MapArea, int) {
	for i, a := range ms.Areas {
		if a.Range.Start == start && a.Range.End == end {
			return a, i
		}
	}
	return nil, -1
}

// ExpandHeap grows the heap to newBrk by inserting a new Framed R+W+U area
// over the newly included pages; shrinking is not supported, per spec.md
// §4.2.
func (ms *MemorySet) ExpandHeap(newBrk addr.VirtAddr) (addr.VirtAddr, errno.Errno) {
	if newBrk < ms.Brk {
		return ms.Brk, errno.OK
	}
	oldEnd := ms.Brk.Ceil()
	newEnd := newBrk.Ceil()
	if newEnd > oldEnd {
		a := NewMapArea(addr.VPNRange{Start: oldEnd, End: newEnd}, Framed, PermR|PermW|PermU)
		if err := ms.Push(a, nil); err != errno.OK {
			return ms.Brk, err
		}
	}
	ms.Brk = newBrk
	return ms.Brk, errno.OK
}

// findFreeArea scans upward from ms.Brk for a page-aligned run of n pages
// that doesn't overlap any existing area, per spec.md §4.2's mmap step 1.
func (ms *MemorySet) findFreeArea(n int) addr.VirtPageNum {
	cand := ms.Brk.Ceil()
	for {
		r := addr.VPNRange{Start: cand, End: cand + addr.VirtPageNum(n)}
		if !ms.overlaps(r) {
			return cand
		}
		// advance past whichever area we collided with
		for _, a := range ms.Areas {
			if a.Range.Overlaps(r) {
				cand = a.Range.End
				break
			}
		}
	}
}

// MmapFile is the narrow file-capability slice Mmap needs to copy bytes
// from a backing file, matching spec.md §4.2's "file.size"/"read_at".
type MmapFile interface {
	Size() int64
	ReadAt(off int64, buf []byte) (int, errno.Errno)
}

// Mmap implements spec.md §4.2. start == 0 means "kernel chooses".
func (ms *MemorySet) Mmap(start addr.VirtAddr, length int, perm MapPermission, shared bool, file MmapFile, off int64) (addr.VirtAddr, errno.Errno) {
	if length <= 0 {
		return 0, errno.EINVAL
	}
	npages := int(addr.VirtAddr(length).Ceil())
	var startVPN addr.VirtPageNum
	if start == 0 {
		startVPN = ms.findFreeArea(npages)
		end := startVPN + addr.VirtPageNum(npages)
		// per spec.md §4.2 step 1: "on success move brk past the returned
		// region".
		ms.Brk = end.Addr()
	} else {
		if !start.Aligned() {
			return 0, errno.EINVAL
		}
		startVPN = start.Floor()
		r := addr.VPNRange{Start: startVPN, End: startVPN + addr.VirtPageNum(npages)}
		if ms.overlaps(r) {
			return 0, errno.EINVAL
		}
	}
	r := addr.VPNRange{Start: startVPN, End: startVPN + addr.VirtPageNum(npages)}
	a := NewMapArea(r, Framed, perm)
	if err := ms.Push(a, nil); err != errno.OK {
		return 0, err
	}
	if file != nil {
		n := int(file.Size())
		if n > length {
			n = length
		}
		buf := make([]byte, n)
		if _, err := file.ReadAt(off, buf); err != errno.OK {
			return 0, err
		}
		a.CopyData(ms.Alloc, buf)
	}
	_ = shared // shared vs. private only matters once writeback exists; out
	// of scope per spec.md §1 (no demand paging of file content beyond this
	// eager copy).
	return startVPN.Addr(), errno.OK
}

// Munmap implements spec.md §4.2: the range must exactly match one
// existing area.
func (ms *MemorySet) Munmap(start addr.VirtAddr, length int) errno.Errno {
	if !start.Aligned() {
		return errno.EINVAL
	}
	startVPN := start.Floor()
	endVPN := addr.VirtAddr(int64(start) + int64(length)).Ceil()
	if _, i := ms.findArea(startVPN, endVPN); i < 0 {
		return errno.EINVAL
	}
	if !ms.RemoveAreaWithStartVPN(startVPN) {
		return errno.EINVAL
	}
	return errno.OK
}

// Translate delegates to the page table.
func (ms *MemorySet) Translate(vpn addr.VirtPageNum) (pte.PTE, bool) {
	return ms.PT.Translate(vpn)
}

// Token returns the page-table token for activation.
func (ms *MemorySet) Token() pagetable.Token { return ms.PT.Token() }

// Activate is a placeholder for loading ms's token into the CPU's
// page-table base register and flushing the TLB -- both are properties of
// the real hardware/assembly collaborator named in spec.md §1, so here it
// does nothing; uaccess translates through the MemorySet it is passed.
func (ms *MemorySet) Activate() {}

// RecycleDataPages releases every Framed area's frames (but leaves the
// trampoline/trap-context mappings, which outlive it), per spec.md §4.3's
// process-exit path.
func (ms *MemorySet) RecycleDataPages() {
	for _, a := range ms.Areas {
		a.Unmap(ms.PT)
	}
	ms.Areas = nil
}

// Uvmfree tears down the entire address space: every area plus the page
// table's own interior frames, per vm/as.go's Uvmfree.
func (ms *MemorySet) Uvmfree() {
	ms.RecycleDataPages()
	ms.PT.Free()
}

// MapTrampoline installs the single trampoline page outside the tracked
// area list, per spec.md §3/§4.2.
func (ms *MemorySet) MapTrampoline(trampolineVA addr.VirtAddr, ppn addr.PhysPageNum) {
	ms.trampolinePPN = ppn
	ms.PT.Map(trampolineVA.Floor(), ppn, pte.Valid|pte.Read|pte.Execute)
}

// TrampolinePPN returns the physical page backing this address space's
// trampoline mapping, so a freshly built user MemorySet can map the same
// physical page the kernel's own MemorySet uses.
func (ms *MemorySet) TrampolinePPN() addr.PhysPageNum { return ms.trampolinePPN }

// MapTrapContext installs a thread's trap-context page at its well-known
// virtual address, outside the tracked area list.
func (ms *MemorySet) MapTrapContext(va addr.VirtAddr, f *frame.FrameTracker) {
	ms.trapCtxPPN[int(va)] = f.PPN()
	ms.PT.Map(va.Floor(), f.PPN(), pte.Valid|pte.Read|pte.Write)
}

// UnmapTrapContext removes a thread's trap-context mapping (but the caller
// owns the frame and must free it separately, since this method does not
// track it in Areas).
func (ms *MemorySet) UnmapTrapContext(va addr.VirtAddr) {
	ms.PT.Unmap(va.Floor())
	delete(ms.trapCtxPPN, int(va))
}

// FromExistedUser deep-clones every area's bytes into fresh frames in a new
// address space, per spec.md §4.2's from_existed_user. Trap-context pages
// are deliberately NOT copied -- the child's thread allocates its own.
func FromExistedUser(other *MemorySet) (*MemorySet, bool) {
	ms, ok := New(other.Arch, other.Alloc)
	if !ok {
		return nil, false
	}
	for _, a := range other.Areas {
		ms.insertSorted(a.CloneInto(ms.PT, ms.Alloc))
	}
	ms.HeapStart = other.HeapStart
	ms.Brk = other.Brk
	return ms, true
}
