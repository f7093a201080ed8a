// Package vm implements the address-space objects from spec.md §3/§4.2:
// MapArea, MemorySet, ELF loading, mmap/munmap/brk, and copy-on-fork via a
// deep clone. Grounded on vm/as.go's Vm_t (Vmregion, Pmap, Page_insert,
// Sys_pgfault) generalized from the teacher's single-ISA x86 target to the
// spec's SV39/LoongArch pair via pagetable.PageTable.
package vm

import (
	"duokernel/internal/addr"
	"duokernel/internal/frame"
	"duokernel/internal/pte"
)

// MapType selects how a MapArea's virtual pages are backed by physical
// memory, per spec.md §3.
type MapType int

const (
	// Identical maps vpn == ppn, used by kernel identity mappings.
	Identical MapType = iota
	// Framed backs each vpn with a freshly allocated, tracked frame.
	Framed
	// Linear maps ppn = vpn + offset, a fixed displacement.
	Linear
)

// MapPermission is a subset of {Read, Write, Execute, User}.
type MapPermission = pte.Flag

const (
	PermR = pte.Read
	PermW = pte.Write
	PermX = pte.Execute
	PermU = pte.User
)

// MapArea is a contiguous virtual-page range with uniform mapping type and
// permission, per spec.md §3. Its invariant: frames outlive page-table
// entries -- Unmap always both clears PTEs and releases frames.
type MapArea struct {
	Range         addr.VPNRange
	Type          MapType
	Perm          MapPermission
	LinearOffset  int64 // Type == Linear: ppn = vpn + offset
	Frames        map[addr.VirtPageNum]*frame.FrameTracker
}

// NewMapArea constructs an area over the given half-open VPN range.
func NewMapArea(r addr.VPNRange, t MapType, perm MapPermission) *MapArea {
	a := &MapArea{Range: r, Type: t, Perm: perm}
	if t == Framed {
		a.Frames = make(map[addr.VirtPageNum]*frame.FrameTracker)
	}
	return a
}

func (a *MapArea) pteFlags() pte.Flag {
	return pte.Valid | a.Perm
}

// mapOne installs the mapping for a single vpn into pt, allocating a frame
// from alloc for Framed areas.
func (a *MapArea) mapOne(pt pageTable, alloc *frame.Allocator, vpn addr.VirtPageNum) bool {
	var ppn addr.PhysPageNum
	switch a.Type {
	case Identical:
		ppn = addr.PhysPageNum(vpn)
	case Linear:
		ppn = addr.PhysPageNum(int64(vpn) + a.LinearOffset)
	case Framed:
		f, ok := alloc.Alloc()
		if !ok {
			return false
		}
		a.Frames[vpn] = f
		ppn = f.PPN()
	}
	pt.Map(vpn, ppn, a.pteFlags())
	return true
}

// Map installs every page in the area's range into pt.
func (a *MapArea) Map(pt pageTable, alloc *frame.Allocator) bool {
	for _, vpn := range a.Range.All() {
		if !a.mapOne(pt, alloc, vpn) {
			return false
		}
	}
	return true
}

// Unmap clears every PTE in the area's range and releases any frames it
// owns, per the MapArea invariant.
func (a *MapArea) Unmap(pt pageTable) {
	for _, vpn := range a.Range.All() {
		if a.Type == Framed {
			if f, ok := a.Frames[vpn]; ok {
				f.Free()
				delete(a.Frames, vpn)
			}
		}
		pt.Unmap(vpn)
	}
}

// CopyData writes the initial bytes of a Framed area, matching spec.md
// §4.2's "push(area, optional_initial_bytes)" for ELF segment loading: the
// data is copied page by page starting at the area's first VPN, and any
// remaining bytes in the last partial page are left zero (the trailing BSS
// part of a Load segment).
func (a *MapArea) CopyData(alloc *frame.Allocator, data []byte) {
	if a.Type != Framed {
		panic("vm: CopyData on a non-framed area")
	}
	vpn := a.Range.Start
	off := 0
	for off < len(data) {
		f, ok := a.Frames[vpn]
		if !ok {
			panic("vm: CopyData before Map")
		}
		n := copy(f.Bytes(), data[off:])
		off += n
		vpn = vpn.Step()
	}
}

// CloneInto deep-copies a's backing bytes page by page into a fresh area of
// the same shape in dst, per spec.md §4.2's from_existed_user.
func (a *MapArea) CloneInto(pt pageTable, alloc *frame.Allocator) *MapArea {
	n := NewMapArea(a.Range, a.Type, a.Perm)
	n.LinearOffset = a.LinearOffset
	if !n.Map(pt, alloc) {
		panic("vm: out of memory cloning address space")
	}
	if a.Type == Framed {
		for _, vpn := range a.Range.All() {
			src := a.Frames[vpn].Bytes()
			dst := n.Frames[vpn].Bytes()
			copy(dst, src)
		}
	}
	return n
}

// pageTable is the narrow slice of pagetable.PageTable that MapArea needs,
// accepted as a local interface per Go convention (accept interfaces,
// return structs) rather than the full capability set MemorySet uses.
type pageTable interface {
	Map(vpn addr.VirtPageNum, ppn addr.PhysPageNum, flags pte.Flag)
	Unmap(vpn addr.VirtPageNum)
	FindPTEOrCreate(vpn addr.VirtPageNum) (*pte.PTE, bool)
	FindPTE(vpn addr.VirtPageNum) (*pte.PTE, bool)
}
