// Package pagetable implements the PageTable capability set from spec.md
// §3/§4.1: new/new_kernel/from_token/find-pte-or-create/find-pte/map/unmap/
// translate/activate/token, over both the SV39-style and the LoongArch-flex
// walk, sharing one interface. Grounded on vm/as.go's pmap_walk/Pmap_lookup
// pattern (separate find vs find-or-create) and mem.Pmap_t's page-as-PTE-
// array reinterpretation.
package pagetable

import (
	"duokernel/internal/addr"
	"duokernel/internal/frame"
	"duokernel/internal/pte"
)

// Token is the architecture-specific value the CPU's page-table base
// register is loaded with to activate an address space.
type Token uint64

// PageTable is the capability set every concrete page-table implementation
// exposes, per spec.md §3.
type PageTable interface {
	// FindPTEOrCreate walks from the root, allocating interior frames as
	// needed, and returns a pointer to the leaf PTE for vpn.
	FindPTEOrCreate(vpn addr.VirtPageNum) (*pte.PTE, bool)
	// FindPTE walks without creating; ok is false if an interior entry is
	// invalid.
	FindPTE(vpn addr.VirtPageNum) (*pte.PTE, bool)
	// Map installs vpn -> ppn with the given flags. It asserts the target
	// PTE is currently invalid.
	Map(vpn addr.VirtPageNum, ppn addr.PhysPageNum, flags pte.Flag)
	// Unmap clears the PTE for vpn. It asserts the target PTE is valid.
	Unmap(vpn addr.VirtPageNum)
	// Translate returns the PTE mapping vpn, if any.
	Translate(vpn addr.VirtPageNum) (pte.PTE, bool)
	// TranslateVA returns the physical address a virtual address maps to.
	TranslateVA(va addr.VirtAddr) (addr.PhysAddr, bool)
	// Token returns the architecture-specific activation value for this
	// table.
	Token() Token
	// OwnedFrames returns how many root and interior frames this table owns, for
	// Uvmfree-style teardown accounting.
	OwnedFrames() int
	// Free releases every frame this table owns (a no-op for a borrowed,
	// From_token handle).
	Free()
}

// walker is the shared walk/allocate logic for both architectures; SV39 and
// LoongArchFlex differ only in level count and token encoding, which is
// exactly the axis addr.Arch already parameterizes.
type walker struct {
	arch   addr.Arch
	alloc  *frame.Allocator
	root   addr.PhysPageNum
	owned  []*frame.FrameTracker // interior + root frames this table owns
	borrow bool                  // true for From_token handles: do not own frames
}

func newWalker(arch addr.Arch, alloc *frame.Allocator) (*walker, bool) {
	root, ok := alloc.Alloc()
	if !ok {
		return nil, false
	}
	return &walker{arch: arch, alloc: alloc, root: root.PPN(), owned: []*frame.FrameTracker{root}}, true
}

func asPage(alloc *frame.Allocator, ppn addr.PhysPageNum) *pte.Page {
	b := alloc.Dmap(ppn)
	return (*pte.Page)(pagePtr(b))
}

func (w *walker) walk(vpn addr.VirtPageNum, create bool) (*pte.PTE, bool) {
	idx := vpn.Indexes(w.arch)
	cur := w.root
	for level := 0; level < w.arch.PTLevels-1; level++ {
		page := asPage(w.alloc, cur)
		entry := &page[idx[level]]
		if !entry.IsValid() {
			if !create {
				return nil, false
			}
			nf, ok := w.alloc.Alloc()
			if !ok {
				return nil, false
			}
			w.owned = append(w.owned, nf)
			*entry = pte.New(nf.PPN(), pte.Valid)
			cur = nf.PPN()
		} else {
			cur = entry.PPN()
		}
	}
	last := asPage(w.alloc, cur)
	return &last[idx[w.arch.PTLevels-1]], true
}

func (w *walker) FindPTEOrCreate(vpn addr.VirtPageNum) (*pte.PTE, bool) {
	return w.walk(vpn, true)
}

func (w *walker) FindPTE(vpn addr.VirtPageNum) (*pte.PTE, bool) {
	return w.walk(vpn, false)
}

func (w *walker) Map(vpn addr.VirtPageNum, ppn addr.PhysPageNum, flags pte.Flag) {
	p, ok := w.FindPTEOrCreate(vpn)
	if !ok {
		panic("pagetable: out of memory while mapping")
	}
	if p.IsValid() {
		panic("pagetable: remapping a valid vpn")
	}
	*p = pte.New(ppn, flags|pte.Valid)
}

func (w *walker) Unmap(vpn addr.VirtPageNum) {
	p, ok := w.FindPTE(vpn)
	if !ok || !p.IsValid() {
		panic("pagetable: unmapping an invalid vpn")
	}
	*p = 0
}

func (w *walker) Translate(vpn addr.VirtPageNum) (pte.PTE, bool) {
	p, ok := w.FindPTE(vpn)
	if !ok || !p.IsValid() {
		return 0, false
	}
	return *p, true
}

func (w *walker) TranslateVA(va addr.VirtAddr) (addr.PhysAddr, bool) {
	p, ok := w.Translate(va.Floor())
	if !ok {
		return 0, false
	}
	return addr.PhysAddr(uint64(p.PPN())<<addr.PageShift | va.PageOffset()), true
}

func (w *walker) OwnedFrames() int { return len(w.owned) }

// Free releases every interior/root frame this table owns. A borrowed
// (From_token) table must not call this -- it does not own any frames.
func (w *walker) Free() {
	if w.borrow {
		return
	}
	for _, f := range w.owned {
		f.Free()
	}
	w.owned = nil
}

// SV39Table implements PageTable over the RISC-V-class 3-level walk. Its
// token format is `8<<60 | root_ppn`, per spec.md §6.
type SV39Table struct{ *walker }

// NewSV39 allocates a fresh, owning SV39 page table.
func NewSV39(alloc *frame.Allocator) (*SV39Table, bool) {
	w, ok := newWalker(addr.SV39, alloc)
	if !ok {
		return nil, false
	}
	return &SV39Table{w}, true
}

// SV39FromToken builds a non-owning handle over an already-activated table,
// for transient translation use (spec.md §4.1's "transient non-owning page
// table handle").
func SV39FromToken(alloc *frame.Allocator, tok Token) *SV39Table {
	root := addr.PhysPageNum(uint64(tok) & ((1 << 44) - 1))
	return &SV39Table{&walker{arch: addr.SV39, alloc: alloc, root: root, borrow: true}}
}

func (t *SV39Table) Token() Token {
	return Token(uint64(8)<<60 | uint64(t.root))
}

// LoongTable implements PageTable over the wider, configurable-level
// LoongArch-class walk. Its token is the PGD physical address, per spec.md §6.
type LoongTable struct{ *walker }

// NewLoongArch allocates a fresh, owning LoongArch-flex page table.
func NewLoongArch(alloc *frame.Allocator) (*LoongTable, bool) {
	w, ok := newWalker(addr.LoongArchFlex, alloc)
	if !ok {
		return nil, false
	}
	return &LoongTable{w}, true
}

// LoongFromToken builds a non-owning handle from a PGD physical address.
func LoongFromToken(alloc *frame.Allocator, tok Token) *LoongTable {
	root := addr.PhysPageNum(uint64(tok) >> addr.PageShift)
	return &LoongTable{&walker{arch: addr.LoongArchFlex, alloc: alloc, root: root, borrow: true}}
}

func (t *LoongTable) Token() Token {
	return Token(uint64(t.root) << addr.PageShift)
}
