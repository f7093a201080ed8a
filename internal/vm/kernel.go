package vm

import (
	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
)

// Section describes one identity-mapped kernel image region, per spec.md
// §4.2's "identity-map the kernel image's sections with appropriate
// permissions".
type Section struct {
	Start, End addr.VirtAddr
	Perm       MapPermission
}

// KernelLayout is the boot-time description of everything NewKernel needs
// to identity-map: the kernel image's own sections, the remaining free
// physical RAM, and the MMIO windows. The real values come from the linker
// script / device tree, both out of scope per spec.md §1 -- this core only
// needs the resulting ranges.
type KernelLayout struct {
	Text, Rodata, Data, BssStack addr.VirtAddr // section starts
	EndOfImage                   addr.VirtAddr // ekernel
	MemoryEnd                    addr.VirtAddr
	MMIO                         []Section
}

// NewKernel builds the kernel's own address space: identity-mapped text
// (R+X), rodata (R), data/bss (R+W), the remainder of physical RAM (R+W),
// and each MMIO window (R+W), per spec.md §4.2.
func NewKernel(a addr.Arch, alloc *frame.Allocator, layout KernelLayout) (*MemorySet, bool) {
	ms, ok := New(a, alloc)
	if !ok {
		return nil, false
	}
	sections := []Section{
		{layout.Text, layout.Rodata, PermR | PermX},
		{layout.Rodata, layout.Data, PermR},
		{layout.Data, layout.BssStack, PermR | PermW},
		{layout.BssStack, layout.EndOfImage, PermR | PermW},
		{layout.EndOfImage, layout.MemoryEnd, PermR | PermW},
	}
	sections = append(sections, layout.MMIO...)
	for _, s := range sections {
		if s.End <= s.Start {
			continue
		}
		r := addr.VPNRange{Start: s.Start.Floor(), End: s.End.Ceil()}
		area := NewMapArea(r, Identical, s.Perm)
		if err := ms.Push(area, nil); err != errno.OK {
			return nil, false
		}
	}
	return ms, true
}
