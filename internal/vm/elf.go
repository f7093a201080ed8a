package vm

import (
	"bytes"
	"debug/elf"
	"io"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
)

// FromELF parses an ELF image and builds the user portion of a fresh
// address space, per spec.md §4.2. It returns the new MemorySet (whose
// HeapStart and Brk are set to the page-aligned end of the highest segment)
// and the entry point.
//
// Grounded on kernel/chentry.go's use of debug/elf to parse and patch a
// real ELF header; here we walk PT_LOAD program headers instead of
// rewriting e_entry.
func FromELF(a addr.Arch, alloc *frame.Allocator, image []byte) (*MemorySet, addr.VirtAddr, errno.Errno) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, 0, errno.ENOEXEC
	}
	if f.Class != elf.ELFCLASS64 {
		return nil, 0, errno.ENOEXEC
	}

	ms, ok := New(a, alloc)
	if !ok {
		return nil, 0, errno.ENOMEM
	}

	var maxEnd addr.VirtAddr
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		perm := PermU
		if ph.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if ph.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if ph.Flags&elf.PF_X != 0 {
			perm |= PermX
		}
		start := addr.VirtAddr(ph.Vaddr)
		end := addr.VirtAddr(ph.Vaddr + ph.Memsz)
		area := NewMapArea(addr.VPNRange{Start: start.Floor(), End: end.Ceil()}, Framed, perm)

		data := make([]byte, ph.Filesz)
		r := ph.Open()
		if _, rerr := io.ReadFull(r, data); rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return nil, 0, errno.ENOEXEC
		}
		if ferr := ms.Push(area, data); ferr != errno.OK {
			return nil, 0, ferr
		}
		if end > maxEnd {
			maxEnd = end
		}
	}

	ms.HeapStart = maxEnd.Ceil().Addr()
	ms.Brk = ms.HeapStart
	return ms, addr.VirtAddr(f.Entry), errno.OK
}
