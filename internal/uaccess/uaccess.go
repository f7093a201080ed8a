// Package uaccess translates user pointers through the active page table
// into kernel-visible byte slices, per spec.md §4.1. Grounded on
// vm/as.go's Userdmap8_inner/Userstr/K2user/User2k and vm/userbuf.go's
// Userbuf_t.
package uaccess

import (
	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/util"
	"duokernel/internal/vm"
)

// pageOf returns the kernel-visible slice for the page containing va,
// trimmed to start at va's in-page offset, or an error if va isn't mapped.
func pageOf(ms *vm.MemorySet, va addr.VirtAddr, alloc *frame.Allocator) ([]byte, errno.Errno) {
	p, ok := ms.Translate(va.Floor())
	if !ok {
		return nil, errno.EFAULT
	}
	page := alloc.Dmap(p.PPN())
	return page[va.PageOffset():], errno.OK
}

// Translate walks ptr..ptr+len page by page and returns a sequence of
// kernel-visible mutable byte slices covering exactly that range, one slice
// per physical page, each trimmed at the page boundary -- spec.md §4.1's
// translation helper.
func Translate(ms *vm.MemorySet, alloc *frame.Allocator, ptr addr.VirtAddr, length int) ([][]byte, errno.Errno) {
	if length < 0 {
		return nil, errno.EINVAL
	}
	var out [][]byte
	remaining := length
	va := ptr
	for remaining > 0 {
		chunk, err := pageOf(ms, va, alloc)
		if err != errno.OK {
			return nil, err
		}
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
		}
		out = append(out, chunk)
		remaining -= len(chunk)
		va = addr.VirtAddr(int64(va) + int64(len(chunk)))
	}
	return out, errno.OK
}

// ReadCString walks byte-by-byte through translation until a NUL byte is
// found, returning up to lenmax bytes, per spec.md §4.1.
func ReadCString(ms *vm.MemorySet, alloc *frame.Allocator, ptr addr.VirtAddr, lenmax int) (string, errno.Errno) {
	var out []byte
	va := ptr
	for {
		chunk, err := pageOf(ms, va, alloc)
		if err != errno.OK {
			return "", err
		}
		for i, c := range chunk {
			if c == 0 {
				out = append(out, chunk[:i]...)
				if len(out) > lenmax {
					return "", errno.ENAMETOOLONG
				}
				return string(out), errno.OK
			}
		}
		out = append(out, chunk...)
		if len(out) > lenmax {
			return "", errno.ENAMETOOLONG
		}
		va = addr.VirtAddr(int64(va) + int64(len(chunk)))
	}
}

// ReadN reads n (<=8) bytes from va and returns them as an integer, per
// vm/as.go's Userreadn.
func ReadN(ms *vm.MemorySet, alloc *frame.Allocator, va addr.VirtAddr, n int) (int, errno.Errno) {
	if n > 8 {
		panic("uaccess: n too large")
	}
	slices, err := Translate(ms, alloc, va, n)
	if err != errno.OK {
		return 0, err
	}
	buf := make([]byte, 0, n)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return util.Readn(buf, n, 0), errno.OK
}

// WriteN writes n (<=8) bytes of val to va, per vm/as.go's Userwriten.
func WriteN(ms *vm.MemorySet, alloc *frame.Allocator, va addr.VirtAddr, n, val int) errno.Errno {
	if n > 8 {
		panic("uaccess: n too large")
	}
	slices, err := Translate(ms, alloc, va, n)
	if err != errno.OK {
		return err
	}
	buf := make([]byte, n)
	util.Writen(buf, n, 0, val)
	off := 0
	for _, s := range slices {
		off += copy(s, buf[off:])
	}
	return errno.OK
}

// CopyIn copies len(dst) bytes from user memory at va into dst, per
// vm/as.go's User2k.
func CopyIn(ms *vm.MemorySet, alloc *frame.Allocator, va addr.VirtAddr, dst []byte) errno.Errno {
	slices, err := Translate(ms, alloc, va, len(dst))
	if err != errno.OK {
		return err
	}
	off := 0
	for _, s := range slices {
		off += copy(dst[off:], s)
	}
	return errno.OK
}

// CopyOut copies src into user memory starting at va, per vm/as.go's
// K2user.
func CopyOut(ms *vm.MemorySet, alloc *frame.Allocator, va addr.VirtAddr, src []byte) errno.Errno {
	slices, err := Translate(ms, alloc, va, len(src))
	if err != errno.OK {
		return err
	}
	off := 0
	for _, s := range slices {
		off += copy(s, src[off:])
	}
	return errno.OK
}
