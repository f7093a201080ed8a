package uaccess

import (
	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/vm"
)

// UserBuffer is an ordered sequence of kernel byte slices translated from a
// single user pointer+length, per spec.md §4.1. It exposes total length and
// a byte-iterating read/write that crosses slice boundaries transparently,
// mirroring vm/userbuf.go's Userbuf_t.
type UserBuffer struct {
	slices [][]byte
	total  int
}

// NewUserBuffer translates userva..userva+length and wraps the result.
func NewUserBuffer(ms *vm.MemorySet, alloc *frame.Allocator, userva addr.VirtAddr, length int) (*UserBuffer, errno.Errno) {
	slices, err := Translate(ms, alloc, userva, length)
	if err != errno.OK {
		return nil, err
	}
	return &UserBuffer{slices: slices, total: length}, errno.OK
}

// Len returns the total length of the buffer in bytes.
func (ub *UserBuffer) Len() int { return ub.total }

// Read copies from the user buffer into dst, stopping at whichever is
// shorter, and returns the number of bytes copied.
func (ub *UserBuffer) Read(dst []byte) int {
	off := 0
	for _, s := range ub.slices {
		if off >= len(dst) {
			break
		}
		off += copy(dst[off:], s)
	}
	return off
}

// Write copies src into the user buffer, stopping at whichever is shorter,
// and returns the number of bytes copied.
func (ub *UserBuffer) Write(src []byte) int {
	off := 0
	for _, s := range ub.slices {
		if off >= len(src) {
			break
		}
		off += copy(s, src[off:])
	}
	return off
}
