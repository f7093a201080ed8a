// Package vfile defines the File capability spec.md §3 describes: a single
// interface every open-file-table slot holds regardless of whether it backs
// an OS-inode, a console endpoint, or a pipe end. Grounded on fd/fd.go's
// Fd_t/Fdops_i split (duplication-by-Reopen, Close_panic convention) and
// stat/stat.go's fixed-offset accessor style, generalized from stat.go's
// unsafe-pointer byte view to encoding/binary since UserStat here travels
// across the uaccess boundary into user memory rather than living in a
// single process's address space.
package vfile

import (
	"encoding/binary"

	"duokernel/internal/errno"
)

// Permission bits for an open file-descriptor slot, per fd.go's
// FD_READ/FD_WRITE/FD_CLOEXEC constants.
const (
	PermRead    = 0x1
	PermWrite   = 0x2
	PermCloexec = 0x4
)

// File is the capability every fd-table slot holds, per spec.md §3's "File
// capability" glossary entry.
type File interface {
	Readable() bool
	Writable() bool
	Read(buf []byte) (int, errno.Errno)
	Write(buf []byte) (int, errno.Errno)
	Stat() (UserStat, errno.Errno)
	IsDir() bool
	Path() string
	ReadAt(offset int64, buf []byte) (int, errno.Errno)
	WriteAt(offset int64, buf []byte) (int, errno.Errno)
	Close() errno.Errno
	Reopen() errno.Errno
}

// Mode bits, POSIX-compatible, per spec.md §6's UserStat description.
const (
	ModeIFREG = 0o100000
	ModeIFDIR = 0o040000
	ModeIFIFO = 0o010000
)

// UserStat is the bit-exact 80-byte fstat record spec.md §6 specifies.
// Unlike the teacher's Stat_t (an in-process unsafe-pointer byte view),
// this travels across the uaccess boundary, so Bytes encodes explicitly
// with encoding/binary rather than reinterpreting the struct's own layout.
type UserStat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize uint32
	Blocks  uint64
}

// Size is the packed byte length of UserStat's fields, before padding.
const Size = 8 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 // 60, padded to 80 below

// WireSize is the fstat syscall's fixed 80-byte layout (spec.md §6, table
// row 80), padded beyond Size for alignment the way a C struct stat would be.
const WireSize = 80

// Bytes encodes st into the fixed 80-byte little-endian layout.
func (st UserStat) Bytes() []byte {
	b := make([]byte, WireSize)
	binary.LittleEndian.PutUint64(b[0:8], st.Dev)
	binary.LittleEndian.PutUint64(b[8:16], st.Ino)
	binary.LittleEndian.PutUint32(b[16:20], st.Mode)
	binary.LittleEndian.PutUint32(b[20:24], st.Nlink)
	binary.LittleEndian.PutUint32(b[24:28], st.UID)
	binary.LittleEndian.PutUint32(b[28:32], st.GID)
	binary.LittleEndian.PutUint64(b[32:40], st.Rdev)
	binary.LittleEndian.PutUint64(b[40:48], uint64(st.Size))
	binary.LittleEndian.PutUint32(b[48:52], st.Blksize)
	binary.LittleEndian.PutUint64(b[52:60], st.Blocks)
	return b
}
