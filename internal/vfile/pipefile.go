package vfile

import (
	"duokernel/internal/errno"
	"duokernel/internal/pipe"
)

// PipeReadFile adapts a pipe.ReadEnd to the File capability interface.
type PipeReadFile struct {
	End *pipe.ReadEnd
}

func (f *PipeReadFile) Readable() bool { return true }
func (f *PipeReadFile) Writable() bool { return false }

func (f *PipeReadFile) Read(buf []byte) (int, errno.Errno) { return f.End.Read(buf) }
func (f *PipeReadFile) Write(buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }

func (f *PipeReadFile) Stat() (UserStat, errno.Errno) {
	return UserStat{Mode: ModeIFIFO}, errno.OK
}

func (f *PipeReadFile) IsDir() bool   { return false }
func (f *PipeReadFile) Path() string { return "" } // pipes have no path, per fd.go's anonymous fds

func (f *PipeReadFile) ReadAt(offset int64, buf []byte) (int, errno.Errno) {
	return f.End.ReadAt(offset, buf)
}
func (f *PipeReadFile) WriteAt(offset int64, buf []byte) (int, errno.Errno) {
	return 0, errno.EINVAL
}

func (f *PipeReadFile) Close() errno.Errno  { return f.End.Close() }
func (f *PipeReadFile) Reopen() errno.Errno { return f.End.Reopen() }

// PipeWriteFile adapts a pipe.WriteEnd to the File capability interface.
type PipeWriteFile struct {
	End *pipe.WriteEnd
}

func (f *PipeWriteFile) Readable() bool { return false }
func (f *PipeWriteFile) Writable() bool { return true }

func (f *PipeWriteFile) Read(buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }
func (f *PipeWriteFile) Write(buf []byte) (int, errno.Errno) { return f.End.Write(buf) }

func (f *PipeWriteFile) Stat() (UserStat, errno.Errno) {
	return UserStat{Mode: ModeIFIFO}, errno.OK
}

func (f *PipeWriteFile) IsDir() bool   { return false }
func (f *PipeWriteFile) Path() string { return "" }

func (f *PipeWriteFile) ReadAt(offset int64, buf []byte) (int, errno.Errno) {
	return 0, errno.EINVAL
}
func (f *PipeWriteFile) WriteAt(offset int64, buf []byte) (int, errno.Errno) {
	return f.End.WriteAt(offset, buf)
}

func (f *PipeWriteFile) Close() errno.Errno  { return f.End.Close() }
func (f *PipeWriteFile) Reopen() errno.Errno { return f.End.Reopen() }
