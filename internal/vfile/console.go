package vfile

import (
	"bufio"
	"io"

	"duokernel/internal/errno"
)

// Stdin is the console-read File endpoint, backed by any io.Reader (the
// host terminal in a hosted boot harness, or a byte queue in tests).
type Stdin struct {
	r *bufio.Reader
}

// NewStdin wraps r as a Stdin capability.
func NewStdin(r io.Reader) *Stdin { return &Stdin{r: bufio.NewReader(r)} }

func (s *Stdin) Readable() bool { return true }
func (s *Stdin) Writable() bool { return false }

func (s *Stdin) Read(buf []byte) (int, errno.Errno) {
	n, err := s.r.Read(buf)
	if err != nil && err != io.EOF {
		return n, errno.EINVAL
	}
	return n, errno.OK
}

func (s *Stdin) Write(buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }

func (s *Stdin) Stat() (UserStat, errno.Errno) {
	return UserStat{Mode: ModeIFIFO, Rdev: Mkdev(DConsole, 0)}, errno.OK
}

func (s *Stdin) IsDir() bool   { return false }
func (s *Stdin) Path() string { return "/dev/stdin" }

func (s *Stdin) ReadAt(offset int64, buf []byte) (int, errno.Errno) { return s.Read(buf) }
func (s *Stdin) WriteAt(offset int64, buf []byte) (int, errno.Errno) {
	return 0, errno.EINVAL
}

func (s *Stdin) Close() errno.Errno  { return errno.OK }
func (s *Stdin) Reopen() errno.Errno { return errno.OK }

// Stdout is the console-write File endpoint, backed by any io.Writer.
type Stdout struct {
	w io.Writer
}

// NewStdout wraps w as a Stdout capability.
func NewStdout(w io.Writer) *Stdout { return &Stdout{w: w} }

func (s *Stdout) Readable() bool { return false }
func (s *Stdout) Writable() bool { return true }

func (s *Stdout) Read(buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }

func (s *Stdout) Write(buf []byte) (int, errno.Errno) {
	n, err := s.w.Write(buf)
	if err != nil {
		return n, errno.EINVAL
	}
	return n, errno.OK
}

func (s *Stdout) Stat() (UserStat, errno.Errno) {
	return UserStat{Mode: ModeIFIFO, Rdev: Mkdev(DConsole, 0)}, errno.OK
}

func (s *Stdout) IsDir() bool   { return false }
func (s *Stdout) Path() string { return "/dev/stdout" }

func (s *Stdout) ReadAt(offset int64, buf []byte) (int, errno.Errno) {
	return 0, errno.EINVAL
}
func (s *Stdout) WriteAt(offset int64, buf []byte) (int, errno.Errno) { return s.Write(buf) }

func (s *Stdout) Close() errno.Errno  { return errno.OK }
func (s *Stdout) Reopen() errno.Errno { return errno.OK }
