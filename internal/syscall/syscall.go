// Package syscall implements spec.md §4.8/§6's numeric dispatch table: one
// handler per syscall number, each validating user pointers through
// uaccess before dereferencing them and returning a signed word (>=0 on
// success, negative errno on failure). There is no teacher analog for the
// dispatch table itself (biscuit's syscall layer lives in its forked
// runtime), so the handlers are built directly from spec.md §6's table,
// threaded through the same proc/vfile/uaccess/sig/vm capabilities the
// rest of this module already exposes.
package syscall

import (
	"path"

	"golang.org/x/sys/unix"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/kstack"
	"duokernel/internal/pipe"
	"duokernel/internal/proc"
	"duokernel/internal/sched"
	"duokernel/internal/sig"
	"duokernel/internal/timerq"
	"duokernel/internal/uaccess"
	"duokernel/internal/vfile"
	"duokernel/internal/vm"
)

// Syscall numbers, per spec.md §6 ("numbers follow Linux/RISC-V
// convention").
const (
	Getcwd     = 17
	Dup        = 23
	Dup3       = 24
	Mkdirat    = 34
	Chdir      = 49
	Openat     = 56
	Close      = 57
	Pipe2      = 59
	Getdents64 = 61
	Read       = 63
	Write      = 64
	Fstat      = 80
	Exit       = 93
	Nanosleep  = 101
	SchedYield = 124
	Kill       = 129
	Getpid     = 172
	Getppid    = 173
	Brk        = 214
	Munmap     = 215
	Clone      = 220
	Execve     = 221
	Mmap       = 222
	Wait4      = 260
)

// AtFDCWD is the dirfd sentinel meaning "relative to the caller's cwd",
// per spec.md §6's mkdirat/openat argument description.
const AtFDCWD = -100

// WNOHANG matches the Linux wait4 options bit spec.md §6's wait4 row
// implies ("nonblocking variants return immediately", §5).
const WNOHANG = 1

// Filesystem is the external FAT-driver collaborator's contract, per
// spec.md §1: "ordered keyed file tree with open/create/read/write/seek/
// iterate", named here by interface only since the driver itself is
// deliberately out of scope.
type Filesystem interface {
	Open(path string, flags int, mode uint32) (vfile.File, errno.Errno)
	Mkdir(path string, mode uint32) errno.Errno
}

// DirEntries is a narrower capability an opened directory File may also
// implement, letting getdents64 pull one entry at a time, per spec.md §6's
// "write one directory entry per call (minimal)".
type DirEntries interface {
	ReadDirent() (name string, eof bool, err errno.Errno)
}

// Dispatcher wires the syscall layer to the collaborators it routes
// through: the scheduler (for sched_yield/wait4/exit's suspension points),
// the kernel address space (for clone/exec's shared trampoline page), and
// the external filesystem contract.
type Dispatcher struct {
	Proc   *sched.Processor
	Switch sched.SwitchFunc
	Kernel *vm.MemorySet
	KStack kstack.Layout
	FS     Filesystem

	// SleepHeap and Ticker back sys_nanosleep's wake registration and
	// elapsed-time check, per spec.md §4.7; the same Heap and Ticker the
	// trap package's CauseTimer handler drains on every timer trap.
	SleepHeap *timerq.Heap
	Ticker    *timerq.Ticker

	// Yield is called between retries of a blocking syscall (wait4 without
	// WNOHANG, nanosleep) the way pipe.Read/Write retries against its
	// injected yield hook -- this kernel has no real per-thread stack to
	// switch away to, so blocking is modeled as a bounded retry loop
	// rather than a true context switch. Nil means try once and give up
	// (useful in tests).
	Yield func()
}

// Handle decodes the syscall number and up to six arguments from t's trap
// context, dispatches to the matching handler, and writes the signed
// result back into the return-value register, per spec.md §4.8 rule 3.
func (d *Dispatcher) Handle(p *proc.PCB, t *proc.TCB) {
	num := t.TrapCtx.SyscallNum()
	a0 := t.TrapCtx.Arg(0)
	a1 := t.TrapCtx.Arg(1)
	a2 := t.TrapCtx.Arg(2)
	a3 := t.TrapCtx.Arg(3)
	a4 := t.TrapCtx.Arg(4)
	a5 := t.TrapCtx.Arg(5)

	ret := d.dispatch(p, t, int(num), a0, a1, a2, a3, a4, a5)
	t.TrapCtx.SetRetVal(uint64(ret))
}

func (d *Dispatcher) dispatch(p *proc.PCB, t *proc.TCB, num int, a0, a1, a2, a3, a4, a5 uint64) int64 {
	switch num {
	case Getcwd:
		return d.sysGetcwd(p, addr.VirtAddr(a0), int(a1))
	case Dup:
		return d.sysDup(p, int(a0))
	case Dup3:
		return d.sysDup3(p, int(a0), int(a1), int(a2))
	case Mkdirat:
		return d.sysMkdirat(p, int(int32(a0)), addr.VirtAddr(a1), uint32(a2))
	case Chdir:
		return d.sysChdir(p, addr.VirtAddr(a0))
	case Openat:
		return d.sysOpenat(p, int(int32(a0)), addr.VirtAddr(a1), int(a2), uint32(a3))
	case Close:
		return d.sysClose(p, int(a0))
	case Pipe2:
		return d.sysPipe2(p, addr.VirtAddr(a0), int(a1))
	case Getdents64:
		return d.sysGetdents64(p, int(a0), addr.VirtAddr(a1), int(a2))
	case Read:
		return d.sysRead(p, int(a0), addr.VirtAddr(a1), int(a2))
	case Write:
		return d.sysWrite(p, int(a0), addr.VirtAddr(a1), int(a2))
	case Fstat:
		return d.sysFstat(p, int(a0), addr.VirtAddr(a1))
	case Exit:
		return d.sysExit(p, t, int(int32(a0)))
	case Nanosleep:
		return d.sysNanosleep(p, t, addr.VirtAddr(a0), addr.VirtAddr(a1))
	case SchedYield:
		return d.sysSchedYield()
	case Kill:
		return d.sysKill(int(a0), int(a1))
	case Getpid:
		return int64(p.PID)
	case Getppid:
		if p.Parent != nil {
			return int64(p.Parent.PID)
		}
		return 0
	case Brk:
		return d.sysBrk(p, addr.VirtAddr(a0))
	case Munmap:
		return int64(p.MS.Munmap(addr.VirtAddr(a0), int(a1)))
	case Clone:
		return d.sysClone(p, a1)
	case Execve:
		return d.sysExecve(p, addr.VirtAddr(a0), addr.VirtAddr(a1))
	case Mmap:
		return d.sysMmap(p, addr.VirtAddr(a0), int(a1), int(a2), int(a3), int(int32(a4)), int64(a5))
	case Wait4:
		return d.sysWait4(p, int(int32(a0)), addr.VirtAddr(a1), int(a2))
	default:
		return int64(errno.ENOSYS)
	}
}

func (d *Dispatcher) sysGetcwd(p *proc.PCB, buf addr.VirtAddr, ln int) int64 {
	cwd := p.CwdPath + "\x00"
	if len(cwd) > ln {
		return int64(errno.ERANGE)
	}
	if err := uaccess.CopyOut(p.MS, p.Alloc(), buf, []byte(cwd)); err != errno.OK {
		return int64(err)
	}
	return int64(len(cwd) - 1)
}

func lowestFreeFD(files []vfile.File) (int, []vfile.File) {
	for i, f := range files {
		if f == nil {
			return i, files
		}
	}
	return len(files), append(files, nil)
}

func (d *Dispatcher) sysDup(p *proc.PCB, oldfd int) int64 {
	if oldfd < 0 || oldfd >= len(p.Files) || p.Files[oldfd] == nil {
		return int64(errno.EBADF)
	}
	newfd, files := lowestFreeFD(p.Files)
	p.Files = files
	p.Files[oldfd].Reopen()
	p.Files[newfd] = p.Files[oldfd]
	return int64(newfd)
}

func (d *Dispatcher) sysDup3(p *proc.PCB, oldfd, newfd, flags int) int64 {
	if flags != 0 {
		return int64(errno.EINVAL)
	}
	if oldfd == newfd {
		return int64(errno.EINVAL)
	}
	if oldfd < 0 || oldfd >= len(p.Files) || p.Files[oldfd] == nil {
		return int64(errno.EBADF)
	}
	if newfd < 0 {
		return int64(errno.EBADF)
	}
	for len(p.Files) <= newfd {
		p.Files = append(p.Files, nil)
	}
	if p.Files[newfd] != nil {
		p.Files[newfd].Close()
	}
	p.Files[oldfd].Reopen()
	p.Files[newfd] = p.Files[oldfd]
	return int64(newfd)
}

func resolveAt(p *proc.PCB, dirfd int, rel string) (string, errno.Errno) {
	if len(rel) > 0 && rel[0] == '/' {
		return path.Clean(rel), errno.OK
	}
	var base string
	if dirfd == AtFDCWD {
		base = p.CwdPath
	} else {
		if dirfd < 0 || dirfd >= len(p.Files) || p.Files[dirfd] == nil {
			return "", errno.EBADF
		}
		dir := p.Files[dirfd]
		if !dir.IsDir() {
			return "", errno.ENOTDIR
		}
		base = dir.Path()
	}
	return path.Clean(path.Join(base, rel)), errno.OK
}

func (d *Dispatcher) sysMkdirat(p *proc.PCB, dirfd int, pathVA addr.VirtAddr, mode uint32) int64 {
	rel, err := uaccess.ReadCString(p.MS, p.Alloc(), pathVA, 4096)
	if err != errno.OK {
		return int64(err)
	}
	full, rerr := resolveAt(p, dirfd, rel)
	if rerr != errno.OK {
		return int64(rerr)
	}
	if d.FS == nil {
		return int64(errno.ENOSYS)
	}
	return int64(d.FS.Mkdir(full, mode))
}

func (d *Dispatcher) sysChdir(p *proc.PCB, pathVA addr.VirtAddr) int64 {
	rel, err := uaccess.ReadCString(p.MS, p.Alloc(), pathVA, 4096)
	if err != errno.OK {
		return int64(err)
	}
	full, rerr := resolveAt(p, AtFDCWD, rel)
	if rerr != errno.OK {
		return int64(rerr)
	}
	if d.FS == nil {
		return int64(errno.ENOSYS)
	}
	f, oerr := d.FS.Open(full, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if oerr != errno.OK {
		return int64(oerr)
	}
	if !f.IsDir() {
		f.Close()
		return int64(errno.ENOTDIR)
	}
	f.Close()
	p.CwdPath = full
	return 0
}

func (d *Dispatcher) sysOpenat(p *proc.PCB, dirfd int, pathVA addr.VirtAddr, flags int, mode uint32) int64 {
	rel, err := uaccess.ReadCString(p.MS, p.Alloc(), pathVA, 4096)
	if err != errno.OK {
		return int64(err)
	}
	full, rerr := resolveAt(p, dirfd, rel)
	if rerr != errno.OK {
		return int64(rerr)
	}
	if d.FS == nil {
		return int64(errno.ENOSYS)
	}
	f, oerr := d.FS.Open(full, flags, mode)
	if oerr != errno.OK {
		return int64(oerr)
	}
	if flags&unix.O_DIRECTORY != 0 && !f.IsDir() {
		f.Close()
		return int64(errno.ENOTDIR)
	}
	fd, files := lowestFreeFD(p.Files)
	p.Files = files
	p.Files[fd] = f
	return int64(fd)
}

func (d *Dispatcher) sysClose(p *proc.PCB, fd int) int64 {
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return int64(errno.EBADF)
	}
	err := p.Files[fd].Close()
	p.Files[fd] = nil
	return int64(err)
}

func (d *Dispatcher) sysPipe2(p *proc.PCB, pipefd addr.VirtAddr, flags int) int64 {
	r, w := pipe.New()
	rfd, files := lowestFreeFD(p.Files)
	p.Files = files
	p.Files[rfd] = &vfile.PipeReadFile{End: r}
	wfd, files2 := lowestFreeFD(p.Files)
	p.Files = files2
	p.Files[wfd] = &vfile.PipeWriteFile{End: w}

	if err := uaccess.WriteN(p.MS, p.Alloc(), pipefd, 4, rfd); err != errno.OK {
		return int64(err)
	}
	if err := uaccess.WriteN(p.MS, p.Alloc(), addr.VirtAddr(int64(pipefd)+4), 4, wfd); err != errno.OK {
		return int64(err)
	}
	return 0
}

// dirent64 record shape: fixed 8+8+2+1 header, then a NUL-terminated name.
const direntHeaderSize = 19

func (d *Dispatcher) sysGetdents64(p *proc.PCB, fd int, buf addr.VirtAddr, ln int) int64 {
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return int64(errno.EBADF)
	}
	f := p.Files[fd]
	if !f.IsDir() {
		return int64(errno.ENOTDIR)
	}
	iter, ok := f.(DirEntries)
	if !ok {
		return 0 // no more entries this collaborator can enumerate
	}
	name, eof, err := iter.ReadDirent()
	if err != errno.OK {
		return int64(err)
	}
	if eof {
		return 0
	}
	recLen := direntHeaderSize + len(name) + 1
	if recLen > ln {
		return int64(errno.EINVAL)
	}
	rec := make([]byte, recLen)
	rec[16] = byte(recLen)
	rec[17] = byte(recLen >> 8)
	copy(rec[direntHeaderSize:], name)
	if err := uaccess.CopyOut(p.MS, p.Alloc(), buf, rec); err != errno.OK {
		return int64(err)
	}
	return int64(recLen)
}

func (d *Dispatcher) sysRead(p *proc.PCB, fd int, buf addr.VirtAddr, ln int) int64 {
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return int64(errno.EBADF)
	}
	f := p.Files[fd]
	if !f.Readable() {
		return int64(errno.EBADF)
	}
	local := make([]byte, ln)
	n, err := f.Read(local)
	if err != errno.OK {
		return int64(err)
	}
	if werr := uaccess.CopyOut(p.MS, p.Alloc(), buf, local[:n]); werr != errno.OK {
		return int64(werr)
	}
	return int64(n)
}

func (d *Dispatcher) sysWrite(p *proc.PCB, fd int, buf addr.VirtAddr, ln int) int64 {
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return int64(errno.EBADF)
	}
	f := p.Files[fd]
	if !f.Writable() {
		return int64(errno.EBADF)
	}
	local := make([]byte, ln)
	if err := uaccess.CopyIn(p.MS, p.Alloc(), buf, local); err != errno.OK {
		return int64(err)
	}
	n, err := f.Write(local)
	if err != errno.OK {
		return int64(err)
	}
	return int64(n)
}

func (d *Dispatcher) sysFstat(p *proc.PCB, fd int, statbuf addr.VirtAddr) int64 {
	if fd < 0 || fd >= len(p.Files) || p.Files[fd] == nil {
		return int64(errno.EBADF)
	}
	st, err := p.Files[fd].Stat()
	if err != errno.OK {
		return int64(err)
	}
	if werr := uaccess.CopyOut(p.MS, p.Alloc(), statbuf, st.Bytes()); werr != errno.OK {
		return int64(werr)
	}
	return 0
}

func (d *Dispatcher) sysExit(p *proc.PCB, t *proc.TCB, code int) int64 {
	tid := t.TID()
	p.ExitThread(tid, code)
	if d.Proc != nil {
		d.Proc.ExitCurrentAndRunNext(d.Switch)
	}
	return 0
}

// sysNanosleep implements spec.md §4.7's sys_nanosleep(req, rem): read the
// requested (sec,nsec) duration, register a wake entry in the sleep heap
// (the same heap the trap package's CauseTimer handler drains), and block
// by retrying -- the same Yield-retry convention sysWait4 uses, since this
// kernel models blocking as a bounded retry rather than a real context
// switch. On natural expiry it returns 0 with rem zeroed; if a signal
// arrives first it writes the remaining time into rem and returns -EINTR.
func (d *Dispatcher) sysNanosleep(p *proc.PCB, t *proc.TCB, reqVA, remVA addr.VirtAddr) int64 {
	sec, err := uaccess.ReadN(p.MS, p.Alloc(), reqVA, 8)
	if err != errno.OK {
		return int64(err)
	}
	nsec, err := uaccess.ReadN(p.MS, p.Alloc(), addr.VirtAddr(int64(reqVA)+8), 8)
	if err != errno.OK {
		return int64(err)
	}
	if sec < 0 || nsec < 0 || nsec >= 1_000_000_000 {
		return int64(errno.EINVAL)
	}
	if d.Ticker == nil {
		return 0
	}
	totalNS := int64(sec)*1_000_000_000 + int64(nsec)
	deadline := d.Ticker.Now() + d.Ticker.TicksFromNS(totalNS)
	if d.SleepHeap != nil {
		d.SleepHeap.AddTimer(d.Ticker.MS(deadline), t)
	}

	writeRemaining := func(remainingNS int64) int64 {
		if remVA == 0 {
			return 0
		}
		if remainingNS < 0 {
			remainingNS = 0
		}
		if werr := uaccess.WriteN(p.MS, p.Alloc(), remVA, 8, int(remainingNS/1_000_000_000)); werr != errno.OK {
			return int64(werr)
		}
		if werr := uaccess.WriteN(p.MS, p.Alloc(), addr.VirtAddr(int64(remVA)+8), 8, int(remainingNS%1_000_000_000)); werr != errno.OK {
			return int64(werr)
		}
		return 0
	}

	for {
		if d.Ticker.Now() >= deadline {
			return writeRemaining(0)
		}
		if p.Signals().Any() {
			if r := writeRemaining(d.Ticker.NS(deadline - d.Ticker.Now())); r != 0 {
				return r
			}
			return int64(errno.EINTR)
		}
		if d.Yield == nil {
			return 0
		}
		d.Yield()
	}
}

func (d *Dispatcher) sysSchedYield() int64 {
	if d.Proc != nil {
		d.Proc.SuspendCurrentAndRunNext(d.Switch)
	}
	return 0
}

func (d *Dispatcher) sysKill(pid, signum int) int64 {
	target, ok := proc.Lookup(pid)
	if !ok {
		return int64(errno.ESRCH)
	}
	return int64(sig.Kill(target, signum))
}

func (d *Dispatcher) sysBrk(p *proc.PCB, newBrk addr.VirtAddr) int64 {
	if newBrk == 0 {
		return int64(p.MS.Brk)
	}
	got, err := p.MS.ExpandHeap(newBrk)
	if err != errno.OK {
		return int64(err)
	}
	return int64(got)
}

func (d *Dispatcher) sysClone(p *proc.PCB, newStackSP uint64) int64 {
	child, err := p.Clone(d.Kernel, d.KStack)
	if err != errno.OK {
		return int64(err)
	}
	if newStackSP != 0 {
		child.Tasks[0].TrapCtx.SetSP(newStackSP)
	}
	if d.Proc != nil {
		d.Proc.Queue.AddTask(child.Tasks[0])
	}
	return int64(child.PID)
}

func (d *Dispatcher) sysExecve(p *proc.PCB, pathVA, argvVA addr.VirtAddr) int64 {
	rel, err := uaccess.ReadCString(p.MS, p.Alloc(), pathVA, 4096)
	if err != errno.OK {
		return int64(err)
	}
	full, rerr := resolveAt(p, AtFDCWD, rel)
	if rerr != errno.OK {
		return int64(rerr)
	}
	if d.FS == nil {
		return int64(errno.ENOSYS)
	}
	f, oerr := d.FS.Open(full, unix.O_RDONLY, 0)
	if oerr != errno.OK {
		return int64(oerr)
	}
	defer f.Close()

	var image []byte
	chunk := make([]byte, 4096)
	for {
		n, rerr := f.Read(chunk)
		if rerr != errno.OK {
			return int64(rerr)
		}
		image = append(image, chunk[:n]...)
		if n < len(chunk) {
			break
		}
	}

	var argv []string
	if argvVA != 0 {
		for i := 0; ; i++ {
			ptrVA := addr.VirtAddr(int64(argvVA) + int64(i)*8)
			ptr, rerr := uaccess.ReadN(p.MS, p.Alloc(), ptrVA, 8)
			if rerr != errno.OK {
				return int64(rerr)
			}
			if ptr == 0 {
				break
			}
			s, serr := uaccess.ReadCString(p.MS, p.Alloc(), addr.VirtAddr(ptr), 4096)
			if serr != errno.OK {
				return int64(serr)
			}
			argv = append(argv, s)
		}
	}

	if eerr := p.Exec(image, argv, d.Kernel); eerr != errno.OK {
		return int64(eerr)
	}
	return 0
}

func (d *Dispatcher) sysMmap(p *proc.PCB, start addr.VirtAddr, length, prot, flags, fd int, off int64) int64 {
	perm := vm.PermU
	if prot&unix.PROT_READ != 0 {
		perm |= vm.PermR
	}
	if prot&unix.PROT_WRITE != 0 {
		perm |= vm.PermW
	}
	if prot&unix.PROT_EXEC != 0 {
		perm |= vm.PermX
	}
	shared := flags&unix.MAP_SHARED != 0

	var file vm.MmapFile
	if fd >= 0 {
		if fd >= len(p.Files) || p.Files[fd] == nil {
			return int64(errno.EBADF)
		}
		mf, ok := p.Files[fd].(vm.MmapFile)
		if !ok {
			return int64(errno.EINVAL)
		}
		file = mf
	}

	va, err := p.MS.Mmap(start, length, perm, shared, file, off)
	if err != errno.OK {
		return int64(err)
	}
	return int64(va)
}

func (d *Dispatcher) sysWait4(p *proc.PCB, pid int, statusVA addr.VirtAddr, options int) int64 {
	nohang := options&WNOHANG != 0
	for {
		gotPID, status, found, wouldBlock := p.Wait4(pid, nohang)
		if !found {
			// spec.md §4.3/§8: no matching child at all returns the literal
			// -1, not -ECHILD.
			return int64(-1)
		}
		if !wouldBlock {
			if statusVA != 0 {
				if err := uaccess.WriteN(p.MS, p.Alloc(), statusVA, 4, status); err != errno.OK {
					return int64(err)
				}
			}
			return int64(gotPID)
		}
		if nohang {
			return 0
		}
		if d.Yield == nil {
			return 0
		}
		d.Yield()
	}
}
