package syscall

import (
	"bytes"
	"encoding/binary"
	"path"
	"testing"

	"golang.org/x/sys/unix"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/kstack"
	"duokernel/internal/proc"
	"duokernel/internal/sched"
	"duokernel/internal/timerq"
	"duokernel/internal/uaccess"
	"duokernel/internal/vfile"
	"duokernel/internal/vm"
)

// -- fake Filesystem collaborator, standing in for the FAT driver spec.md
// §1 names by contract only --

type fakeDirFile struct {
	p       string
	entries []string
	idx     int
}

func (f *fakeDirFile) Readable() bool                           { return false }
func (f *fakeDirFile) Writable() bool                           { return false }
func (f *fakeDirFile) Read(buf []byte) (int, errno.Errno)       { return 0, errno.EISDIR }
func (f *fakeDirFile) Write(buf []byte) (int, errno.Errno)      { return 0, errno.EINVAL }
func (f *fakeDirFile) Stat() (vfile.UserStat, errno.Errno) {
	return vfile.UserStat{Mode: vfile.ModeIFDIR}, errno.OK
}
func (f *fakeDirFile) IsDir() bool   { return true }
func (f *fakeDirFile) Path() string { return f.p }
func (f *fakeDirFile) ReadAt(off int64, buf []byte) (int, errno.Errno)  { return 0, errno.EISDIR }
func (f *fakeDirFile) WriteAt(off int64, buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }
func (f *fakeDirFile) Close() errno.Errno                              { return errno.OK }
func (f *fakeDirFile) Reopen() errno.Errno                             { return errno.OK }

func (f *fakeDirFile) ReadDirent() (string, bool, errno.Errno) {
	if f.idx >= len(f.entries) {
		return "", true, errno.OK
	}
	name := f.entries[f.idx]
	f.idx++
	return name, false, errno.OK
}

type fakeRegFile struct {
	p    string
	data []byte
	off  int
}

func (f *fakeRegFile) Readable() bool { return true }
func (f *fakeRegFile) Writable() bool { return true }

func (f *fakeRegFile) Read(buf []byte) (int, errno.Errno) {
	n := copy(buf, f.data[f.off:])
	f.off += n
	return n, errno.OK
}

func (f *fakeRegFile) Write(buf []byte) (int, errno.Errno) {
	f.data = append(f.data, buf...)
	return len(buf), errno.OK
}

func (f *fakeRegFile) Stat() (vfile.UserStat, errno.Errno) {
	return vfile.UserStat{Mode: vfile.ModeIFREG, Size: int64(len(f.data))}, errno.OK
}
func (f *fakeRegFile) IsDir() bool   { return false }
func (f *fakeRegFile) Path() string  { return f.p }
func (f *fakeRegFile) Size() int64   { return int64(len(f.data)) }

func (f *fakeRegFile) ReadAt(off int64, buf []byte) (int, errno.Errno) {
	if off >= int64(len(f.data)) {
		return 0, errno.OK
	}
	n := copy(buf, f.data[off:])
	return n, errno.OK
}
func (f *fakeRegFile) WriteAt(off int64, buf []byte) (int, errno.Errno) {
	for int64(len(f.data)) < off+int64(len(buf)) {
		f.data = append(f.data, 0)
	}
	copy(f.data[off:], buf)
	return len(buf), errno.OK
}
func (f *fakeRegFile) Close() errno.Errno  { return errno.OK }
func (f *fakeRegFile) Reopen() errno.Errno { return errno.OK }

type fakeFS struct {
	dirs  map[string][]string
	files map[string][]byte
}

func newFakeFS() *fakeFS {
	return &fakeFS{dirs: map[string][]string{"/": nil}, files: map[string][]byte{}}
}

func (fs *fakeFS) Mkdir(p string, mode uint32) errno.Errno {
	if _, ok := fs.dirs[p]; ok {
		return errno.EEXIST
	}
	fs.dirs[p] = nil
	parent := path.Dir(p)
	fs.dirs[parent] = append(fs.dirs[parent], path.Base(p))
	return errno.OK
}

func (fs *fakeFS) Open(p string, flags int, mode uint32) (vfile.File, errno.Errno) {
	if entries, ok := fs.dirs[p]; ok {
		return &fakeDirFile{p: p, entries: entries}, errno.OK
	}
	if data, ok := fs.files[p]; ok {
		return &fakeRegFile{p: p, data: append([]byte(nil), data...)}, errno.OK
	}
	if flags&unix.O_CREAT != 0 {
		fs.files[p] = nil
		return &fakeRegFile{p: p}, errno.OK
	}
	return nil, errno.ENOENT
}

// -- process fixture, same pattern as proc/trap's test helpers --

func buildMinimalELF(t *testing.T, vaddr, entry uint64, dataSize int) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56
	data := make([]byte, dataSize)
	offset := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer
	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4], ident[5], ident[6] = 2, 1, 1
	buf.Write(ident)
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(243))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint32(5))
	binary.Write(&buf, binary.LittleEndian, offset)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(dataSize))
	binary.Write(&buf, binary.LittleEndian, uint64(dataSize*2))
	binary.Write(&buf, binary.LittleEndian, uint64(addr.PageSize))

	buf.Write(data)
	return buf.Bytes()
}

func newTestProcess(t *testing.T) (*proc.PCB, *proc.TCB, *vm.MemorySet, kstack.Layout) {
	t.Helper()
	alloc := frame.NewAllocator(0, 16384)
	kernel, ok := vm.New(addr.SV39, alloc)
	if !ok {
		t.Fatal("failed to build kernel space")
	}
	f, ok := alloc.Alloc()
	if !ok {
		t.Fatal("out of frames")
	}
	kernel.MapTrampoline(proc.Trampoline(addr.SV39), f.PPN())
	layout := kstack.Layout{Trampoline: proc.Trampoline(addr.SV39), StackSize: 2 * addr.PageSize}

	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	p, tcb, err := proc.NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	if err != errno.OK {
		t.Fatalf("NewProcess: %v", err)
	}
	return p, tcb, kernel, layout
}

func invoke(d *Dispatcher, p *proc.PCB, t *proc.TCB, num int, args ...uint64) int64 {
	t.TrapCtx.SetSyscallNum(uint64(num))
	for i, a := range args {
		t.TrapCtx.SetArg(i, a)
	}
	d.Handle(p, t)
	return int64(t.TrapCtx.RetVal())
}

func TestGetcwdWritesNulTerminatedPath(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	p.CwdPath = "/home/user"
	d := &Dispatcher{}
	bufVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)

	n := invoke(d, p, tcb, Getcwd, uint64(bufVA), 64)
	if n != int64(len("/home/user")) {
		t.Fatalf("got %d", n)
	}
	got := make([]byte, len("/home/user")+1)
	if err := uaccess.CopyIn(p.MS, p.Alloc(), bufVA, got); err != errno.OK || string(got) != "/home/user\x00" {
		t.Fatalf("buffer holds %q (err %v)", got, err)
	}
}

func TestDupAndDup3(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}

	newfd := invoke(d, p, tcb, Dup, 1)
	if newfd < 0 || p.Files[newfd] != p.Files[1] {
		t.Fatalf("dup failed: %d", newfd)
	}

	r := invoke(d, p, tcb, Dup3, 1, uint64(newfd), 0)
	if r != int64(newfd) {
		t.Fatalf("dup3 failed: %d", r)
	}

	if bad := invoke(d, p, tcb, Dup3, 1, 1, 0); bad != int64(errno.EINVAL) {
		t.Fatalf("expected EINVAL for oldfd==newfd, got %d", bad)
	}
}

func TestMkdirOpenatChdirGetdents64RoundTrip(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	fs := newFakeFS()
	d := &Dispatcher{FS: fs}
	pathVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)

	writeCString(t, p, pathVA, "/sub")
	if r := invoke(d, p, tcb, Mkdirat, uint64(int32(AtFDCWD)), uint64(pathVA), 0); r != 0 {
		t.Fatalf("mkdirat: %d", r)
	}

	if r := invoke(d, p, tcb, Chdir, uint64(pathVA)); r != 0 {
		t.Fatalf("chdir: %d", r)
	}
	if p.CwdPath != "/sub" {
		t.Fatalf("cwd not updated: %q", p.CwdPath)
	}

	writeCString(t, p, pathVA, "/")
	fd := invoke(d, p, tcb, Openat, uint64(int32(AtFDCWD)), uint64(pathVA), uint64(unix.O_RDONLY|unix.O_DIRECTORY), 0)
	if fd < 0 {
		t.Fatalf("openat root dir: %d", fd)
	}

	dentBuf, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	n := invoke(d, p, tcb, Getdents64, uint64(fd), uint64(dentBuf), 256)
	if n <= 0 {
		t.Fatalf("expected a dirent written, got %d", n)
	}
}

func writeCString(t *testing.T, p *proc.PCB, va addr.VirtAddr, s string) {
	t.Helper()
	buf := append([]byte(s), 0)
	if err := uaccess.CopyOut(p.MS, p.Alloc(), va, buf); err != errno.OK {
		t.Fatalf("writeCString: %v", err)
	}
}

func TestPipe2ReadWriteRoundTrip(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}
	pipefdVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)

	if r := invoke(d, p, tcb, Pipe2, uint64(pipefdVA), 0); r != 0 {
		t.Fatalf("pipe2: %d", r)
	}
	rfd := readInt32(t, p, pipefdVA)
	wfd := readInt32(t, p, addr.VirtAddr(int64(pipefdVA)+4))

	msgVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	writeCString(t, p, msgVA, "hi")

	n := invoke(d, p, tcb, Write, uint64(wfd), uint64(msgVA), 2)
	if n != 2 {
		t.Fatalf("write: %d", n)
	}
	n = invoke(d, p, tcb, Read, uint64(rfd), uint64(msgVA+100), 2)
	if n != 2 {
		t.Fatalf("read: %d", n)
	}
}

func readInt32(t *testing.T, p *proc.PCB, va addr.VirtAddr) int {
	t.Helper()
	buf := make([]byte, 4)
	if err := uaccess.CopyIn(p.MS, p.Alloc(), va, buf); err != errno.OK {
		t.Fatalf("readInt32: %v", err)
	}
	return int(binary.LittleEndian.Uint32(buf))
}

func TestExitMarksZombieAndWait4Reaps(t *testing.T) {
	p, _, kernel, layout := newTestProcess(t)
	child, err := p.Clone(kernel, layout)
	if err != errno.OK {
		t.Fatalf("clone: %v", err)
	}
	d := &Dispatcher{}
	invoke(d, child, child.Tasks[0], Exit, 42)

	pid := invoke(d, p, p.Tasks[0], Wait4, ^uint64(0), 0, 0)
	if pid != int64(child.PID) {
		t.Fatalf("wait4: %d want %d", pid, child.PID)
	}
}

func TestWait4ReturnsNegativeOneWhenNoChildren(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}
	r := invoke(d, p, tcb, Wait4, ^uint64(0), 0, 0)
	if r != int64(-1) {
		t.Fatalf("got %d, want -1", r)
	}
}

func TestGetpidGetppid(t *testing.T) {
	p, tcb, kernel, layout := newTestProcess(t)
	d := &Dispatcher{}
	if invoke(d, p, tcb, Getpid) != int64(p.PID) {
		t.Fatal("getpid mismatch")
	}
	if invoke(d, p, tcb, Getppid) != 0 {
		t.Fatal("expected 0 parent pid for root process")
	}
	child, _ := p.Clone(kernel, layout)
	if invoke(d, child, child.Tasks[0], Getppid) != int64(p.PID) {
		t.Fatal("expected child's getppid to return parent's pid")
	}
}

func TestBrkExpandsHeap(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}
	cur := invoke(d, p, tcb, Brk, 0)
	if cur != int64(p.MS.Brk) {
		t.Fatalf("brk(0) should report current brk: %d vs %d", cur, p.MS.Brk)
	}
	newBrk := uint64(cur) + addr.PageSize
	got := invoke(d, p, tcb, Brk, newBrk)
	if got != int64(newBrk) {
		t.Fatalf("brk expand: got %d want %d", got, newBrk)
	}
}

func TestCloneSyscallAddsChildToRunQueue(t *testing.T) {
	p, tcb, kernel, layout := newTestProcess(t)
	processor := &sched.Processor{}
	d := &Dispatcher{Proc: processor, Kernel: kernel, KStack: layout}
	childPID := invoke(d, p, tcb, Clone, 0)
	if childPID == int64(p.PID) {
		t.Fatal("expected distinct child pid")
	}
	if processor.Queue.Len() != 1 {
		t.Fatalf("expected child TCB queued, len=%d", processor.Queue.Len())
	}
}

func TestOpenatMissingFileReturnsENOENT(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	fs := newFakeFS()
	d := &Dispatcher{FS: fs}
	pathVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	writeCString(t, p, pathVA, "/nope")

	r := invoke(d, p, tcb, Openat, uint64(int32(AtFDCWD)), uint64(pathVA), uint64(unix.O_RDONLY), 0)
	if r != int64(errno.ENOENT) {
		t.Fatalf("got %d", r)
	}
}

func TestResolveAtRejectsBadDirfd(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	fs := newFakeFS()
	d := &Dispatcher{FS: fs}
	pathVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	writeCString(t, p, pathVA, "rel")

	r := invoke(d, p, tcb, Openat, uint64(int32(99)), uint64(pathVA), uint64(unix.O_RDONLY), 0)
	if r != int64(errno.EBADF) {
		t.Fatalf("got %d", r)
	}
}

func TestFstatAndWriteReadOnRegularFile(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	fs := newFakeFS()
	fs.files["/greeting"] = []byte("hello")
	d := &Dispatcher{FS: fs}
	pathVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	writeCString(t, p, pathVA, "/greeting")

	fd := invoke(d, p, tcb, Openat, uint64(int32(AtFDCWD)), uint64(pathVA), uint64(unix.O_RDONLY), 0)
	if fd < 0 {
		t.Fatalf("openat: %d", fd)
	}
	statVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	if r := invoke(d, p, tcb, Fstat, uint64(fd), uint64(statVA)); r != 0 {
		t.Fatalf("fstat: %d", r)
	}
	buf := make([]byte, vfile.WireSize)
	if err := uaccess.CopyIn(p.MS, p.Alloc(), statVA, buf); err != errno.OK {
		t.Fatal(err)
	}
	if size := int64(binary.LittleEndian.Uint64(buf[40:48])); size != 5 {
		t.Fatalf("st_size mismatch: %d", size)
	}
}

func TestExecveReplacesImage(t *testing.T) {
	p, tcb, kernel, _ := newTestProcess(t)
	fs := newFakeFS()
	fs.files["/bin/prog"] = buildMinimalELF(t, 0x2000, 0x2000, 32)
	d := &Dispatcher{FS: fs, Kernel: kernel}
	pathVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	writeCString(t, p, pathVA, "/bin/prog")

	if r := invoke(d, p, tcb, Execve, uint64(pathVA), 0, 0); r != 0 {
		t.Fatalf("execve: %d", r)
	}
	if p.Tasks[0].TrapCtx.PC() != 0x2000 {
		t.Fatalf("got entry %x", p.Tasks[0].TrapCtx.PC())
	}
}

func TestKillOnUnknownPidReturnsESRCH(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}
	r := invoke(d, p, tcb, Kill, 999999, 9)
	if r != int64(errno.ESRCH) {
		t.Fatalf("got %d", r)
	}
}

func TestNanosleepZeroDurationReturnsImmediatelyWithRemZeroed(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	ticker := timerq.NewTicker(1_000_000)
	heap := timerq.NewHeap()
	d := &Dispatcher{Ticker: ticker, SleepHeap: heap}
	reqVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	remVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)

	r := invoke(d, p, tcb, Nanosleep, uint64(reqVA), uint64(remVA))
	if r != 0 {
		t.Fatalf("got %d, want 0", r)
	}
	if heap.Len() != 1 {
		t.Fatalf("expected the sleep entry registered in the heap, len=%d", heap.Len())
	}
	if v, err := uaccess.ReadN(p.MS, p.Alloc(), remVA, 8); err != errno.OK || v != 0 {
		t.Fatalf("rem.tv_sec = %d, err=%v", v, err)
	}
}

func TestNanosleepInterruptedBySignalReturnsEINTRAndRemaining(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	ticker := timerq.NewTicker(1_000_000)
	d := &Dispatcher{Ticker: ticker, SleepHeap: timerq.NewHeap()}
	reqVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	remVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	if err := uaccess.WriteN(p.MS, p.Alloc(), reqVA, 8, 1); err != errno.OK { // 1 second
		t.Fatal(err)
	}

	p.Signals().Post(int(unix.SIGALRM))
	r := invoke(d, p, tcb, Nanosleep, uint64(reqVA), uint64(remVA))
	if r != int64(errno.EINTR) {
		t.Fatalf("got %d, want -EINTR", r)
	}
	remSec, err := uaccess.ReadN(p.MS, p.Alloc(), remVA, 8)
	if err != errno.OK || remSec <= 0 {
		t.Fatalf("rem.tv_sec = %d, err=%v, want >0", remSec, err)
	}
}

func TestNanosleepRejectsInvalidNsec(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{Ticker: timerq.NewTicker(1_000_000), SleepHeap: timerq.NewHeap()}
	reqVA, _ := p.MS.Mmap(0, addr.PageSize, vm.PermR|vm.PermW, false, nil, 0)
	if err := uaccess.WriteN(p.MS, p.Alloc(), addr.VirtAddr(int64(reqVA)+8), 8, 2_000_000_000); err != errno.OK {
		t.Fatal(err)
	}

	r := invoke(d, p, tcb, Nanosleep, uint64(reqVA), 0)
	if r != int64(errno.EINVAL) {
		t.Fatalf("got %d, want -EINVAL", r)
	}
}

func TestMmapAnonymousPrivateMappingIsUsable(t *testing.T) {
	p, tcb, _, _ := newTestProcess(t)
	d := &Dispatcher{}
	r := invoke(d, p, tcb, Mmap, 0, uint64(addr.PageSize), uint64(unix.PROT_READ|unix.PROT_WRITE), uint64(unix.MAP_PRIVATE), uint64(int32(-1)), 0)
	if r <= 0 {
		t.Fatalf("mmap: %d", r)
	}
	if err := uaccess.CopyOut(p.MS, p.Alloc(), addr.VirtAddr(r), []byte{1, 2, 3}); err != errno.OK {
		t.Fatalf("mapped region not writable: %v", err)
	}
}
