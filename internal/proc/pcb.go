package proc

import (
	"sync"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/idalloc"
	"duokernel/internal/kstack"
	"duokernel/internal/sig"
	"duokernel/internal/timerq"
	"duokernel/internal/trapctx"
	"duokernel/internal/uaccess"
	"duokernel/internal/vfile"
	"duokernel/internal/vm"
)

// pids is the single process-global PID allocator, per spec.md §3's "PID is
// process-global; TID is per-process."
var pids = idalloc.New(1)

// table is the global pid -> process map spec.md §4.3 requires ("Insert
// {pid->process} into a global map").
var (
	tableMu sync.Mutex
	table   = map[int]*PCB{}
)

// Lookup returns the process registered under pid, if any.
func Lookup(pid int) (*PCB, bool) {
	tableMu.Lock()
	defer tableMu.Unlock()
	p, ok := table[pid]
	return p, ok
}

func register(p *PCB) {
	tableMu.Lock()
	table[p.PID] = p
	tableMu.Unlock()
}

func unregister(pid int) {
	tableMu.Lock()
	delete(table, pid)
	tableMu.Unlock()
}

// Init is the global init process every orphan is re-parented to, per
// spec.md §4.3's exit semantics. The boot harness sets this once.
var Init *PCB

// IdlePID is the PID whose thread-0 exit shuts the machine down, per
// spec.md §4.3.
var IdlePID = -1

// PCB is a process control block, per spec.md §3.
type PCB struct {
	PID  int
	TGID int

	mu        sync.Mutex
	Zombie    bool
	MS        *vm.MemorySet
	Parent    *PCB
	Children  []*PCB
	ExitCode  int
	CwdPath   string
	Files     []vfile.File
	Sig       sig.Set
	Tasks     []*TCB // indexed by TID; entry is nil once that TID's slot is empty
	tids      *idalloc.RecycleAllocator
	Accnt     timerq.Accnt
	Interval  timerq.IntervalTimer

	arch  addr.Arch
	alloc *frame.Allocator
}

// Signals implements sig.KillTarget.
func (p *PCB) Signals() *sig.Set { return &p.Sig }

// Alloc returns the physical frame allocator this process's MemorySet is
// backed by, so collaborators outside this package (the syscall layer) can
// translate user pointers without reaching into a private field.
func (p *PCB) Alloc() *frame.Allocator { return p.alloc }

// NewProcess implements spec.md §4.3's new(elf_bytes): builds a MemorySet
// from the ELF image, allocates a PID, seeds the fd table with
// {Stdin,Stdout,Stdout}, and creates TID 0 with freshly allocated user
// resources. Returns the PCB and its (only) TCB.
func NewProcess(a addr.Arch, alloc *frame.Allocator, elf []byte, stdin vfile.File, stdout vfile.File, kernel *vm.MemorySet, ksLayout kstack.Layout) (*PCB, *TCB, errno.Errno) {
	ms, entry, err := vm.FromELF(a, alloc, elf)
	if err != errno.OK {
		return nil, nil, err
	}
	ms.MapTrampoline(Trampoline(a), kernelTrampolinePPN(kernel))

	pid := pids.Alloc()
	p := &PCB{
		PID: pid, TGID: pid, MS: ms,
		CwdPath: "/",
		Files:   []vfile.File{stdin, stdout, stdout},
		tids:    idalloc.New(0),
		arch:    a, alloc: alloc,
	}

	tcb, ferr := p.spawnThread(entry, kernel, ksLayout)
	if ferr != errno.OK {
		return nil, nil, ferr
	}
	register(p)
	return p, tcb, errno.OK
}

// kernelTrampolinePPN is a placeholder accessor; the boot harness maps the
// real trampoline page into kernel space once and every user MemorySet
// shares that physical page, per spec.md §4.2.
func kernelTrampolinePPN(kernel *vm.MemorySet) addr.PhysPageNum {
	return kernel.TrampolinePPN()
}

// spawnThread allocates TaskUserRes + a kernel stack for a fresh thread at
// entry pc, used by both NewProcess (TID 0) and future clone/pthread-style
// growth.
func (p *PCB) spawnThread(entry addr.VirtAddr, kernel *vm.MemorySet, ksLayout kstack.Layout) (*TCB, errno.Errno) {
	res, ok := AllocTaskUserRes(p.arch, p.MS, p.tids)
	if !ok {
		return nil, errno.ENOMEM
	}
	stack, kstop := kstack.Alloc(ksLayout, kernel)

	tcb := NewTCB(p.PID, stack)
	tcb.Res = res
	tcb.TrapCtx = &trapctx.TrapContext{}
	tcb.TrapCtx.SetPC(uint64(entry))
	tcb.TrapCtx.SetSP(uint64(res.UserStackTop(p.arch)))
	tcb.TrapCtx.KernelSP = uint64(kstop)

	for len(p.Tasks) <= res.TID {
		p.Tasks = append(p.Tasks, nil)
	}
	p.Tasks[res.TID] = tcb
	return tcb, errno.OK
}

// Exec implements spec.md §4.3's exec(elf_bytes, argv): only legal with
// exactly one thread. Rebuilds the MemorySet in place and reinitializes TID
// 0's trap context, pushing argv onto the new user stack.
func (p *PCB) Exec(elf []byte, argv []string, kernel *vm.MemorySet) errno.Errno {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.liveTasksLocked()) != 1 {
		return errno.EINVAL
	}

	ms, entry, err := vm.FromELF(p.arch, p.alloc, elf)
	if err != errno.OK {
		return err
	}
	ms.MapTrampoline(Trampoline(p.arch), kernelTrampolinePPN(kernel))

	old := p.Tasks[0]
	old.Res.Drop(p.arch)
	p.MS = ms
	p.tids = idalloc.New(0)

	res, ok := AllocTaskUserRes(p.arch, p.MS, p.tids)
	if !ok {
		return errno.ENOMEM
	}

	sp := res.UserStackTop(p.arch)
	var argPtrs []uint64
	for _, a := range argv {
		buf := append([]byte(a), 0)
		sp = addr.VirtAddr(int64(sp) - int64(len(buf)))
		uaccess.CopyOut(p.MS, p.alloc, sp, buf)
		argPtrs = append(argPtrs, uint64(sp))
	}
	sp = addr.VirtAddr(int64(sp) &^ 7) // align down to machine-word size
	// NULL-terminated argv pointer array directly below the strings.
	sp = addr.VirtAddr(int64(sp) - int64(len(argPtrs)+1)*8)
	for i, ptr := range append(argPtrs, 0) {
		uaccess.WriteN(p.MS, p.alloc, addr.VirtAddr(int64(sp)+int64(i)*8), 8, int(ptr))
	}

	newTCB := NewTCB(p.PID, old.Stack)
	newTCB.Res = res
	newTCB.TrapCtx = &trapctx.TrapContext{}
	newTCB.TrapCtx.SetPC(uint64(entry))
	newTCB.TrapCtx.SetSP(uint64(sp))
	newTCB.TrapCtx.KernelSP = old.TrapCtx.KernelSP
	newTCB.TrapCtx.SetArg(0, uint64(len(argv)))
	newTCB.TrapCtx.SetArg(1, uint64(sp)) // argv array base
	p.Tasks = []*TCB{newTCB}
	return errno.OK
}

func (p *PCB) liveTasksLocked() []*TCB {
	var live []*TCB
	for _, t := range p.Tasks {
		if t != nil {
			live = append(live, t)
		}
	}
	return live
}

// Clone implements spec.md §4.3's clone(): only legal with exactly one
// thread. Deep-clones the MemorySet, allocates a new PID, duplicates the fd
// table by Reopen-ing each capability, and builds the child's main TCB
// reusing TID 0's deterministic addresses: the MemorySet clone already
// carries the user-stack bytes, and a freshly mapped trap-context page is
// populated with a copy of the parent's trap-context state (reconciling
// spec.md §4.2's "do not copy trap-context pages" with §4.3's "without
// allocating new user resources": the logical state is preserved even
// though the physical trap-context frame is fresh).
func (p *PCB) Clone(kernel *vm.MemorySet, ksLayout kstack.Layout) (*PCB, errno.Errno) {
	p.mu.Lock()
	parentTCB := p.Tasks[0]
	if len(p.liveTasksLocked()) != 1 {
		p.mu.Unlock()
		return nil, errno.EINVAL
	}
	childMS, ok := vm.FromExistedUser(p.MS)
	p.mu.Unlock()
	if !ok {
		return nil, errno.ENOMEM
	}
	childMS.MapTrampoline(Trampoline(p.arch), kernelTrampolinePPN(kernel))

	childPID := pids.Alloc()
	child := &PCB{
		PID: childPID, TGID: childPID, MS: childMS,
		Parent: p, CwdPath: p.CwdPath,
		tids: idalloc.New(0),
		arch: p.arch, alloc: p.alloc,
	}
	for _, f := range p.Files {
		if f != nil {
			f.Reopen()
		}
		child.Files = append(child.Files, f)
	}

	tid := child.tids.Alloc() // reserves TID 0
	f, ok := child.alloc.Alloc()
	if !ok {
		return nil, errno.ENOMEM
	}
	ctxVA := TrapContextVA(child.arch, tid)
	childMS.MapTrapContext(ctxVA, f)
	res := &TaskUserRes{TID: tid, tids: child.tids, ms: childMS, trapCtx: f}
	childStack, kstop := kstack.Alloc(ksLayout, kernel)

	childTCB := NewTCB(childPID, childStack)
	childTCB.Res = res
	ctxCopy := *parentTCB.TrapCtx
	childTCB.TrapCtx = &ctxCopy
	childTCB.TrapCtx.KernelSP = uint64(kstop)
	childTCB.TrapCtx.SetRetVal(0) // child sees clone() return 0
	child.Tasks = []*TCB{childTCB}

	p.mu.Lock()
	p.Children = append(p.Children, child)
	p.mu.Unlock()
	register(child)
	return child, errno.OK
}

// Wait4 implements spec.md §4.3's wait4(pid, status_ptr, options). It does
// not itself suspend the caller; the syscall layer retries by calling this
// repeatedly from a suspension point when it returns (0, found=false,
// wouldBlock=true).
func (p *PCB) Wait4(pid int, nohang bool) (gotPID int, status int, found bool, wouldBlock bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	matched := false
	for i, c := range p.Children {
		if pid != -1 && c.PID != pid {
			continue
		}
		matched = true
		c.mu.Lock()
		isZombie := c.Zombie
		exitCode := c.ExitCode
		cpid := c.PID
		c.mu.Unlock()
		if isZombie {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			unregister(cpid)
			return cpid, (exitCode & 0xff) << 8, true, false
		}
	}
	if !matched {
		return -1, 0, false, false
	}
	if nohang {
		return 0, 0, true, false
	}
	return 0, 0, false, true
}

// ExitThread implements spec.md §4.3's per-thread exit(code). tid is the
// exiting thread's TID.
func (p *PCB) ExitThread(tid, code int) {
	p.mu.Lock()
	tcb := p.Tasks[tid]
	p.mu.Unlock()
	if tcb == nil {
		return
	}
	tcb.SetExitCode(code)
	tcb.Res.Drop(p.arch)
	tcb.Res = nil

	if tid != 0 {
		p.mu.Lock()
		p.Tasks[tid] = nil
		p.mu.Unlock()
		return
	}

	if p.PID == IdlePID {
		return // boot harness observes this and shuts down with status=code
	}

	p.mu.Lock()
	p.Zombie = true
	p.ExitCode = code

	if Init != nil {
		for _, c := range p.Children {
			c.mu.Lock()
			c.Parent = Init
			c.mu.Unlock()
			Init.mu.Lock()
			Init.Children = append(Init.Children, c)
			Init.mu.Unlock()
		}
		p.Children = nil
	}

	for i, t := range p.Tasks {
		if i == 0 || t == nil {
			continue
		}
		if t.Res != nil {
			t.Res.Drop(p.arch)
			t.Res = nil
		}
	}
	p.MS.RecycleDataPages()
	p.Files = nil
	p.Tasks = p.Tasks[:1]
	p.mu.Unlock()
}

// WakeMainThread implements sig.KillTarget; the caller (sched package)
// supplies the actual run-queue wakeup via a registered hook because proc
// cannot import sched without a cycle.
var WakeMainThreadHook func(pid int)

func (p *PCB) WakeMainThread() {
	if WakeMainThreadHook != nil {
		WakeMainThreadHook(p.PID)
	}
}
