// Command kernel is the boot harness: it builds the kernel's own address
// space, loads the first user ELF image from disk, wires the scheduler to
// the trap and syscall dispatchers, and runs the idle loop and the timer
// tick alongside it until the context is cancelled. There is no teacher
// analog (biscuit's entry point is a modified Go runtime startup, not an
// ordinary main package), so this follows spec.md §4's boot sequence
// directly, in the style of the teacher's own small cmd-style mains
// (biscuit/src/kernel/chentry.go): flag parsing with the standard
// library, log.Fatal on any setup failure.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/kstack"
	"duokernel/internal/proc"
	"duokernel/internal/profile"
	"duokernel/internal/sched"
	"duokernel/internal/syscall"
	"duokernel/internal/timerq"
	"duokernel/internal/trap"
	"duokernel/internal/trapctx"
	"duokernel/internal/vfile"
	"duokernel/internal/vm"
)

// tickHz is the simulated timer-interrupt frequency driving both
// preemption and sleep-queue wakeups, per spec.md §4.7's timer model.
const tickHz = 100

func main() {
	var (
		initPath = flag.String("init", "", "path to the first user ELF image")
		loong    = flag.Bool("loongarch", false, "boot with the LoongArch-class address layout instead of RISC-V-class")
		npages   = flag.Int("phys-pages", 1<<16, "number of physical frames the allocator manages")
	)
	flag.Parse()

	if *initPath == "" {
		log.Fatal("kernel: -init is required")
	}
	image, err := os.ReadFile(*initPath)
	if err != nil {
		log.Fatalf("kernel: reading init image: %v", err)
	}

	arch := addr.SV39
	if *loong {
		arch = addr.LoongArchFlex
	}

	alloc := frame.NewAllocator(0, *npages)
	kernelMS, ok := vm.NewKernel(arch, alloc, vm.KernelLayout{
		Text:       0,
		Rodata:     addr.VirtAddr(4 * addr.PageSize),
		Data:       addr.VirtAddr(8 * addr.PageSize),
		BssStack:   addr.VirtAddr(12 * addr.PageSize),
		EndOfImage: addr.VirtAddr(16 * addr.PageSize),
		MemoryEnd:  addr.VirtAddr(uint64(*npages) * addr.PageSize),
	})
	if !ok {
		log.Fatal("kernel: failed to build kernel address space")
	}
	trampolineFrame, ok := alloc.Alloc()
	if !ok {
		log.Fatal("kernel: out of physical frames allocating the trampoline page")
	}
	kernelMS.MapTrampoline(proc.Trampoline(arch), trampolineFrame.PPN())

	ksLayout := kstack.Layout{
		Trampoline: proc.Trampoline(arch),
		StackSize:  2 * 1024 * 1024,
	}

	stdin := vfile.NewStdin(os.Stdin)
	stdout := vfile.NewStdout(os.Stdout)

	initProc, initMain, ecode := proc.NewProcess(arch, alloc, image, stdin, stdout, kernelMS, ksLayout)
	if ecode != errno.OK {
		log.Fatalf("kernel: loading init image: %v", ecode)
	}
	proc.Init = initProc
	proc.IdlePID = initProc.PID

	processor := &sched.Processor{}
	processor.WireWakeups()
	processor.Queue.AddTask(initMain)

	ticker := timerq.NewTicker(tickHz)
	sleepHeap := timerq.NewHeap()
	counters := profile.NewCounters()

	syscalls := &syscall.Dispatcher{
		Proc:      processor,
		Switch:    noopSwitch,
		Kernel:    kernelMS,
		KStack:    ksLayout,
		FS:        nullFilesystem{},
		SleepHeap: sleepHeap,
		Ticker:    ticker,
		Yield:     func() { time.Sleep(time.Millisecond) },
	}

	dispatcher := &trap.Dispatcher{
		Proc:      processor,
		SleepHeap: sleepHeap,
		Ticker:    ticker,
		Syscall:   countingSyscall(counters, syscalls.Handle),
		Switch:    noopSwitch,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runIdleLoop(gctx, processor, dispatcher, counters) })
	g.Go(func() error { return runTimerTick(gctx, dispatcher) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("kernel: fatal: %v", err)
	}
}

// runIdleLoop implements spec.md §4.4's run_tasks loop: repeatedly fetch
// and run a ready task. This harness has no real per-thread hardware stack
// to switch control away to, so a scheduled quantum is modeled the same
// way the syscall layer models blocking -- as ending immediately in a
// syscall trap, dispatched by number straight out of the thread's saved
// trap context, rather than an unreachable real context switch.
func runIdleLoop(ctx context.Context, p *sched.Processor, d *trap.Dispatcher, counters *profile.Counters) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !p.RunOne(d.Switch) {
			time.Sleep(time.Millisecond)
			continue
		}
		t := p.Current()
		if t == nil {
			continue
		}
		owner, ok := proc.Lookup(t.OwnerPID)
		if !ok {
			continue
		}
		counters.Add("sched.run", 1)
		if _, exited := d.HandleUser(owner, t, trap.CauseSyscall); exited {
			counters.Add("proc.exit", 1)
		}
	}
}

// runTimerTick drives the simulated periodic timer interrupt that
// spec.md §4.7 describes as waking expired sleepers and preempting the
// current task.
func runTimerTick(ctx context.Context, d *trap.Dispatcher) error {
	period := time.Second / time.Duration(tickHz)
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			d.HandleKernel(trap.CauseTimer, 0)
		}
	}
}

// countingSyscall wraps a syscall dispatch function so every invocation is
// tallied in counters, feeding the D_PROF profiling device.
func countingSyscall(counters *profile.Counters, handle func(p *proc.PCB, t *proc.TCB)) func(p *proc.PCB, t *proc.TCB) {
	return func(p *proc.PCB, t *proc.TCB) {
		counters.Add("syscall.dispatch", 1)
		handle(p, t)
	}
}

// noopSwitch stands in for the external trap-assembly context-switch stub
// spec.md §1 names, which this Go-only core never implements.
func noopSwitch(save, load *trapctx.TaskContext) {}

// nullFilesystem rejects every lookup; a real deployment wires the
// out-of-scope FAT driver collaborator here instead, per spec.md §1.
type nullFilesystem struct{}

func (nullFilesystem) Open(path string, flags int, mode uint32) (vfile.File, errno.Errno) {
	return nil, errno.ENOENT
}

func (nullFilesystem) Mkdir(path string, mode uint32) errno.Errno { return errno.ENOENT }
