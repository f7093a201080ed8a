// Package trap implements spec.md §4.4's trap-cause dispatch: the portion
// of the trap path that runs after the external assembly collaborator
// (spec.md §1/§6's __alltraps/__alltraps_k/__restore stubs) has saved the
// user frame and handed control to Go code. There is no teacher analog
// (biscuit's trap path lives in its forked runtime, not in ordinary Go
// source retrieved here), so this follows spec.md's cause table directly.
package trap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"duokernel/internal/proc"
	"duokernel/internal/sched"
	"duokernel/internal/sig"
	"duokernel/internal/timerq"
	"duokernel/internal/trapctx"
)

// Cause is the reason a trap occurred, per spec.md §4.4's table.
type Cause int

const (
	CauseSyscall Cause = iota
	CauseFault          // load/store/fetch fault or page fault
	CauseIllegalInstr
	CauseTimer
	CauseMisaligned // LoongArch only
)

// Dispatcher wires the pieces a trap handler pass needs: the running
// process's Syscall callback for syscalls, the scheduler's Processor for
// timer-driven preemption, and the sleep heap for wakeups.
type Dispatcher struct {
	Proc      *sched.Processor
	SleepHeap *timerq.Heap
	Ticker    *timerq.Ticker
	Syscall   func(p *proc.PCB, t *proc.TCB) // dispatches by syscall number, writes RetVal
	Switch    sched.SwitchFunc               // the external trap-assembly context-switch stub
}

func (d *Dispatcher) doSwitch(save, load *trapctx.TaskContext) {
	if d.Switch != nil {
		d.Switch(save, load)
	}
}

// HandleUser implements spec.md §4.4's user-trap cause table for a single
// trap, given the current process/thread and the observed cause. It
// returns the exit code if a fatal signal terminated the process
// (check_signals_of_current), and exited=true in that case.
func (d *Dispatcher) HandleUser(p *proc.PCB, t *proc.TCB, cause Cause) (exitCode int, exited bool) {
	haveClock := d.Ticker != nil
	if haveClock {
		now := d.Ticker.NS(d.Ticker.Now())
		if t.HasClock {
			p.Accnt.Utadd(now - t.LastUserEntryNS)
		}
		t.LastKernelEntryNS = now
	}

	switch cause {
	case CauseSyscall:
		t.TrapCtx.SetPC(t.TrapCtx.PC() + 4) // advance past ecall/syscall
		if d.Syscall != nil {
			d.Syscall(p, t)
		}
	case CauseFault:
		sig.Kill(p, int(unix.SIGSEGV))
	case CauseIllegalInstr:
		sig.Kill(p, int(unix.SIGILL))
	case CauseTimer:
		d.Ticker.Tick()
		woken := d.SleepHeap.CheckTimer(d.Ticker.MS(d.Ticker.Now()))
		for _, w := range woken {
			if tcb, ok := w.(*proc.TCB); ok {
				d.Proc.Wakeup(tcb)
			}
		}
		d.Proc.SuspendCurrentAndRunNext(d.doSwitch)
	case CauseMisaligned:
		// spec.md §4.4 calls for decoding the faulting load/store at EPC and
		// emulating it byte-by-byte before skipping it. That decode needs
		// the faulting instruction's opcode/register/width fields and the
		// hardware-supplied bad-address CSR, neither of which TrapContext
		// (spec.md §3) carries and neither of which any retrieved example
		// models for LoongArch -- hand-rolling the encoding tables here
		// would be inventing ISA behavior with nothing in the corpus to
		// ground it on. Left unemulated as a deliberate, documented
		// deviation (DESIGN.md, SPEC_FULL.md §4 item 5) rather than a
		// disguised no-op.
	}

	if e, _, fatal := p.Signals().CheckError(); fatal {
		p.ExitThread(t.TID(), int(e))
		return int(e), true
	}

	if haveClock {
		now := d.Ticker.NS(d.Ticker.Now())
		delta := now - t.LastKernelEntryNS
		p.Accnt.Systadd(delta)
		if p.Interval.Tick(delta) {
			sig.Kill(p, sig.SIGALRM)
		}
		t.LastUserEntryNS = now
		t.HasClock = true
	}
	return 0, false
}

// HandleKernel implements spec.md §4.4's kernel-mode-trap rule: only timer
// interrupts or (LoongArch) misalignment are legal; anything else is
// fatal. It panics with full diagnostic state on a disallowed cause,
// matching spec.md's "must panic with full diagnostic state".
func (d *Dispatcher) HandleKernel(cause Cause, epc uint64) {
	switch cause {
	case CauseTimer, CauseMisaligned:
		return
	default:
		panic(fmt.Sprintf("trap: fatal kernel-mode trap: cause=%d epc=%#x", cause, epc))
	}
}
