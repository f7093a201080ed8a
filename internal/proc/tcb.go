package proc

import (
	"duokernel/internal/kstack"
	"duokernel/internal/trapctx"
)

// Status is a thread's scheduling state, per spec.md §3's TCB entry.
type Status int

const (
	Ready Status = iota
	Running
	Blocked
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// TCB is a thread control block: a weak reference to its owning process
// (by PID, to avoid a Go reference cycle with PCB), an owned KernelStack,
// and the mutable interior spec.md §3 lists.
type TCB struct {
	OwnerPID int
	Stack    *kstack.KernelStack

	Res         *TaskUserRes // nil once exited
	TrapCtx     *trapctx.TrapContext
	TaskCtx     trapctx.TaskContext
	Status      Status
	ExitCode    int
	hasExitCode bool

	// LastUserEntryNS/LastKernelEntryNS are the clock readings (per
	// timerq.Ticker.NS) at this thread's last return to user mode and last
	// trap entry, respectively, letting the trap package compute the
	// (now-last) deltas spec.md §4.7's accounting and interval timer need
	// on every user/kernel transition. HasClock is false until the first
	// trap return stamps LastUserEntryNS, since tick 0 is itself a valid
	// reading and can't double as an "unset" sentinel.
	LastUserEntryNS   int64
	LastKernelEntryNS int64
	HasClock          bool
}

// NewTCB wires a kernel stack and (optionally absent) TaskUserRes into a
// fresh TCB; Res/TrapCtx are filled in by the caller once allocated, per
// spec.md §4.3's "alloc_user_res" flag on process creation vs. clone's
// reuse of the parent's mappings.
func NewTCB(ownerPID int, stack *kstack.KernelStack) *TCB {
	return &TCB{OwnerPID: ownerPID, Stack: stack, Status: Ready}
}

// SetExitCode records this thread's exit code, per spec.md §4.3's
// per-thread exit.
func (t *TCB) SetExitCode(code int) {
	t.ExitCode = code
	t.hasExitCode = true
}

// ExitCodeValue returns the recorded exit code and whether one was ever set.
func (t *TCB) ExitCodeValue() (int, bool) { return t.ExitCode, t.hasExitCode }

// TID returns this thread's TID, or -1 if its TaskUserRes has already been
// dropped (the thread has exited).
func (t *TCB) TID() int {
	if t.Res == nil {
		return -1
	}
	return t.Res.TID
}
