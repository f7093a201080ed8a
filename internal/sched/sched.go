// Package sched implements spec.md §4.4's scheduler: a FIFO run queue and
// a Processor object coordinating a single running thread at a time. There
// is no teacher analog for this -- biscuit piggybacks the host Go
// runtime's own goroutine scheduler as its process scheduler -- so this
// package models spec.md's explicit run_tasks/fetch_task/add_task contract
// directly, with the architecture-specific register save/restore left as
// a pluggable SwitchFunc representing the external trap-assembly
// collaborator spec.md §1/§6 names.
package sched

import (
	"sync"

	"duokernel/internal/proc"
	"duokernel/internal/trapctx"
)

// SwitchFunc is the contract for the architecture-specific context-switch
// stub spec.md §4.4 describes: save callee-saved registers + RA + SP into
// save, load them from load. No other state is touched. A real kernel
// plugs in hand-written assembly here; tests use a no-op or a fake that
// records calls.
type SwitchFunc func(save, load *trapctx.TaskContext)

// RunQueue is the FIFO ready queue spec.md §4.4 requires: fetch_task pops
// from the front, add_task pushes to the back.
type RunQueue struct {
	mu    sync.Mutex
	tasks []*proc.TCB
}

// AddTask pushes tcb to the back of the queue.
func (q *RunQueue) AddTask(tcb *proc.TCB) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, tcb)
}

// FetchTask pops and returns the task at the front of the queue, or nil if
// empty.
func (q *RunQueue) FetchTask() *proc.TCB {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// Len reports the number of ready tasks.
func (q *RunQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Processor is the process-wide scheduling state from spec.md §4.4: the
// optional currently-running TCB and an idle TaskContext to switch back
// into.
type Processor struct {
	Queue   RunQueue
	mu      sync.Mutex
	current *proc.TCB
	idle    trapctx.TaskContext
}

// Current returns the currently-running TCB, or nil if the processor is
// idle.
func (p *Processor) Current() *proc.TCB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Processor) setCurrent(t *proc.TCB) {
	p.mu.Lock()
	p.current = t
	p.mu.Unlock()
}

// RunOne implements one iteration of spec.md §4.4's run_tasks loop: pop the
// next ready TCB, transition it to Running, stash it as current, and
// switch from the idle context into its task context. It reports false if
// the queue was empty (the idle loop should keep polling).
func (p *Processor) RunOne(sw SwitchFunc) bool {
	t := p.Queue.FetchTask()
	if t == nil {
		return false
	}
	t.Status = proc.Running
	p.setCurrent(t)
	sw(&p.idle, &t.TaskCtx)
	return true
}

// SuspendCurrentAndRunNext implements spec.md §4.4's suspend transition:
// take current, set Ready, push to the back of the run queue, and switch
// back to idle (the caller must have dropped every intrfree handle before
// calling this, per spec.md §4.5 invariant (ii)).
func (p *Processor) SuspendCurrentAndRunNext(sw SwitchFunc) {
	t := p.Current()
	if t == nil {
		return
	}
	t.Status = proc.Ready
	p.setCurrent(nil)
	p.Queue.AddTask(t)
	sw(&t.TaskCtx, &p.idle)
}

// BlockCurrentAndRunNext implements spec.md §4.4's block transition: take
// current, set Blocked, hand it to onBlocked (typically pushing its
// TaskContext pointer into a wait queue -- the syscall's responsibility,
// per spec.md), and switch back to idle.
func (p *Processor) BlockCurrentAndRunNext(sw SwitchFunc, onBlocked func(*proc.TCB)) {
	t := p.Current()
	if t == nil {
		return
	}
	t.Status = proc.Blocked
	p.setCurrent(nil)
	if onBlocked != nil {
		onBlocked(t)
	}
	sw(&t.TaskCtx, &p.idle)
}

// ExitCurrentAndRunNext implements spec.md §4.3/§4.4's exit transition:
// the caller has already run PCB.ExitThread; this just clears current and
// switches back to idle with a throw-away save slot, per spec.md's
// "schedule another thread with a throw-away save slot".
func (p *Processor) ExitCurrentAndRunNext(sw SwitchFunc) {
	t := p.Current()
	p.setCurrent(nil)
	var trash trapctx.TaskContext
	if t != nil {
		sw(&trash, &p.idle)
	}
}

// Wakeup transitions a Blocked TCB back to Ready and re-enqueues it, per
// spec.md §4.7's wakeup_task / sig.Kill's "un-blocks the target's main
// thread".
func (p *Processor) Wakeup(t *proc.TCB) {
	if t.Status != proc.Blocked {
		return
	}
	t.Status = proc.Ready
	p.Queue.AddTask(t)
}

// WireWakeups installs p as the target of proc.WakeMainThreadHook, so
// sig.Kill (which only knows about PCBs) can reach back into the
// scheduler to unblock a process's main thread, per spec.md §4.4's
// sys_kill "un-blocks the target's main thread if blocked".
func (p *Processor) WireWakeups() {
	proc.WakeMainThreadHook = func(pid int) {
		owner, ok := proc.Lookup(pid)
		if !ok || len(owner.Tasks) == 0 || owner.Tasks[0] == nil {
			return
		}
		p.Wakeup(owner.Tasks[0])
	}
}
