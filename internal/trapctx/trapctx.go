// Package trapctx defines the two fixed-layout register-save records from
// spec.md §3: TrapContext (per-thread, user-facing) and TaskContext
// (per-TCB, kernel-side cooperative switch frame). Neither has a direct
// analog in the teacher, which targets x86 via its own modified Go runtime
// goroutine switch; the layouts here follow spec.md literally, written in
// the teacher's field-per-line commented-struct style (mem/mem.go).
package trapctx

import "duokernel/internal/pagetable"

// NumGPR is the number of general-purpose registers saved, enough for both
// target ISAs' 31 non-zero GPRs (x1..x31 / $r1..$r31).
const NumGPR = 32

// TrapContext is the saved user-register frame for a single thread, stored
// at a well-known virtual address in the owning thread's user address
// space (also reachable via its physical page for kernel-side writes).
type TrapContext struct {
	GPR      [NumGPR]uint64 // general purpose registers, including PC/SP
	Status   uint64         // CPU status word (sstatus / PRMD)
	EPC      uint64         // exception program counter
	KernelPT pagetable.Token // kernel page-table token
	KernelSP uint64          // kernel stack top for this thread
	TrapHandler uint64       // address of the high-level trap handler
}

// PC returns the saved program counter (conventionally GPR index 0 in this
// layout, analogous to sepc/PC in the real register file).
func (tc *TrapContext) PC() uint64 { return tc.GPR[0] }

// SetPC overwrites the saved program counter.
func (tc *TrapContext) SetPC(v uint64) { tc.GPR[0] = v }

// SP returns the saved user stack pointer (GPR index 1).
func (tc *TrapContext) SP() uint64 { return tc.GPR[1] }

// SetSP overwrites the saved user stack pointer.
func (tc *TrapContext) SetSP(v uint64) { tc.GPR[1] = v }

// SetArg sets argument register i (the ISA's a0/a1/... or $a0/$a1/...),
// starting at GPR index 10 (matches both RISC-V and LoongArch calling
// conventions, which place the first argument register at x10/$r4 mapped
// here to a shared logical slot).
func (tc *TrapContext) SetArg(i int, v uint64) { tc.GPR[10+i] = v }

// Arg returns argument register i, the read-side counterpart to SetArg --
// a syscall handler's view of its own arguments.
func (tc *TrapContext) Arg(i int) uint64 { return tc.GPR[10+i] }

// SyscallNum returns the syscall-number register (a7 / $r11 in this
// shared logical layout), per spec.md §4.8's dispatch-by-number contract.
func (tc *TrapContext) SyscallNum() uint64 { return tc.GPR[17] }

// SetSyscallNum overwrites the syscall-number register; used by tests that
// build a TrapContext as if a user ecall/syscall instruction had just
// trapped in.
func (tc *TrapContext) SetSyscallNum(v uint64) { tc.GPR[17] = v }

// RetVal returns the return-value register (a0 / $a0).
func (tc *TrapContext) RetVal() uint64 { return tc.GPR[10] }

// SetRetVal overwrites the return-value register.
func (tc *TrapContext) SetRetVal(v uint64) { tc.GPR[10] = v }

// TaskContext is the kernel-side register snapshot used for a cooperative
// context switch: return address, stack pointer, and callee-saved
// registers only -- no other state is saved by the context-switch stub.
type TaskContext struct {
	RA       uint64     // return address: resumes inside __switch's caller
	SP       uint64     // kernel stack pointer at the point of switch
	Callee   [12]uint64 // callee-saved registers (s0..s11 / $r23..$r31 class)
}

// GotoRestore builds a TaskContext whose RA points at the trap-return
// ("restore") entry and whose SP is the thread's kernel stack top, used
// when a brand-new thread is first scheduled.
func GotoRestore(restoreEntry, kernelSP uint64) TaskContext {
	return TaskContext{RA: restoreEntry, SP: kernelSP}
}
