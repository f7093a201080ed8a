// Package proc implements spec.md §4.3's process/thread model: PCB, TCB,
// TaskUserRes, and fork/clone/exec/exit/wait4. There is no direct teacher
// analog -- the retrieved biscuit/src/proc package contained only a go.mod,
// no source -- so this is built from spec.md's data model directly,
// threading through vm.MemorySet, vfile.File, and the accounting/signal
// packages the way fd.Fd_t and accnt.Accnt_t thread through biscuit's own
// process code.
package proc

import "duokernel/internal/addr"

// UserStackSize is the 8 KiB per-thread user stack spec.md §6 specifies.
const UserStackSize = 8 * 1024

// Trampoline returns TRAMPOLINE = top-of-VA - PAGE_SIZE + 1, per spec.md §6.
func Trampoline(a addr.Arch) addr.VirtAddr {
	top := int64(1) << uint(a.VAWidth)
	return addr.VirtAddr(top - addr.PageSize + 1)
}

// TrapContextVA returns TRAP_CONTEXT_BASE for thread tid: one page per
// thread, descending from just below TRAMPOLINE, per spec.md §6.
func TrapContextVA(a addr.Arch, tid int) addr.VirtAddr {
	return addr.VirtAddr(int64(Trampoline(a)) - int64(tid+1)*addr.PageSize)
}

// userStackBase0 returns the TID-0 UserStackBase = TRAP_CONTEXT_BASE(0) - 8
// MiB, per spec.md §6.
func userStackBase0(a addr.Arch) addr.VirtAddr {
	return addr.VirtAddr(int64(TrapContextVA(a, 0)) - 8*1024*1024)
}

// UserStackRange returns [bottom, top) for thread tid's user stack, leaving
// one guard page below it and descending by tid the way kernel stacks do
// (spec.md §6: "one guard page + 8 KiB stack per thread, descending by
// TID").
func UserStackRange(a addr.Arch, tid int) (bottom, top addr.VirtAddr) {
	top = addr.VirtAddr(int64(userStackBase0(a)) - int64(tid)*(addr.PageSize+UserStackSize))
	bottom = addr.VirtAddr(int64(top) - UserStackSize)
	return
}
