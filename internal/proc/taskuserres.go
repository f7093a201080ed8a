package proc

import (
	"duokernel/internal/addr"
	"duokernel/internal/frame"
	"duokernel/internal/idalloc"
	"duokernel/internal/vm"
)

// TaskUserRes is a thread's deterministic user-stack and trap-context
// mappings inside its owning process's MemorySet, per spec.md §3.
// Destroying it un-maps both regions and returns the TID.
type TaskUserRes struct {
	TID     int
	tids    *idalloc.RecycleAllocator
	ms      *vm.MemorySet
	trapCtx *frame.FrameTracker
}

// AllocTaskUserRes allocates a TID from tids, maps a fresh user-stack area
// and a trap-context page into ms at their deterministic TID-indexed
// virtual addresses, per spec.md §3/§6.
func AllocTaskUserRes(a addr.Arch, ms *vm.MemorySet, tids *idalloc.RecycleAllocator) (*TaskUserRes, bool) {
	tid := tids.Alloc()

	bottom, top := UserStackRange(a, tid)
	if err := ms.InsertFramedArea(bottom, top, vm.PermR|vm.PermW|vm.PermU); err != 0 {
		tids.Free(tid)
		return nil, false
	}

	f, ok := ms.Alloc.Alloc()
	if !ok {
		ms.RemoveAreaWithStartVPN(bottom.Floor())
		tids.Free(tid)
		return nil, false
	}
	ctxVA := TrapContextVA(a, tid)
	ms.MapTrapContext(ctxVA, f)

	return &TaskUserRes{TID: tid, tids: tids, ms: ms, trapCtx: f}, true
}

// UserStackTop returns this thread's initial user stack pointer.
func (r *TaskUserRes) UserStackTop(a addr.Arch) addr.VirtAddr {
	_, top := UserStackRange(a, r.TID)
	return top
}

// TrapContextPPN returns the physical page backing this thread's trap
// context, for kernel-side access per spec.md §3's Trap Context entry.
func (r *TaskUserRes) TrapContextPPN() addr.PhysPageNum { return r.trapCtx.PPN() }

// Drop un-maps the user stack and trap-context page and returns the TID to
// its allocator, per spec.md §3's TaskUserRes lifecycle.
func (r *TaskUserRes) Drop(a addr.Arch) {
	bottom, _ := UserStackRange(a, r.TID)
	r.ms.RemoveAreaWithStartVPN(bottom.Floor())
	r.ms.UnmapTrapContext(TrapContextVA(a, r.TID))
	r.trapCtx.Free()
	r.tids.Free(r.TID)
}
