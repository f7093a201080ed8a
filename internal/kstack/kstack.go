// Package kstack implements the kernel-stack owning handle from spec.md §3:
// an id-indexed virtual-memory range with a guard page, allocated from a
// recycling id allocator and mapped into the kernel's own address space.
package kstack

import (
	"duokernel/internal/addr"
	"duokernel/internal/idalloc"
	"duokernel/internal/vm"
)

// Layout carries the per-architecture constants spec.md §6 names:
// TRAMPOLINE is the top-of-VA boundary every kernel stack range is computed
// downward from, and StackSize is each stack's length; one addr.PageSize
// guard page separates neighbouring stacks.
type Layout struct {
	Trampoline addr.VirtAddr
	StackSize  int // 2-16 MiB depending on target, per spec.md §6
}

// Range returns [bottom, top) for kernel stack id, leaving one guard page
// below it, per spec.md §3/§6:
// top(id) = TRAMPOLINE - id*(KSTACK_SIZE+PAGE_SIZE)
// bottom(id) = top(id) - KSTACK_SIZE
func (l Layout) Range(id int) (bottom, top addr.VirtAddr) {
	top = addr.VirtAddr(int64(l.Trampoline) - int64(id)*(int64(l.StackSize)+addr.PageSize))
	bottom = addr.VirtAddr(int64(top) - int64(l.StackSize))
	return
}

// allocator is shared process-wide (spec.md §5: "kernel-stack allocator"
// is one of the interior-mutable singletons), reserving id 0 so a
// freshly-zeroed field never aliases a live stack.
var allocator = idalloc.New(1)

// KernelStack is an owning handle wrapping a numeric id; destroying it
// unmaps its VA range in the given kernel MemorySet and returns the id.
type KernelStack struct {
	id     int
	layout Layout
	kernel *vm.MemorySet
}

// Alloc reserves a fresh id, maps its VA range into kernel as a Framed R+W
// area, and returns the owning handle plus the stack's top-of-stack VA
// (where a new thread's initial SP should point).
func Alloc(layout Layout, kernel *vm.MemorySet) (*KernelStack, addr.VirtAddr) {
	id := allocator.Alloc()
	bottom, top := layout.Range(id)
	if err := kernel.InsertFramedArea(bottom, top, vm.PermR|vm.PermW); err != 0 {
		panic("kstack: out of memory allocating kernel stack")
	}
	return &KernelStack{id: id, layout: layout, kernel: kernel}, top
}

// ID returns the numeric id backing this handle.
func (k *KernelStack) ID() int { return k.id }

// Top returns the virtual address just past the top of this stack.
func (k *KernelStack) Top() addr.VirtAddr {
	_, top := k.layout.Range(k.id)
	return top
}

// Free unmaps the stack's VA range and returns its id to the allocator.
// Must not be called while the stack is still in use by a running thread.
func (k *KernelStack) Free() {
	bottom, _ := k.layout.Range(k.id)
	if !k.kernel.RemoveAreaWithStartVPN(bottom.Floor()) {
		panic("kstack: stack area missing at free time")
	}
	allocator.Free(k.id)
}
