package proc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"duokernel/internal/addr"
	"duokernel/internal/errno"
	"duokernel/internal/frame"
	"duokernel/internal/kstack"
	"duokernel/internal/vfile"
	"duokernel/internal/vm"
)

// buildMinimalELF constructs a hand-rolled 64-bit little-endian ELF
// executable with a single PT_LOAD segment, for exercising FromELF/PCB
// plumbing without a real toolchain-produced binary.
func buildMinimalELF(t *testing.T, vaddr, entry uint64, dataSize int) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56
	data := make([]byte, dataSize)
	for i := range data {
		data[i] = byte(i)
	}
	offset := uint64(ehdrSize + phdrSize)

	var buf bytes.Buffer
	ident := make([]byte, 16)
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[4] = 2 // ELFCLASS64
	ident[5] = 1 // ELFDATA2LSB
	ident[6] = 1 // EV_CURRENT
	buf.Write(ident)
	binary.Write(&buf, binary.LittleEndian, uint16(2))             // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(243))           // e_machine = EM_RISCV
	binary.Write(&buf, binary.LittleEndian, uint32(1))             // e_version
	binary.Write(&buf, binary.LittleEndian, entry)                 // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))      // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))             // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))             // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))      // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))      // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))             // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))             // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))             // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))             // e_shstrndx
	if buf.Len() != ehdrSize {
		t.Fatalf("ehdr size mismatch: %d", buf.Len())
	}

	binary.Write(&buf, binary.LittleEndian, uint32(1))          // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))          // p_flags = R|X
	binary.Write(&buf, binary.LittleEndian, offset)             // p_offset
	binary.Write(&buf, binary.LittleEndian, vaddr)               // p_vaddr
	binary.Write(&buf, binary.LittleEndian, vaddr)               // p_paddr
	binary.Write(&buf, binary.LittleEndian, uint64(dataSize))    // p_filesz
	binary.Write(&buf, binary.LittleEndian, uint64(dataSize*2))  // p_memsz (bss tail)
	binary.Write(&buf, binary.LittleEndian, uint64(addr.PageSize)) // p_align

	buf.Write(data)
	return buf.Bytes()
}

func testKernel(t *testing.T) (*vm.MemorySet, *frame.Allocator, kstack.Layout) {
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
	kernel.MapTrampoline(Trampoline(addr.SV39), f.PPN())
	layout := kstack.Layout{Trampoline: Trampoline(addr.SV39), StackSize: 2 * addr.PageSize}
	return kernel, alloc, layout
}

func TestNewProcessSeedsStdFilesAndMapsEntry(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})

	p, tcb, err := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	if err != errno.OK {
		t.Fatalf("NewProcess: %v", err)
	}
	if len(p.Files) != 3 {
		t.Fatalf("expected 3 fd-table entries, got %d", len(p.Files))
	}
	if tcb.TrapCtx.PC() != 0x1000 {
		t.Fatalf("got entry %x", tcb.TrapCtx.PC())
	}
	if tcb.Status != Ready {
		t.Fatalf("fresh TCB should be Ready, got %v", tcb.Status)
	}
	got, ok := Lookup(p.PID)
	if !ok || got != p {
		t.Fatal("expected process registered in global table")
	}
}

func TestCloneProducesDistinctPIDSharingFiles(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	parent, _, err := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	if err != errno.OK {
		t.Fatalf("NewProcess: %v", err)
	}

	child, cerr := parent.Clone(kernel, layout)
	if cerr != errno.OK {
		t.Fatalf("Clone: %v", cerr)
	}
	if child.PID == parent.PID {
		t.Fatal("expected distinct PID")
	}
	if len(child.Files) != len(parent.Files) {
		t.Fatalf("expected fd table copied, got %d want %d", len(child.Files), len(parent.Files))
	}
	if child.Tasks[0].TrapCtx.RetVal() != 0 {
		t.Fatal("child's clone() return value must be 0")
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatal("expected child linked into parent's children list")
	}
}

func TestCloneRejectsMultiThreadedParent(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	parent, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	parent.spawnThread(0x1000, kernel, layout) // now has 2 threads

	if _, err := parent.Clone(kernel, layout); err != errno.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestWait4FindsZombieChildAndEncodesExitStatus(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	parent, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	child, _ := parent.Clone(kernel, layout)

	child.ExitThread(0, 42)

	pid, status, found, wouldBlock := parent.Wait4(-1, false)
	if !found || wouldBlock {
		t.Fatalf("found=%v wouldBlock=%v", found, wouldBlock)
	}
	if pid != child.PID {
		t.Fatalf("got pid %d want %d", pid, child.PID)
	}
	if (status>>8)&0xff != 42 {
		t.Fatalf("got status %x", status)
	}
	if len(parent.Children) != 0 {
		t.Fatal("expected reaped child removed from children list")
	}
}

func TestWait4BlocksWithoutMatchingZombie(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	parent, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	parent.Clone(kernel, layout) // still running, not zombie

	_, _, found, wouldBlock := parent.Wait4(-1, false)
	if found || !wouldBlock {
		t.Fatalf("found=%v wouldBlock=%v", found, wouldBlock)
	}

	gotPID, _, foundNoHang, wouldBlockNoHang := parent.Wait4(-1, true)
	if !foundNoHang || wouldBlockNoHang || gotPID != 0 {
		t.Fatalf("WNOHANG: pid=%d found=%v wouldBlock=%v", gotPID, foundNoHang, wouldBlockNoHang)
	}
}

func TestWait4NoMatchingChildReturnsNotFound(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	parent, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)

	_, _, found, wouldBlock := parent.Wait4(999, false)
	if found || wouldBlock {
		t.Fatalf("found=%v wouldBlock=%v", found, wouldBlock)
	}
}

func TestExitThreadZeroReparentsChildrenToInit(t *testing.T) {
	kernel, alloc, layout := testKernel(t)
	elfBytes := buildMinimalELF(t, 0x1000, 0x1000, 64)
	stdin := vfile.NewStdin(bytes.NewReader(nil))
	stdout := vfile.NewStdout(&bytes.Buffer{})
	initProc, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	Init = initProc
	defer func() { Init = nil }()

	parent, _, _ := NewProcess(addr.SV39, alloc, elfBytes, stdin, stdout, kernel, layout)
	grandchild, _ := parent.Clone(kernel, layout)

	parent.ExitThread(0, 7)

	if !parent.Zombie {
		t.Fatal("expected parent marked zombie")
	}
	if len(parent.Children) != 0 {
		t.Fatal("expected children re-parented away")
	}
	found := false
	for _, c := range initProc.Children {
		if c == grandchild {
			found = true
		}
	}
	if !found {
		t.Fatal("expected grandchild re-parented to init")
	}
}
