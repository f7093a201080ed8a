package profile

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/google/pprof/profile"

	"duokernel/internal/vfile"
)

func TestCountersAddAndSnapshot(t *testing.T) {
	c := NewCounters()
	c.Add("sched.switch", 3)
	c.Add("sched.switch", 2)
	c.Add("syscall.write", 1)

	snap := c.Snapshot()
	if snap["sched.switch"] != 5 {
		t.Fatalf("sched.switch = %d, want 5", snap["sched.switch"])
	}
	if snap["syscall.write"] != 1 {
		t.Fatalf("syscall.write = %d, want 1", snap["syscall.write"])
	}

	// Mutating the returned map must not affect the live table.
	snap["sched.switch"] = 999
	if c.Snapshot()["sched.switch"] != 5 {
		t.Fatal("Snapshot leaked a mutable reference to internal state")
	}
}

func TestCountersSnapshotEmpty(t *testing.T) {
	c := NewCounters()
	snap := c.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("len(snap) = %d, want 0", len(snap))
	}
}

func TestDeviceReadProducesValidGzippedProfile(t *testing.T) {
	c := NewCounters()
	c.Add("trap.timer", 42)
	c.Add("trap.syscall", 7)
	dev := NewDevice(c)

	var out bytes.Buffer
	buf := make([]byte, 16)
	for {
		n, errno := dev.Read(buf)
		if n == 0 {
			break
		}
		if errno != 0 {
			t.Fatalf("Read returned errno %v", errno)
		}
		out.Write(buf[:n])
	}

	if _, err := gzip.NewReader(bytes.NewReader(out.Bytes())); err != nil {
		t.Fatalf("output is not valid gzip: %v", err)
	}

	prof, err := profile.ParseData(out.Bytes())
	if err != nil {
		t.Fatalf("profile.ParseData: %v", err)
	}
	if len(prof.Sample) != 2 {
		t.Fatalf("len(Sample) = %d, want 2", len(prof.Sample))
	}
	if err := prof.CheckValid(); err != nil {
		t.Fatalf("CheckValid: %v", err)
	}
}

func TestDeviceReadEmptyCountersStillValid(t *testing.T) {
	dev := NewDevice(NewCounters())
	var out bytes.Buffer
	buf := make([]byte, 8)
	for {
		n, _ := dev.Read(buf)
		if n == 0 {
			break
		}
		out.Write(buf[:n])
	}
	if out.Len() == 0 {
		t.Fatal("expected a non-empty encoded profile even with zero counters")
	}
}

func TestDeviceWriteIsRejected(t *testing.T) {
	dev := NewDevice(NewCounters())
	n, errno := dev.Write([]byte("x"))
	if n != 0 || errno == 0 {
		t.Fatalf("Write should be rejected, got n=%d errno=%v", n, errno)
	}
}

func TestDeviceStatReportsProfMajor(t *testing.T) {
	dev := NewDevice(NewCounters())
	st, errno := dev.Stat()
	if errno != 0 {
		t.Fatalf("Stat errno = %v", errno)
	}
	if st.Mode&0o100000 == 0 {
		t.Fatal("expected ModeIFREG bit set")
	}
	if maj, _ := vfile.Unmkdev(st.Rdev); maj != vfile.DProf {
		t.Fatalf("Rdev major = %d, want %d", maj, vfile.DProf)
	}
}

func TestSymbolicatePassesThroughPlainNames(t *testing.T) {
	got := symbolicate("sched.switch")
	if got != "sched.switch" {
		t.Fatalf("symbolicate(%q) = %q, want unchanged", "sched.switch", got)
	}
}
