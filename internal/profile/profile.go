// Package profile backs device major D_PROF (spec.md §6's UserStat.st_rdev
// scheme, defs/device.go's device-number table): a File capability that
// snapshots named kernel counters into a pprof profile.Profile, giving the
// teacher's otherwise-unused github.com/google/pprof/profile and
// github.com/ianlancetaylor/demangle dependencies a concrete home, per
// SPEC_FULL.md §1's domain-stack addition.
package profile

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"

	"duokernel/internal/errno"
	"duokernel/internal/vfile"
)

// Counters is a shared table of named, monotonically-adjusted counters --
// scheduler run counts, syscall dispatch counts, trap causes -- that any
// subsystem may register samples against.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewCounters returns an empty counter table.
func NewCounters() *Counters {
	return &Counters{values: map[string]int64{}}
}

// Add adjusts the named counter by delta, creating it at 0 first if unseen.
func (c *Counters) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] += delta
}

// Snapshot returns a point-in-time copy of every counter.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Device is the D_PROF File capability: reading it encodes the current
// counter snapshot as a gzip-compressed pprof profile and streams it out,
// per fd.Fdops_i's read-until-exhausted convention.
type Device struct {
	counters *Counters
	pending  *bytes.Buffer // nil until the first Read of a generation
}

// NewDevice wraps counters as a readable device.
func NewDevice(counters *Counters) *Device {
	return &Device{counters: counters}
}

func (d *Device) Readable() bool { return true }
func (d *Device) Writable() bool { return false }

// Read encodes a fresh snapshot lazily on the first call of a generation,
// then streams out of the buffered encoding -- matching how a console
// device serves bytes from an internal queue. Once that generation's bytes
// are exhausted it reports n=0 (EOF) rather than encoding a new one;
// Reopen starts the next generation, the same re-snapshot-on-reopen
// convention spec.md §6 expects of a file a process opens fresh each time.
func (d *Device) Read(buf []byte) (int, errno.Errno) {
	if d.pending == nil {
		encoded, err := d.snapshot()
		if err != nil {
			return 0, errno.EINVAL
		}
		d.pending = bytes.NewBuffer(encoded)
	}
	if d.pending.Len() == 0 {
		return 0, errno.OK
	}
	n, _ := d.pending.Read(buf)
	return n, errno.OK
}

func (d *Device) Write(buf []byte) (int, errno.Errno) { return 0, errno.EINVAL }

func (d *Device) Stat() (vfile.UserStat, errno.Errno) {
	return vfile.UserStat{Mode: vfile.ModeIFREG, Rdev: vfile.Mkdev(vfile.DProf, 0)}, errno.OK
}

func (d *Device) IsDir() bool   { return false }
func (d *Device) Path() string { return "/dev/prof" }

func (d *Device) ReadAt(offset int64, buf []byte) (int, errno.Errno) { return d.Read(buf) }
func (d *Device) WriteAt(offset int64, buf []byte) (int, errno.Errno) {
	return 0, errno.EINVAL
}

func (d *Device) Close() errno.Errno { return errno.OK }

// Reopen starts a fresh generation: the next Read re-encodes the counters
// as of that moment rather than continuing to serve stale, exhausted bytes.
func (d *Device) Reopen() errno.Errno {
	d.pending = nil
	return errno.OK
}

// snapshot builds a profile.Profile with one sample per counter, encodes it
// to the standard gzip-compressed pprof wire format, and returns the bytes.
func (d *Device) snapshot() ([]byte, error) {
	values := d.counters.Snapshot()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic function/location ID assignment

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "events", Unit: "count"},
		Period:     1,
	}
	for i, name := range names {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: symbolicate(name), SystemName: name}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{values[name]},
		})
	}

	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// symbolicate demangles name if it looks like a mangled C++-style symbol
// (a counter name sourced from a recorded kernel panic site, for instance);
// ordinary counter names pass through unchanged since Filter is a no-op on
// anything it doesn't recognize as mangled.
func symbolicate(name string) string {
	return demangle.Filter(name)
}
