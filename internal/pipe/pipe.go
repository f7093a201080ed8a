// Package pipe implements the bounded ring buffer IPC primitive from
// spec.md §3/§4.6: a fixed 32-byte buffer with producer/consumer blocking
// and close detection. Grounded on circbuf/circbuf.go's head/tail/bufsz
// accounting (Full/Empty/Left/Used, Copyin/Copyout), generalized to the
// explicit {Empty,Normal,Full} status spec.md requires (the teacher
// disambiguates head==tail implicitly via a separate used-bytes count;
// spec.md §8 tests the status field directly, so we carry it explicitly).
package pipe

import (
	"sync"

	"duokernel/internal/errno"
)

// Size is the fixed ring-buffer capacity spec.md §4.6 specifies.
const Size = 32

// Status disambiguates the head==tail case between an empty and a full
// ring, per spec.md §3.
type Status int

const (
	Empty Status = iota
	Normal
	Full
)

// ring is the shared buffer both pipe ends hold a reference to.
type ring struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [Size]byte
	head   int
	tail   int
	status Status
	writers int // live write-end count, replacing the teacher's single
	// Option<Weak> per SPEC_FULL.md §4 Open Question decision 1.
	readers int
}

func newRing() *ring {
	r := &ring{status: Empty}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *ring) availableRead() int {
	switch r.status {
	case Empty:
		return 0
	case Full:
		return Size
	default:
		if r.head > r.tail {
			return r.head - r.tail
		}
		return Size - r.tail + r.head
	}
}

func (r *ring) availableWrite() int { return Size - r.availableRead() }

// Pipe is a pair of File-shaped endpoints sharing one ring buffer.
type Pipe struct {
	r *ring
}

// New creates a pipe pair: a read-end and a write-end.
func New() (*ReadEnd, *WriteEnd) {
	r := newRing()
	r.readers = 1
	r.writers = 1
	return &ReadEnd{r: r}, &WriteEnd{r: r}
}

// ReadEnd is the readable-only endpoint of a pipe.
type ReadEnd struct {
	r          *ring
	nonblock   bool
	closed     bool
	yield      func()
}

// WriteEnd is the writable-only endpoint of a pipe.
type WriteEnd struct {
	r        *ring
	nonblock bool
	closed   bool
	yield    func()
}

// SetNonblock toggles the non-blocking flag on this endpoint.
func (e *ReadEnd) SetNonblock(v bool) { e.nonblock = v }
func (e *WriteEnd) SetNonblock(v bool) { e.nonblock = v }

// SetYield installs the scheduler hook called instead of blocking forever
// while the ring is empty/full; spec.md §4.6 says the caller yields the CPU
// and retries rather than sleeping on the ring's own lock (avoiding the
// interior-mutability-across-a-scheduling-point rule of spec.md §4.5).
func (e *ReadEnd) SetYield(f func()) { e.yield = f }
func (e *WriteEnd) SetYield(f func()) { e.yield = f }

// Reopen duplicates this read end, incrementing the live-reader count, per
// fd.Copyfd's dup-by-reopen convention.
func (e *ReadEnd) Reopen() errno.Errno {
	e.r.mu.Lock()
	e.r.readers++
	e.r.mu.Unlock()
	return errno.OK
}

// Reopen duplicates this write end, incrementing the live-writer count so
// "all write ends closed" accounts for fd duplication correctly.
func (e *WriteEnd) Reopen() errno.Errno {
	e.r.mu.Lock()
	e.r.writers++
	e.r.mu.Unlock()
	return errno.OK
}

// Close releases this read end. Once every read end is closed, a blocked
// writer observes a broken pipe.
func (e *ReadEnd) Close() errno.Errno {
	if e.closed {
		return errno.OK
	}
	e.closed = true
	e.r.mu.Lock()
	e.r.readers--
	e.r.mu.Unlock()
	e.r.cond.Broadcast()
	return errno.OK
}

// Close releases this write end. Once every write end is closed, a blocked
// reader observes EOF.
func (e *WriteEnd) Close() errno.Errno {
	if e.closed {
		return errno.OK
	}
	e.closed = true
	e.r.mu.Lock()
	e.r.writers--
	e.r.mu.Unlock()
	e.r.cond.Broadcast()
	return errno.OK
}

// Read implements spec.md §4.6's read loop: while buf has remaining
// capacity, copy what's available; on empty, return early for EOF or
// non-blocking, otherwise yield and retry.
func (e *ReadEnd) Read(buf []byte) (int, errno.Errno) {
	r := e.r
	got := 0
	for got < len(buf) {
		r.mu.Lock()
		if r.availableRead() > 0 {
			n := min(r.availableRead(), len(buf)-got)
			for i := 0; i < n; i++ {
				buf[got+i] = r.buf[(r.tail+i)%Size]
			}
			r.tail = (r.tail + n) % Size
			got += n
			if r.head == r.tail {
				r.status = Empty
			} else {
				r.status = Normal
			}
			r.cond.Broadcast()
			r.mu.Unlock()
			continue
		}
		// empty
		writersLeft := r.writers
		r.mu.Unlock()
		if e.nonblock {
			return got, errno.OK
		}
		if writersLeft == 0 {
			return got, errno.OK // EOF
		}
		if e.yield != nil {
			e.yield()
		}
	}
	return got, errno.OK
}

// Write implements spec.md §4.6's write loop, symmetric to Read.
func (e *WriteEnd) Write(buf []byte) (int, errno.Errno) {
	r := e.r
	put := 0
	for put < len(buf) {
		r.mu.Lock()
		if r.readers == 0 {
			r.mu.Unlock()
			return put, errno.EPIPE // broken pipe: no reader will ever drain
		}
		if r.availableWrite() > 0 {
			n := min(r.availableWrite(), len(buf)-put)
			for i := 0; i < n; i++ {
				r.buf[(r.head+i)%Size] = buf[put+i]
			}
			r.head = (r.head + n) % Size
			put += n
			if r.head == r.tail {
				r.status = Full
			} else {
				r.status = Normal
			}
			r.cond.Broadcast()
			r.mu.Unlock()
			continue
		}
		// full
		readersLeft := r.readers
		r.mu.Unlock()
		if readersLeft == 0 {
			return put, errno.EPIPE // broken pipe: no reader will ever drain
		}
		if e.nonblock {
			return put, errno.OK
		}
		if e.yield != nil {
			e.yield()
		}
	}
	return put, errno.OK
}

// ReadAt ignores offset and performs a single non-blocking attempt, per
// spec.md §4.6.
func (e *ReadEnd) ReadAt(off int64, buf []byte) (int, errno.Errno) {
	saved := e.nonblock
	e.nonblock = true
	n, err := e.Read(buf)
	e.nonblock = saved
	return n, err
}

// WriteAt ignores offset and performs a single non-blocking attempt, per
// spec.md §4.6.
func (e *WriteEnd) WriteAt(off int64, buf []byte) (int, errno.Errno) {
	saved := e.nonblock
	e.nonblock = true
	n, err := e.Write(buf)
	e.nonblock = saved
	return n, err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
