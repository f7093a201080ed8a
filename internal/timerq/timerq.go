// Package timerq implements spec.md §4.7's timer model: a monotonic tick
// counter, a min-heap of (expire, waiter) entries for sleep wake-ups, and
// per-process CPU accounting. Grounded on accnt/accnt.go's Userns/Sysns
// nanosecond counters (Utadd/Systadd/Finish), generalized from a flat
// struct with no companion wake-queue into one paired with a
// container/heap sleep queue, since the teacher's sleep path goes through
// its own runtime-integrated timer wheel rather than an explicit heap.
package timerq

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// Ticker tracks a monotonically increasing tick counter and converts
// between ticks and real time using a fixed per-architecture frequency, per
// spec.md §4.7 ("CPU's cycle counter divided by an architecture-specific
// frequency").
type Ticker struct {
	freqHz int64
	ticks  int64
}

// NewTicker returns a Ticker running at freqHz ticks per second.
func NewTicker(freqHz int64) *Ticker {
	return &Ticker{freqHz: freqHz}
}

// Tick advances the counter by one and returns the new value.
func (t *Ticker) Tick() int64 { return atomic.AddInt64(&t.ticks, 1) }

// Now returns the current tick count.
func (t *Ticker) Now() int64 { return atomic.LoadInt64(&t.ticks) }

// MS converts a tick count to milliseconds.
func (t *Ticker) MS(ticks int64) int64 { return ticks * 1000 / t.freqHz }

// NS converts a tick count to nanoseconds.
func (t *Ticker) NS(ticks int64) int64 { return ticks * 1_000_000_000 / t.freqHz }

// TicksFromMS converts a millisecond duration to a tick count.
func (t *Ticker) TicksFromMS(ms int64) int64 { return ms * t.freqHz / 1000 }

// TicksFromNS converts a nanosecond duration to a tick count, used by
// sys_nanosleep (spec.md §4.7) where millisecond rounding would lose the
// sub-millisecond part of short sleeps.
func (t *Ticker) TicksFromNS(ns int64) int64 { return ns * t.freqHz / 1_000_000_000 }

// Waiter is anything a sleep timer can wake; in the scheduler this is a
// TCB, kept here as an opaque payload so timerq has no dependency on proc.
type Waiter any

type entry struct {
	expireMS int64
	seq      int64
	waiter   Waiter
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].expireMS != h[j].expireMS {
		return h[i].expireMS < h[j].expireMS
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Heap is the sleep-heap from spec.md §3: a min-heap of (expire-ms,
// thread) entries that AddTimer pushes into and CheckTimer drains.
type Heap struct {
	mu   sync.Mutex
	h    entryHeap
	next int64
}

// NewHeap returns an empty sleep heap.
func NewHeap() *Heap {
	h := &Heap{}
	heap.Init(&h.h)
	return h
}

// AddTimer pushes a (expireMS, waiter) entry, per spec.md §4.7's
// add_timer(expire_ms, tcb).
func (q *Heap) AddTimer(expireMS int64, w Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	heap.Push(&q.h, &entry{expireMS: expireMS, seq: q.next, waiter: w})
}

// CheckTimer pops and returns every waiter whose expiry is <= now, per
// spec.md §4.7's check_timer().
func (q *Heap) CheckTimer(nowMS int64) []Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	var woken []Waiter
	for q.h.Len() > 0 && q.h[0].expireMS <= nowMS {
		e := heap.Pop(&q.h).(*entry)
		woken = append(woken, e.waiter)
	}
	return woken
}

// Len reports the number of pending sleep entries.
func (q *Heap) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Accnt accumulates per-process CPU accounting, per accnt.Accnt_t.
// Userns/Sysns store nanoseconds; Utadd, Systadd and Snapshot all take the
// mutex, so Snapshot sees a consistent pair while trap entry/return add time.
type Accnt struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt) Utadd(delta int64) {
	a.mu.Lock()
	a.Userns += delta
	a.mu.Unlock()
}

// Systadd adds delta nanoseconds of system time.
func (a *Accnt) Systadd(delta int64) {
	a.mu.Lock()
	a.Sysns += delta
	a.mu.Unlock()
}

// Finish adds (nowNS - sinceNS) to system time, per accnt.Finish.
func (a *Accnt) Finish(sinceNS, nowNS int64) { a.Systadd(nowNS - sinceNS) }

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}

// Rusage encodes the accounting pair as the four (sec,usec) words a
// getrusage-shaped syscall would copy to user memory.
func (a *Accnt) Rusage() [4]int64 {
	userns, sysns := a.Snapshot()
	toSecUsec := func(ns int64) (int64, int64) { return ns / 1e9, (ns % 1e9) / 1000 }
	us, uu := toSecUsec(userns)
	ss, su := toSecUsec(sysns)
	return [4]int64{us, uu, ss, su}
}

// IntervalTimer models one process's it_value/it_interval pair from
// spec.md §4.7: ticking it down on every kernel-time update and signaling
// expiry so the caller can post SIGALRM and reload from it_interval.
type IntervalTimer struct {
	mu         sync.Mutex
	valueNS    int64
	intervalNS int64
}

// Set installs a new (value, interval) pair, per setitimer semantics.
func (it *IntervalTimer) Set(valueNS, intervalNS int64) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.valueNS = valueNS
	it.intervalNS = intervalNS
}

// Tick decrements it_value by deltaNS. It returns true exactly when
// it_value reaches zero or below, at which point it reloads from
// it_interval (or stays disarmed if it_interval is zero) -- the signal
// here is for the caller to post SIGALRM.
func (it *IntervalTimer) Tick(deltaNS int64) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.valueNS <= 0 {
		return false
	}
	it.valueNS -= deltaNS
	if it.valueNS > 0 {
		return false
	}
	it.valueNS = it.intervalNS
	return true
}
