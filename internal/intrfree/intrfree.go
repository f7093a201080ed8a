// Package intrfree implements the interrupt-masking discipline from
// spec.md §4.5: on a single core with no SMP, protecting shared kernel
// state reduces to masking interrupts for the duration of a critical
// section. A process-wide nesting counter tracks depth; entering the
// outermost level saves the prior interrupt-enable bit and clears it,
// leaving it restores that saved bit. Modeled on the atomic-counter
// discipline of limits/limits.go's Sysatomic_t, generalized from a plain
// numeric limit to a nesting depth guarding a real sync.Mutex (this port
// runs hosted, so interrupts are simulated by one process-wide lock rather
// than a real CPU flag register).
package intrfree

import "sync"

// mask is the process-wide nesting state every Cell shares, per spec.md
// §4.5's "process-wide nesting counter".
type mask struct {
	mu      sync.Mutex
	depth   int
	enabled bool // the simulated interrupt-enable bit, saved at depth 0
}

var global = &mask{enabled: true}

// Cell wraps a value that may only be touched while interrupts are masked,
// per spec.md §4.5.
type Cell[T any] struct {
	mu  sync.Mutex
	val T
}

// NewCell wraps v in an interrupt-free cell.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{val: v}
}

// Handle is the scoped mutable borrow a Cell hands out. It must be
// explicitly dropped with Drop on every exit path before any scheduling
// point, per spec.md §4.5's invariant (ii).
type Handle[T any] struct {
	cell    *Cell[T]
	dropped bool
}

// Borrow masks interrupts (if this is the outermost nesting level) and
// returns a scoped handle to the cell's interior.
func (c *Cell[T]) Borrow() *Handle[T] {
	global.mu.Lock()
	if global.depth == 0 {
		global.enabled = false
	}
	global.depth++
	global.mu.Unlock()

	c.mu.Lock()
	return &Handle[T]{cell: c}
}

// Get returns the guarded value.
func (h *Handle[T]) Get() T { return h.cell.val }

// Set overwrites the guarded value.
func (h *Handle[T]) Set(v T) { h.cell.val = v }

// Mutate applies f to the guarded value in place.
func (h *Handle[T]) Mutate(f func(*T)) { f(&h.cell.val) }

// Drop releases the handle, unwinding one nesting level and restoring the
// prior interrupt-enable bit once the outermost level unwinds. Calling
// Drop twice on the same handle panics: the spec requires every handle be
// dropped exactly once, on every exit path, before any scheduling point.
func (h *Handle[T]) Drop() {
	if h.dropped {
		panic("intrfree: handle dropped twice")
	}
	h.dropped = true
	h.cell.mu.Unlock()

	global.mu.Lock()
	global.depth--
	if global.depth == 0 {
		global.enabled = true
	} else if global.depth < 0 {
		panic("intrfree: nesting depth went negative")
	}
	global.mu.Unlock()
}

// Enabled reports the simulated interrupt-enable bit, for tests and
// diagnostics.
func Enabled() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.enabled
}

// Depth reports the current nesting depth, for tests and diagnostics.
func Depth() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.depth
}
