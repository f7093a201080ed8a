// Package sig implements spec.md §4.4's minimal signal model: a
// per-process pending-signal bitmask, a fixed fatal-signal lookup table,
// and kill delivery. Grounded on errno's approach of wrapping
// golang.org/x/sys/unix's numeric constants (internal/errno/errno.go),
// generalized here to signal numbers so check_error reports the same
// (errno, message) pairs a POSIX kernel would for SIGSEGV/SIGILL/etc.
package sig

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"duokernel/internal/errno"
)

// Set is a per-process pending-signal bitmask, per spec.md §3's PCB
// glossary entry.
type Set struct {
	mu      sync.Mutex
	pending uint64
}

// Post sets bit sig in the pending mask, per sys_kill's delivery step.
func (s *Set) Post(sig int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending |= 1 << uint(sig)
}

// Pending reports whether sig is currently pending.
func (s *Set) Pending(sig int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending&(1<<uint(sig)) != 0
}

// Clear clears bit sig.
func (s *Set) Clear(sig int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending &^= 1 << uint(sig)
}

// Any reports whether any signal at all is pending.
func (s *Set) Any() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != 0
}

// fatalEntry pairs a signal with the (errno, message) check_error reports
// for it, per spec.md §4.4.
type fatalEntry struct {
	errno errno.Errno
	msg   string
}

// fatal lists, in check order, the signals that terminate a process when
// pending, per spec.md §4.4 ("SEGV, ILL, KILL, SYS, BUS, FPE, etc.").
var fatal = []struct {
	sig int
	fatalEntry
}{
	{int(unix.SIGSEGV), fatalEntry{errno.EFAULT, "segmentation fault"}},
	{int(unix.SIGILL), fatalEntry{errno.EINVAL, "illegal instruction"}},
	{int(unix.SIGKILL), fatalEntry{errno.EINVAL, "killed"}},
	{int(unix.SIGSYS), fatalEntry{errno.ENOSYS, "bad system call"}},
	{int(unix.SIGBUS), fatalEntry{errno.EFAULT, "bus error"}},
	{int(unix.SIGFPE), fatalEntry{errno.EINVAL, "arithmetic exception"}},
}

// CheckError returns the (errno, message, ok) for the first fatal signal
// bit set in s, per spec.md §4.4's check_error. ok is false if no fatal
// signal is pending.
func (s *Set) CheckError() (errno.Errno, string, bool) {
	for _, f := range fatal {
		if s.Pending(f.sig) {
			return f.fatalEntry.errno, f.fatalEntry.msg, true
		}
	}
	return errno.OK, "", false
}

// SIGALRM is the signal the interval timer posts on expiry, per spec.md
// §4.7.
const SIGALRM = int(unix.SIGALRM)

// KillTarget is the minimal shape sys_kill needs from a target process:
// its pending-signal set plus a hook to unblock its main thread if it is
// currently blocked, per spec.md §4.4's "un-blocks the target's main
// thread if blocked".
type KillTarget interface {
	Signals() *Set
	WakeMainThread()
}

// Kill posts sig to target's pending mask and wakes its main thread if it
// was blocked, per spec.md §4.4's sys_kill(pid,sig).
func Kill(target KillTarget, signum int) errno.Errno {
	if signum < 0 || signum >= 64 {
		return errno.EINVAL
	}
	target.Signals().Post(signum)
	target.WakeMainThread()
	return errno.OK
}

// String renders sig for diagnostics, e.g. panic messages on the
// kernel-mode-trap fatal path.
func String(sig int) string {
	return fmt.Sprintf("signal %d", sig)
}
