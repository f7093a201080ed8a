// Package errno defines the kernel's machine-word error convention: a
// syscall or internal helper returns a non-negative result on success or a
// negative Errno on failure, mirroring the POSIX errno values it carries.
package errno

import "golang.org/x/sys/unix"

// Errno is a negative-on-error signed word, the same shape every translating
// helper in the virtual-memory and syscall layers returns.
type Errno int

// Well-known codes, sourced from the host's real errno table rather than
// hand-rolled numbers.
const (
	OK            Errno = 0
	EINVAL        Errno = -Errno(unix.EINVAL)
	EFAULT        Errno = -Errno(unix.EFAULT)
	ENOMEM        Errno = -Errno(unix.ENOMEM)
	ENOENT        Errno = -Errno(unix.ENOENT)
	EEXIST        Errno = -Errno(unix.EEXIST)
	EBADF         Errno = -Errno(unix.EBADF)
	ECHILD        Errno = -Errno(unix.ECHILD)
	EINTR         Errno = -Errno(unix.EINTR)
	ENAMETOOLONG  Errno = -Errno(unix.ENAMETOOLONG)
	ERANGE        Errno = -Errno(unix.ERANGE)
	EPIPE         Errno = -Errno(unix.EPIPE)
	ESRCH         Errno = -Errno(unix.ESRCH)
	EAGAIN        Errno = -Errno(unix.EAGAIN)
	ENOSYS        Errno = -Errno(unix.ENOSYS)
	ENOTDIR       Errno = -Errno(unix.ENOTDIR)
	EISDIR        Errno = -Errno(unix.EISDIR)
	EACCES        Errno = -Errno(unix.EACCES)
	ENOEXEC       Errno = -Errno(unix.ENOEXEC)
)

// Ok reports whether e represents success.
func (e Errno) Ok() bool { return e == OK }

// Error implements the error interface so Errno can be wrapped/compared
// like any other Go error at package boundaries that want one.
func (e Errno) Error() string {
	if e == OK {
		return "success"
	}
	return unix.Errno(-e).Error()
}
