package syscall

import (
	"errors"

	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	"golang.org/x/sys/unix"
)

// Errno converts an error from the VM or process layer to the errno a
// system call returns. A nil error maps to 0. Errors outside the taxonomy
// become EINVAL.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, memory.ErrNoMemory):
		return unix.ENOMEM
	case errors.Is(err, memory.ErrIO):
		return unix.EIO
	case errors.Is(err, memory.ErrNotImplemented):
		return unix.ENOSYS
	case errors.Is(err, memory.ErrAccessViolation):
		return unix.EFAULT
	case errors.Is(err, process.ErrNoChild):
		return unix.ECHILD
	case errors.Is(err, process.ErrNoSuchProcess), errors.Is(err, process.ErrExited):
		return unix.ESRCH
	case errors.Is(err, process.ErrBadFD):
		return unix.EBADF
	case errors.Is(err, process.ErrTooManyFiles):
		return unix.EMFILE
	}
	return unix.EINVAL
}
