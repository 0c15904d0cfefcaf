package memory

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMemory        = errors.New("out of memory")
	ErrNotImplemented  = errors.New("not implemented")
	ErrAccessViolation = errors.New("access violation")
	ErrIO              = errors.New("i/o error")

	ErrNotMapped     = fmt.Errorf("%w: address not mapped", ErrInvalidArgument)
	ErrAlreadyMapped = fmt.Errorf("%w: address already mapped", ErrInvalidArgument)
	ErrInvalidPage   = fmt.Errorf("%w: page handle is invalid", ErrInvalidArgument)

	// The server process cannot suspend on its own allocations.
	ErrServerWouldBlock = fmt.Errorf("%w: server would block", ErrNoMemory)

	ErrSwapReentrant  = errors.New("swap out re-entered during staging")
	ErrPageGone       = errors.New("page released while swap in was pending")
	ErrNoBackingStore = fmt.Errorf("%w: no backing store attached", ErrNoMemory)
)

// ioFailure reports a backing store failure as an allocation failure. A
// swap that did not fully complete is never trusted.
func ioFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrNoMemory, ErrIO, fmt.Sprintf(format, args...))
}
