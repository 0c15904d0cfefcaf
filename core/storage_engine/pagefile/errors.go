// Package pagefile provides local backing stores for swap: a throttled
// swap file and an in-memory store with fault injection.
package pagefile

import "errors"

var (
	ErrOutOfRange = errors.New("transfer outside the backing store")
	ErrClosed     = errors.New("backing store is closed")
	ErrInjected   = errors.New("injected backing store failure")
)
