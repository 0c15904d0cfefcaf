// Package hal is the hardware capability layer the VM core runs on. It models
// the small set of microkernel operations the root task needs: an untyped
// physical allocator, page capabilities, and a two-level translation
// structure per address space.
package hal

import (
	"errors"
	"fmt"
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// Cap names a kernel object. The zero value is the null capability.
type Cap uint64

const NullCap Cap = 0

// Rights is the access a page mapping grants.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite

	RightsAll = RightRead | RightWrite
)

// VMAttributes describes cacheability and executability of a mapping.
type VMAttributes uint8

const (
	AttrCacheable VMAttributes = 1 << iota
	AttrExecuteNever

	DefaultVMAttributes = AttrCacheable
)

const (
	PageBits = 12
	PageSize = 1 << PageBits

	// Each second-level table translates 1 MiB.
	PageTableBits = 20
)

var (
	ErrUntypedExhausted = errors.New("untyped memory exhausted")
	ErrNoCapSlots       = errors.New("capability space exhausted")
	ErrNoPageTables     = errors.New("page table objects exhausted")
	ErrInvalidCap       = errors.New("invalid capability")
	ErrFailedLookup     = errors.New("no page table for address")
	ErrDeleteFirst      = errors.New("slot already occupied")
	ErrCapsOutstanding  = errors.New("frame still has live capabilities")
	ErrInjected         = errors.New("injected failure")
)

// Fault is returned by Read and Write when translation fails.
type Fault struct {
	Addr    uint64
	Write   bool
	Present bool
}

func (f *Fault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	if !f.Present {
		return fmt.Sprintf("%s fault at 0x%x: not present", kind, f.Addr)
	}
	return fmt.Sprintf("%s fault at 0x%x: permission", kind, f.Addr)
}

// Platform is the capability interface the VM core depends on. Every
// allocation may fail with an exhaustion error that callers must treat as an
// allocation failure.
type Platform interface {
	MemoryRange() (start, end PhysAddr)

	UntypedAlloc() (PhysAddr, error)
	UntypedFree(phys PhysAddr) error
	RetypePage(phys PhysAddr) (Cap, error)

	CopyCap(c Cap) (Cap, error)
	DeleteCap(c Cap) error

	NewPageDirectory() (Cap, error)
	DeletePageDirectory(dir Cap) error
	NewPageTable(dir Cap, vaddr uint64) (Cap, error)
	DeletePageTable(table Cap) error

	MapPage(page, dir Cap, vaddr uint64, rights Rights, attrs VMAttributes) error
	UnmapPage(page Cap) error

	// Read and Write access memory through dir's translation, the way a
	// thread running in that address space would.
	Read(dir Cap, vaddr uint64, p []byte) error
	Write(dir Cap, vaddr uint64, p []byte) error
}

// IsExhaustion reports whether err is one of the out-of-resource conditions.
func IsExhaustion(err error) bool {
	return errors.Is(err, ErrUntypedExhausted) || errors.Is(err, ErrNoCapSlots) || errors.Is(err, ErrNoPageTables)
}
