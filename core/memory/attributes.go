package memory

import (
	"fmt"
	"strings"

	"github.com/sushant-115/rootd/core/hal"
)

// Permissions are the access rights and cacheability of a region or mapping.
type Permissions struct {
	Read         bool `json:"read"`
	Write        bool `json:"write"`
	Execute      bool `json:"execute"`
	NotCacheable bool `json:"not_cacheable,omitempty"`
}

var ReadWrite = Permissions{Read: true, Write: true}

func (p Permissions) rights() hal.Rights {
	switch {
	case p.Write:
		return hal.RightsAll
	case p.Read, p.Execute:
		return hal.RightRead
	}
	return 0
}

func (p Permissions) vmAttributes() hal.VMAttributes {
	var attrs hal.VMAttributes
	if !p.NotCacheable {
		attrs |= hal.AttrCacheable
	}
	if !p.Execute {
		attrs |= hal.AttrExecuteNever
	}
	return attrs
}

func (p Permissions) String() string {
	b := []byte("---")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	if p.NotCacheable {
		b = append(b, 'u')
	}
	return string(b)
}

// Access is the kind of memory access that raised a fault. The zero Access
// skips the permission check; the server uses it to load read-only images.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	if a == 0 {
		return "bypass"
	}
	var parts []string
	if a&AccessRead != 0 {
		parts = append(parts, "read")
	}
	if a&AccessWrite != 0 {
		parts = append(parts, "write")
	}
	if a&AccessExecute != 0 {
		parts = append(parts, "execute")
	}
	return strings.Join(parts, "|")
}

// Check returns an ErrAccessViolation if p does not permit a.
func (p Permissions) Check(a Access) error {
	switch {
	case a&AccessExecute != 0 && !p.Execute:
		return fmt.Errorf("%w: execute on non-executable memory", ErrAccessViolation)
	case a&AccessWrite != 0 && !p.Write:
		return fmt.Errorf("%w: write to read-only memory", ErrAccessViolation)
	case a&AccessRead != 0 && !p.Read:
		return fmt.Errorf("%w: read from no-access memory", ErrAccessViolation)
	}
	return nil
}
