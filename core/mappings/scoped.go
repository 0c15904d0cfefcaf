package mappings

import (
	"github.com/sushant-115/rootd/core/memory"
)

// ScopedMapping owns a freshly inserted region until it is either released
// into the table for good or closed.
type ScopedMapping struct {
	mappings *Mappings
	start    memory.VirtAddr
	pages    int
}

func (s *ScopedMapping) Start() memory.VirtAddr {
	return s.start
}

func (s *ScopedMapping) End() memory.VirtAddr {
	return s.start + memory.VirtAddr(memory.PagesToBytes(s.pages))
}

func (s *ScopedMapping) Pages() int {
	return s.pages
}

// Release keeps the region in the table. Close becomes a no-op.
func (s *ScopedMapping) Release() {
	s.mappings = nil
}

// Close erases the region and unmaps its pages, unless Release was called.
// It is safe to call more than once.
func (s *ScopedMapping) Close() error {
	if s.mappings == nil {
		return nil
	}
	m := s.mappings
	s.mappings = nil
	return m.Erase(s.start, s.pages)
}

var _ memory.Reservation = (*ScopedMapping)(nil)
