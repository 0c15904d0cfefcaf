// Package mappings tracks the virtual memory regions of one address space.
// Regions never overlap and are kept ordered by start address.
package mappings

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/btree"
	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
)

const btreeDegree = 8

// Flags are the placement and policy flags of a region.
type Flags struct {
	Shared   bool `json:"shared,omitempty"`
	Fixed    bool `json:"fixed,omitempty"`
	Stack    bool `json:"stack,omitempty"`
	Locked   bool `json:"locked,omitempty"`
	Reserved bool `json:"reserved,omitempty"`
}

// File is the read side of a file that backs a region.
type File interface {
	Read(p []byte, off int64) *async.Future[int]
}

// FileBacking describes how a region's contents come from a file. Bytes
// [MemoryOffset, MemoryOffset+Length) of the region hold the file bytes
// starting at Offset; the rest of the region is zero.
type FileBacking struct {
	File         File
	Offset       int64
	Length       int64
	MemoryOffset int64
}

// Region is one mapping entry.
type Region struct {
	Start memory.VirtAddr
	End   memory.VirtAddr
	Perms memory.Permissions
	Flags Flags
	File  *FileBacking
}

// Pages returns the size of the region in pages.
func (r *Region) Pages() int {
	return int((r.End - r.Start) >> memory.PageBits)
}

func (r *Region) Contains(addr memory.VirtAddr) bool {
	return r.Start <= addr && addr < r.End
}

// IsGuard reports whether addr is the guard page of a stack region.
func (r *Region) IsGuard(addr memory.VirtAddr) bool {
	return r.Flags.Stack && memory.PageAlign(addr) == r.Start
}

func (r *Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %s", r.Start, r.End, r.Perms)
}

func byStart(a, b *Region) bool {
	return a.Start < b.Start
}

// UnmapFunc removes every resident page in [start, start+pages) from the
// hardware translation.
type UnmapFunc func(start memory.VirtAddr, pages int)

// Mappings is the region table of one address space.
type Mappings struct {
	regions *btree.BTreeG[*Region]
	unmap   UnmapFunc
	rng     *rand.Rand
	logger  *zap.Logger
}

// New creates an empty table. unmap is called for every range erased.
func New(unmap UnmapFunc, seed uint64, logger *zap.Logger) *Mappings {
	return &Mappings{
		regions: btree.NewG(btreeDegree, byStart),
		unmap:   unmap,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:  logger.Named("mappings"),
	}
}

// Len returns the number of regions.
func (m *Mappings) Len() int {
	return m.regions.Len()
}

// Regions returns a copy of every region in address order.
func (m *Mappings) Regions() []Region {
	out := make([]Region, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		out = append(out, *r)
		return true
	})
	return out
}

// checkRange validates an address and page count.
func checkRange(addr memory.VirtAddr, pages int) error {
	if !memory.IsPageAligned(addr) {
		return fmt.Errorf("%w: address 0x%x is not page aligned", memory.ErrInvalidArgument, addr)
	}
	if pages <= 0 {
		return fmt.Errorf("%w: zero length mapping", memory.ErrInvalidArgument)
	}
	if isOverflowing(addr, pages) {
		return fmt.Errorf("%w: 0x%x + %d pages overflows the address space", memory.ErrInvalidArgument, addr, pages)
	}
	return nil
}

func isOverflowing(addr memory.VirtAddr, pages int) bool {
	return uint64(addr)+memory.PagesToBytes(pages) > uint64(memory.AddressSpaceEnd)
}

// findFirstOverlap returns the lowest region intersecting
// [addr, addr+pages).
func (m *Mappings) findFirstOverlap(addr memory.VirtAddr, pages int) *Region {
	end := addr + memory.VirtAddr(memory.PagesToBytes(pages))
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.End > addr {
			found = r
		}
		return false
	})
	if found != nil {
		return found
	}
	m.regions.AscendGreaterOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Start < end {
			found = r
		}
		return false
	})
	return found
}

// isOverlapping also treats the kernel's part of the address space as
// taken.
func (m *Mappings) isOverlapping(addr memory.VirtAddr, pages int) bool {
	if isOverflowing(addr, pages) {
		return true
	}
	if addr+memory.VirtAddr(memory.PagesToBytes(pages)) > memory.KernelStart {
		return true
	}
	return m.findFirstOverlap(addr, pages) != nil
}

// place finds free space for pages in [arenaStart, arenaEnd): first by
// random probing, then by a first-fit scan.
func (m *Mappings) place(pages int, arenaStart, arenaEnd memory.VirtAddr) (memory.VirtAddr, error) {
	size := memory.VirtAddr(memory.PagesToBytes(pages))
	if size > arenaEnd-arenaStart {
		return 0, fmt.Errorf("%w: %d pages do not fit the arena", memory.ErrNoMemory, pages)
	}
	slots := uint64((arenaEnd-arenaStart-size)>>memory.PageBits) + 1
	for i := 0; i < memory.MmapRandAttempts; i++ {
		addr := arenaStart + memory.VirtAddr(m.rng.Uint64N(slots)<<memory.PageBits)
		if !m.isOverlapping(addr, pages) {
			return addr, nil
		}
	}

	addr := arenaStart
	for addr+size <= arenaEnd {
		overlap := m.findFirstOverlap(addr, pages)
		if overlap == nil {
			if m.isOverlapping(addr, pages) {
				break
			}
			return addr, nil
		}
		addr = overlap.End
	}
	return 0, fmt.Errorf("%w: no free range of %d pages in [0x%x, 0x%x)", memory.ErrNoMemory, pages, arenaStart, arenaEnd)
}

// Insert adds a region of pages pages. With a zero address (or a hint that
// is taken) and no Fixed flag, free space is searched for. Stack regions get
// one extra guard page at their low end. The returned handle erases the
// region on Close unless Release is called first.
func (m *Mappings) Insert(addr memory.VirtAddr, pages int, perms memory.Permissions, flags Flags, file *FileBacking) (*ScopedMapping, error) {
	if flags.Shared {
		return nil, fmt.Errorf("%w: shared mappings", memory.ErrNotImplemented)
	}
	if flags.Stack {
		pages++
	}
	if err := checkRange(addr, pages); err != nil {
		return nil, err
	}

	if (addr == 0 && !flags.Fixed) || (!flags.Fixed && m.isOverlapping(addr, pages)) {
		arenaStart, arenaEnd := memory.MmapStart, memory.MmapEnd
		if flags.Stack {
			arenaStart, arenaEnd = memory.MmapStackStart, memory.MmapStackEnd
		}
		placed, err := m.place(pages, arenaStart, arenaEnd)
		if err != nil {
			return nil, err
		}
		addr = placed
	} else if m.isOverlapping(addr, pages) {
		return nil, fmt.Errorf("%w: fixed mapping at 0x%x overlaps an existing region", memory.ErrInvalidArgument, addr)
	}

	r := &Region{
		Start: addr,
		End:   addr + memory.VirtAddr(memory.PagesToBytes(pages)),
		Perms: perms,
		Flags: flags,
		File:  file,
	}
	m.regions.ReplaceOrInsert(r)
	m.logger.Debug("region inserted", zap.Stringer("region", r), zap.Bool("stack", flags.Stack))
	return &ScopedMapping{mappings: m, start: addr, pages: pages}, nil
}

// overlapKind is how an existing region sits relative to an erase range.
type overlapKind int

const (
	// The erase range covers the region entirely.
	overlapComplete overlapKind = iota
	// The erase range covers the region's start.
	overlapStart
	// The erase range lies strictly inside the region.
	overlapMiddle
	// The erase range covers the region's end.
	overlapEnd
)

func classify(r *Region, start, end memory.VirtAddr) overlapKind {
	switch {
	case start <= r.Start && r.End <= end:
		return overlapComplete
	case start <= r.Start:
		return overlapStart
	case r.End <= end:
		return overlapEnd
	}
	return overlapMiddle
}

// Erase removes [addr, addr+pages) from the table, trimming or splitting
// regions that straddle the boundaries, and unmaps every page in the range.
func (m *Mappings) Erase(addr memory.VirtAddr, pages int) error {
	if err := checkRange(addr, pages); err != nil {
		return err
	}
	end := addr + memory.VirtAddr(memory.PagesToBytes(pages))

	for {
		r := m.findFirstOverlap(addr, pages)
		if r == nil {
			break
		}
		switch classify(r, addr, end) {
		case overlapComplete:
			m.regions.Delete(r)
		case overlapStart:
			// The start key changes, so the region must be re-keyed.
			m.regions.Delete(r)
			r.File = advanceFile(r.File, end-r.Start)
			r.Start = end
			m.regions.ReplaceOrInsert(r)
		case overlapMiddle:
			tail := &Region{
				Start: end,
				End:   r.End,
				Perms: r.Perms,
				Flags: r.Flags,
				File:  advanceFile(r.File, end-r.Start),
			}
			r.End = addr
			m.regions.ReplaceOrInsert(tail)
		case overlapEnd:
			r.End = addr
		}
	}

	m.unmap(addr, pages)
	return nil
}

// advanceFile returns the file backing of a remnant that starts by bytes
// further into the original region.
func advanceFile(f *FileBacking, by memory.VirtAddr) *FileBacking {
	if f == nil {
		return nil
	}
	out := *f
	out.MemoryOffset -= int64(by)
	return &out
}

// Lookup returns the region containing addr.
func (m *Mappings) Lookup(addr memory.VirtAddr) (*Region, error) {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Contains(addr) {
			found = r
		}
		return false
	})
	if found == nil {
		return nil, fmt.Errorf("%w: 0x%x", memory.ErrNotMapped, addr)
	}
	return found, nil
}

// Clear erases every region.
func (m *Mappings) Clear() error {
	var errs []error
	for _, r := range m.Regions() {
		if err := m.Erase(r.Start, r.Pages()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
