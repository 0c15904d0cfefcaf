package memory

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	"go.uber.org/zap"
)

// Reservation is a range of virtual address space held by its creator.
// Close gives the range back and unmaps whatever is resident in it; Release
// keeps the range reserved for the lifetime of the address space.
type Reservation interface {
	Start() VirtAddr
	Pages() int
	Release()
	Close() error
}

// KernelSpace is the server's own address space, used to host VM metadata
// and I/O windows.
type KernelSpace interface {
	Directory() *PageDirectory
	Reserve(pages int, perms Permissions, locked bool) (Reservation, error)
}

// PageTable is one second-level translation table.
type PageTable struct {
	cap      hal.Cap
	base     VirtAddr
	reserved bool
	pages    map[VirtAddr]*MappedPage
}

// PageDirectory is the two-level translation structure of one address
// space. Second-level tables are created on first use.
type PageDirectory struct {
	platform hal.Platform
	frames   *FrameTable
	logger   *zap.Logger

	cap    hal.Cap
	tables map[VirtAddr]*PageTable
	closed bool
}

// NewPageDirectory creates an empty address space root.
func NewPageDirectory(platform hal.Platform, frames *FrameTable, logger *zap.Logger) (*PageDirectory, error) {
	c, err := platform.NewPageDirectory()
	if err != nil {
		return nil, fmt.Errorf("%w: page directory: %w", ErrNoMemory, err)
	}
	return &PageDirectory{
		platform: platform,
		frames:   frames,
		logger:   logger.Named("page_directory"),
		cap:      c,
		tables:   make(map[VirtAddr]*PageTable),
	}, nil
}

// Cap is the translation root capability.
func (d *PageDirectory) Cap() hal.Cap {
	return d.cap
}

// table returns the second-level table covering addr, creating it if asked.
func (d *PageDirectory) table(addr VirtAddr, create bool) (*PageTable, error) {
	base := PageTableAlign(addr)
	if t, ok := d.tables[base]; ok {
		return t, nil
	}
	if !create {
		return nil, ErrNotMapped
	}
	if d.closed {
		return nil, fmt.Errorf("%w: page directory is closed", ErrInvalidArgument)
	}
	c, err := d.platform.NewPageTable(d.cap, uint64(base))
	if err != nil {
		return nil, fmt.Errorf("%w: page table for 0x%x: %w", ErrNoMemory, base, err)
	}
	t := &PageTable{cap: c, base: base, pages: make(map[VirtAddr]*MappedPage)}
	d.tables[base] = t
	return t, nil
}

// ReservePages creates every second-level table covering [from, to) so that
// later mappings in the range never allocate. Reserved tables live as long
// as the directory.
func (d *PageDirectory) ReservePages(from, to VirtAddr) error {
	for base := PageTableAlign(from); base < to; base += PageTableSpan {
		t, err := d.table(base, true)
		if err != nil {
			return err
		}
		t.reserved = true
	}
	return nil
}

// Lookup returns the page mapped at addr.
func (d *PageDirectory) Lookup(addr VirtAddr) (*MappedPage, bool) {
	t, ok := d.tables[PageTableAlign(addr)]
	if !ok {
		return nil, false
	}
	mp, ok := t.pages[PageAlign(addr)]
	return mp, ok
}

// Map installs page at addr with the given permissions and establishes the
// hardware mapping. Map owns page from the moment it is called: on failure
// the page is released.
func (d *PageDirectory) Map(page *Page, addr VirtAddr, perms Permissions, locked bool) (*MappedPage, error) {
	if page == nil {
		return nil, ErrInvalidPage
	}
	if page.status != StatusUnmapped {
		status := page.status
		page.Release()
		return nil, fmt.Errorf("%w: mapping a %s page", ErrInvalidPage, status)
	}
	if !IsPageAligned(addr) || addr >= AddressSpaceEnd {
		page.Release()
		return nil, fmt.Errorf("%w: bad mapping address 0x%x", ErrInvalidArgument, addr)
	}
	t, err := d.table(addr, true)
	if err != nil {
		page.Release()
		return nil, err
	}
	if _, exists := t.pages[addr]; exists {
		page.Release()
		return nil, fmt.Errorf("%w: 0x%x", ErrAlreadyMapped, addr)
	}
	mp := &MappedPage{dir: d, page: page, addr: addr, perms: perms, locked: locked}
	if err := mp.enableReference(); err != nil {
		page.Release()
		d.dropIfEmpty(t)
		return nil, err
	}
	t.pages[addr] = mp
	return mp, nil
}

// MakeResident ensures a page is present and hardware-mapped at addr. It
// allocates on first touch, re-maps unreferenced pages, and swaps pages back
// in. Asking for different permissions than the existing mapping has is not
// supported.
func (d *PageDirectory) MakeResident(addr VirtAddr, perms Permissions, locked bool) *async.Future[*MappedPage] {
	return d.MakeResidentChecked(addr, perms, locked, nil)
}

// MakeResidentChecked is MakeResident with a check that runs before a page
// is installed or re-referenced after an allocation or swap in. The owner of
// the address space uses it to confirm that the address is still meant to be
// mapped. A failing check releases whatever was allocated and fails the
// future with the check's error.
func (d *PageDirectory) MakeResidentChecked(addr VirtAddr, perms Permissions, locked bool, check func() error) *async.Future[*MappedPage] {
	addr = PageAlign(addr)
	if d.closed {
		return async.Fail[*MappedPage](fmt.Errorf("%w: page directory is closed", ErrInvalidArgument))
	}
	mp, ok := d.Lookup(addr)
	if !ok {
		// The table is created by Map, so a failed allocation leaves no
		// empty table behind.
		return async.Then(d.frames.Alloc(), func(page *Page) *async.Future[*MappedPage] {
			if check != nil {
				if err := check(); err != nil {
					page.Release()
					return async.Fail[*MappedPage](err)
				}
			}
			// Another chain may have populated the slot while the
			// allocation was suspended.
			if _, taken := d.Lookup(addr); taken {
				page.Release()
				return d.MakeResidentChecked(addr, perms, locked, check)
			}
			mp, err := d.Map(page, addr, perms, locked)
			if err != nil {
				return async.Fail[*MappedPage](err)
			}
			return async.Ready(mp)
		})
	}
	if mp.perms != perms || mp.locked != locked {
		return async.Fail[*MappedPage](fmt.Errorf("%w: changing protection of resident page 0x%x from %s to %s",
			ErrNotImplemented, addr, mp.perms, perms))
	}
	switch mp.page.status {
	case StatusLocked, StatusReferenced:
		return async.Ready(mp)
	case StatusUnreferenced:
		if err := mp.enableReference(); err != nil {
			return async.Fail[*MappedPage](err)
		}
		return async.Ready(mp)
	case StatusSwapped:
		if d.frames.swap == nil {
			return async.Fail[*MappedPage](ErrNoBackingStore)
		}
		return async.Then(d.frames.swap.SwapIn(mp.page), func(struct{}) *async.Future[*MappedPage] {
			// The mapping may have been torn down during the read.
			if cur, ok := d.Lookup(addr); !ok || cur != mp {
				return async.Fail[*MappedPage](fmt.Errorf("%w: 0x%x unmapped during swap in", ErrNotMapped, addr))
			}
			if check != nil {
				if err := check(); err != nil {
					return async.Fail[*MappedPage](err)
				}
			}
			return d.MakeResidentChecked(addr, perms, locked, check)
		})
	}
	return async.Fail[*MappedPage](fmt.Errorf("%w: page at 0x%x is %s", ErrInvalidPage, addr, mp.page.status))
}

// Unmap removes the page at addr from the directory and releases it.
func (d *PageDirectory) Unmap(addr VirtAddr) error {
	t, ok := d.tables[PageTableAlign(addr)]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotMapped, addr)
	}
	mp, ok := t.pages[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotMapped, addr)
	}
	delete(t.pages, addr)
	mp.release()
	d.dropIfEmpty(t)
	return nil
}

// UnmapRange unmaps every page in [start, start+pages). Only tables that
// exist are visited, so sparse ranges are cheap.
func (d *PageDirectory) UnmapRange(start VirtAddr, pages int) {
	end := start + VirtAddr(PagesToBytes(pages))
	for _, base := range slices.Sorted(maps.Keys(d.tables)) {
		if base+PageTableSpan <= start || base >= end {
			continue
		}
		t := d.tables[base]
		for _, addr := range slices.Sorted(maps.Keys(t.pages)) {
			if addr < start || addr >= end {
				continue
			}
			if err := d.Unmap(addr); err != nil && !errors.Is(err, ErrNotMapped) {
				d.logger.Warn("failed to unmap page", zap.Uint64("addr", uint64(addr)), zap.Error(err))
			}
		}
	}
}

// dropIfEmpty deletes a table that no longer translates anything, unless it
// was reserved.
func (d *PageDirectory) dropIfEmpty(t *PageTable) {
	if t.reserved || len(t.pages) > 0 {
		return
	}
	if err := d.platform.DeletePageTable(t.cap); err != nil {
		d.logger.Warn("failed to delete page table", zap.Uint64("base", uint64(t.base)), zap.Error(err))
	}
	delete(d.tables, t.base)
}

// Resident returns the number of pages mapped in this directory, swapped
// pages included.
func (d *PageDirectory) Resident() int {
	n := 0
	for _, t := range d.tables {
		n += len(t.pages)
	}
	return n
}

// Tables returns the number of second-level tables.
func (d *PageDirectory) Tables() int {
	return len(d.tables)
}

// Clear releases every page and table.
func (d *PageDirectory) Clear() {
	for _, t := range d.tables {
		for addr, mp := range t.pages {
			delete(t.pages, addr)
			mp.release()
		}
		t.reserved = false
		d.dropIfEmpty(t)
	}
}

// Close releases everything and deletes the translation root.
func (d *PageDirectory) Close() error {
	if d.closed {
		return nil
	}
	d.Clear()
	d.closed = true
	if err := d.platform.DeletePageDirectory(d.cap); err != nil {
		return fmt.Errorf("deleting page directory: %w", err)
	}
	return nil
}
