package memory

import (
	"fmt"
)

// MappedPage binds a Page to an address and permission set in one
// PageDirectory. It owns the hardware mapping.
type MappedPage struct {
	dir    *PageDirectory
	page   *Page
	addr   VirtAddr
	perms  Permissions
	locked bool
}

func (m *MappedPage) Page() *Page {
	return m.page
}

func (m *MappedPage) Address() VirtAddr {
	return m.addr
}

func (m *MappedPage) Permissions() Permissions {
	return m.perms
}

func (m *MappedPage) Locked() bool {
	return m.locked
}

// enableReference installs the hardware mapping and marks the page as
// resident.
func (m *MappedPage) enableReference() error {
	err := m.dir.platform.MapPage(m.page.cap, m.dir.cap, uint64(m.addr), m.perms.rights(), m.perms.vmAttributes())
	if err != nil {
		return fmt.Errorf("%w: mapping page at 0x%x: %w", ErrNoMemory, m.addr, err)
	}
	if m.locked {
		m.page.status = StatusLocked
	} else {
		m.page.status = StatusReferenced
	}
	return nil
}

// release tears down the mapping and destroys the page. For a swapped page
// this frees its share of the swap slot.
func (m *MappedPage) release() {
	m.page.Release()
	m.page = &Page{}
}
