package memory

import (
	"fmt"
	"slices"

	"github.com/sushant-115/rootd/core/hal"
	"go.uber.org/zap"
)

// Status is the residency state of a Page.
type Status uint8

const (
	// StatusInvalid is the state of a released or never-allocated page.
	StatusInvalid Status = iota
	// StatusUnmapped pages own a capability that is not in any translation
	// table yet. They are never eviction candidates.
	StatusUnmapped
	// StatusLocked pages are mapped and pinned.
	StatusLocked
	// StatusReferenced pages are mapped and evictable.
	StatusReferenced
	// StatusUnreferenced pages keep their frame but are unmapped from
	// hardware, so the next access faults and marks them referenced again.
	StatusUnreferenced
	// StatusSwapped pages live in the backing store.
	StatusSwapped
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "INVALID"
	case StatusUnmapped:
		return "UNMAPPED"
	case StatusLocked:
		return "LOCKED"
	case StatusReferenced:
		return "REFERENCED"
	case StatusUnreferenced:
		return "UNREFERENCED"
	case StatusSwapped:
		return "SWAPPED"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// SwapID is the page-granular index of a swapped page in the backing store.
type SwapID uint64

// copyGroup is the set of Pages aliasing one physical page. While resident
// the group belongs to a Frame; once swapped it is owned by the Swap.
type copyGroup struct {
	pages  []*Page
	frame  *Frame
	swapID SwapID
}

func (g *copyGroup) add(p *Page) {
	g.pages = append(g.pages, p)
	p.group = g
}

// remove drops p and reports whether the group is now empty.
func (g *copyGroup) remove(p *Page) bool {
	if i := slices.Index(g.pages, p); i >= 0 {
		g.pages = slices.Delete(g.pages, i, i+1)
	}
	return len(g.pages) == 0
}

// Page is a handle to one physical page. It exclusively owns its
// capability: the only way to give it up is Release, which may be called
// once and leaves the page INVALID.
type Page struct {
	frames *FrameTable
	status Status
	cap    hal.Cap
	group  *copyGroup
}

func (p *Page) Status() Status {
	return p.status
}

// Cap is the page capability, or hal.NullCap when the page is not resident.
func (p *Page) Cap() hal.Cap {
	return p.cap
}

func (p *Page) IsResident() bool {
	switch p.status {
	case StatusUnmapped, StatusLocked, StatusReferenced, StatusUnreferenced:
		return true
	}
	return false
}

// Frame returns the frame backing a resident page.
func (p *Page) Frame() (FrameID, bool) {
	if !p.IsResident() || p.group.frame == nil {
		return 0, false
	}
	return p.group.frame.id, true
}

// SwapID returns the backing store location of a swapped page.
func (p *Page) SwapID() (SwapID, bool) {
	if p.status != StatusSwapped {
		return 0, false
	}
	return p.group.swapID, true
}

// Copies returns the number of pages sharing this page's physical memory,
// itself included.
func (p *Page) Copies() int {
	if p.group == nil {
		return 0
	}
	return len(p.group.pages)
}

// Copy returns a new UNMAPPED page aliasing the same physical memory. Copies
// of a swapped page join the same swap entry and stay SWAPPED.
func (p *Page) Copy() (*Page, error) {
	switch p.status {
	case StatusInvalid:
		return nil, ErrInvalidPage
	case StatusSwapped:
		cp := &Page{frames: p.frames, status: StatusSwapped}
		p.group.add(cp)
		return cp, nil
	}
	c, err := p.frames.platform.CopyCap(p.cap)
	if err != nil {
		return nil, fmt.Errorf("%w: copying page capability: %w", ErrNoMemory, err)
	}
	cp := &Page{frames: p.frames, status: StatusUnmapped, cap: c}
	p.group.add(cp)
	return cp, nil
}

// checkEvictable rejects pages that may not be swapped out.
func (p *Page) checkEvictable() error {
	switch p.status {
	case StatusUnreferenced:
		return nil
	case StatusLocked, StatusReferenced, StatusUnmapped:
		return fmt.Errorf("%w: cannot evict a %s page", ErrInvalidArgument, p.status)
	}
	return fmt.Errorf("%w: cannot evict a %s page", ErrInvalidPage, p.status)
}

// disableReference unmaps a referenced page from hardware but keeps its
// frame.
func (p *Page) disableReference() error {
	if p.status != StatusReferenced {
		return nil
	}
	if err := p.frames.platform.UnmapPage(p.cap); err != nil {
		return err
	}
	p.status = StatusUnreferenced
	return nil
}

// Release destroys the page. A resident page gives back its capability and
// leaves its copy group; the frame is freed with the last copy. A swapped
// page leaves its swap entry, freeing the swap slot with the last copy.
// Releasing an INVALID page does nothing.
func (p *Page) Release() {
	switch p.status {
	case StatusInvalid:
		return
	case StatusSwapped:
		g := p.group
		if g.remove(p) {
			p.frames.swap.forget(g)
		}
	default:
		platform := p.frames.platform
		if p.status == StatusLocked || p.status == StatusReferenced {
			if err := platform.UnmapPage(p.cap); err != nil {
				p.frames.logger.Warn("failed to unmap page on release", zap.Uint64("cap", uint64(p.cap)), zap.Error(err))
			}
		}
		if err := platform.DeleteCap(p.cap); err != nil {
			p.frames.logger.Warn("failed to delete page capability", zap.Uint64("cap", uint64(p.cap)), zap.Error(err))
		}
		g := p.group
		if g.remove(p) && g.frame != nil {
			p.frames.free(g.frame)
		}
	}
	p.status = StatusInvalid
	p.cap = hal.NullCap
	p.group = nil
}
