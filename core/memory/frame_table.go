package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	internaltelemetry "github.com/sushant-115/rootd/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// frameDescriptorSize is the space one frame's bookkeeping occupies in the
	// frame table window of the server address space.
	frameDescriptorSize = 16

	// maxEvictionRounds bounds how often Alloc swaps out and retries before
	// reporting exhaustion.
	maxEvictionRounds = 4
)

// FrameID is the stable index of a frame in the frame table.
type FrameID uint32

// Frame is one physical page slot. Its copy group is nil iff the frame is
// free or its contents were swapped out.
type Frame struct {
	id    FrameID
	phys  hal.PhysAddr
	group *copyGroup
}

func (f *Frame) ID() FrameID {
	return f.id
}

func (f *Frame) IsFree() bool {
	return f.group == nil
}

// IsLocked reports whether any page on the frame is pinned or still being
// set up, which makes the frame ineligible for eviction.
func (f *Frame) IsLocked() bool {
	if f.group == nil {
		return false
	}
	for _, p := range f.group.pages {
		if p.status == StatusLocked || p.status == StatusUnmapped {
			return true
		}
	}
	return false
}

// IsReferenced reports whether any page on the frame is hardware-mapped and
// evictable.
func (f *Frame) IsReferenced() bool {
	if f.group == nil {
		return false
	}
	for _, p := range f.group.pages {
		if p.status == StatusReferenced {
			return true
		}
	}
	return false
}

// Pages returns the status of every page aliasing this frame.
func (f *Frame) Pages() []Status {
	if f.group == nil {
		return nil
	}
	out := make([]Status, len(f.group.pages))
	for i, p := range f.group.pages {
		out[i] = p.status
	}
	return out
}

// disableReference gives the frame its second chance: every referenced page
// is unmapped from hardware so the next access will mark it again.
func (f *Frame) disableReference() error {
	var errs []error
	for _, p := range f.group.pages {
		if err := p.disableReference(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FrameStats is a snapshot of frame usage.
type FrameStats struct {
	Total  int `json:"total"`
	Used   int `json:"used"`
	Locked int `json:"locked"`
	// Metadata counts the frames backing the frame table itself.
	Metadata int `json:"metadata"`
}

// FrameTable is the registry of physical memory. It must outlive every Page.
type FrameTable struct {
	platform hal.Platform
	logger   *zap.Logger
	metrics  *internaltelemetry.VMMetrics

	base   hal.PhysAddr
	frames []Frame
	clock  int
	swap   *Swap

	used     atomic.Int64
	total    atomic.Int64
	metadata Reservation
	metaSize int
}

// NewFrameTable creates an uninitialized frame table. Init must run before
// any allocation.
func NewFrameTable(platform hal.Platform, logger *zap.Logger, metrics *internaltelemetry.VMMetrics) *FrameTable {
	return &FrameTable{
		platform: platform,
		logger:   logger.Named("frame_table"),
		metrics:  metrics,
	}
}

// Init sizes the table from the platform's physical memory range and maps
// the frame descriptors into the server address space. The descriptor pages
// come straight from the untyped allocator before the table exists, and are
// linked to their own frames afterwards. An error here is fatal.
func (ft *FrameTable) Init(space KernelSpace) error {
	if ft.frames != nil {
		return fmt.Errorf("%w: frame table already initialized", ErrInvalidArgument)
	}
	start, end := ft.platform.MemoryRange()
	count := int((end - start) / PageSize)
	if count == 0 {
		return fmt.Errorf("%w: empty physical memory range", ErrNoMemory)
	}
	metaPages := BytesToPages(uint64(count) * frameDescriptorSize)

	window, err := space.Reserve(metaPages, ReadWrite, true)
	if err != nil {
		return fmt.Errorf("reserving frame table window: %w", err)
	}

	// 1. Back the window with pages that have no frame yet.
	dir := space.Directory()
	physs := make([]hal.PhysAddr, 0, metaPages)
	groups := make([]*copyGroup, 0, metaPages)
	for i := 0; i < metaPages; i++ {
		phys, err := ft.platform.UntypedAlloc()
		if err != nil {
			return fmt.Errorf("%w: frame table page %d: %w", ErrNoMemory, i, err)
		}
		c, err := ft.platform.RetypePage(phys)
		if err != nil {
			return fmt.Errorf("%w: retyping frame table page %d: %w", ErrNoMemory, i, err)
		}
		page := &Page{frames: ft, status: StatusUnmapped, cap: c}
		g := &copyGroup{}
		g.add(page)
		if _, err := dir.Map(page, window.Start()+VirtAddr(i*PageSize), ReadWrite, true); err != nil {
			return fmt.Errorf("mapping frame table page %d: %w", i, err)
		}
		physs = append(physs, phys)
		groups = append(groups, g)
	}

	// 2. Build the table itself.
	ft.base = start
	ft.frames = make([]Frame, count)
	for i := range ft.frames {
		ft.frames[i] = Frame{id: FrameID(i), phys: start + hal.PhysAddr(i*PageSize)}
	}

	// 3. Link the descriptor pages to the frames they occupy.
	for i, phys := range physs {
		f := ft.frameAt(phys)
		f.group = groups[i]
		groups[i].frame = f
	}
	ft.used.Store(int64(len(physs)))
	ft.total.Store(int64(count))
	ft.metadata = window
	ft.metaSize = metaPages
	ft.clock = count - 1

	ft.logger.Info("frame table initialized",
		zap.Int("frames", count),
		zap.Int("metadataPages", metaPages),
		zap.Uint64("physStart", uint64(start)),
		zap.Uint64("physEnd", uint64(end)),
	)
	return nil
}

// AttachSwap sets the evictor used when physical memory runs out. The Swap
// must outlive every swapped Page.
func (ft *FrameTable) AttachSwap(s *Swap) {
	ft.swap = s
}

func (ft *FrameTable) frameAt(phys hal.PhysAddr) *Frame {
	return &ft.frames[(phys-ft.base)/PageSize]
}

// Frame returns the frame with the given id, or nil.
func (ft *FrameTable) Frame(id FrameID) *Frame {
	if int(id) >= len(ft.frames) {
		return nil
	}
	return &ft.frames[id]
}

// TryAlloc takes one physical page from the untyped allocator and returns it
// as an UNMAPPED Page. It fails with ErrNoMemory when memory is exhausted.
func (ft *FrameTable) TryAlloc() (*Page, error) {
	if ft.frames == nil {
		return nil, fmt.Errorf("%w: frame table not initialized", ErrNoMemory)
	}
	phys, err := ft.platform.UntypedAlloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	c, err := ft.platform.RetypePage(phys)
	if err != nil {
		if ferr := ft.platform.UntypedFree(phys); ferr != nil {
			ft.logger.Error("failed to return untyped after retype failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("%w: retype: %w", ErrNoMemory, err)
	}
	f := ft.frameAt(phys)
	g := &copyGroup{frame: f}
	page := &Page{frames: ft, status: StatusUnmapped, cap: c}
	g.add(page)
	f.group = g
	ft.used.Add(1)
	return page, nil
}

// Alloc returns a new UNMAPPED Page. When physical memory is exhausted it
// picks victims with a clock scan, asks the Swap to write them out, and
// retries.
func (ft *FrameTable) Alloc() *async.Future[*Page] {
	return ft.alloc(maxEvictionRounds)
}

func (ft *FrameTable) alloc(rounds int) *async.Future[*Page] {
	page, err := ft.TryAlloc()
	if err == nil {
		return async.Ready(page)
	}
	if !errors.Is(err, ErrNoMemory) || ft.swap == nil || rounds == 0 || ft.frames == nil {
		return async.Fail[*Page](err)
	}
	victims := ft.selectVictims()
	if len(victims) == 0 {
		return async.Fail[*Page](fmt.Errorf("%w: no evictable frames", ErrNoMemory))
	}
	ft.metrics.RecordEviction(context.Background(), len(victims))
	ft.logger.Debug("physical memory exhausted, swapping out", zap.Int("candidates", len(victims)))
	return async.Then(ft.swap.SwapOut(victims), func(int) *async.Future[*Page] {
		return ft.alloc(rounds - 1)
	})
}

// selectVictims runs the clock from the frame after the hand. Referenced
// frames lose their reference and are passed over; they become candidates on
// the second revolution if nothing touched them in between.
func (ft *FrameTable) selectVictims() []FrameID {
	n := len(ft.frames)
	victims := make([]FrameID, 0, ParallelSwaps)
	for step := 1; step <= 2*n && len(victims) < ParallelSwaps; step++ {
		idx := (ft.clock + step) % n
		f := &ft.frames[idx]
		if f.IsFree() || f.IsLocked() {
			continue
		}
		if f.IsReferenced() {
			if err := f.disableReference(); err != nil {
				ft.logger.Warn("failed to clear frame reference", zap.Uint32("frame", uint32(f.id)), zap.Error(err))
			}
			continue
		}
		if slices.Contains(victims, f.id) {
			continue
		}
		victims = append(victims, f.id)
		ft.clock = idx
	}
	return victims
}

// free returns an empty frame to the untyped allocator. Every capability to
// it must already be deleted.
func (ft *FrameTable) free(f *Frame) {
	f.group = nil
	if err := ft.platform.UntypedFree(f.phys); err != nil {
		ft.logger.Error("failed to free frame", zap.Uint32("frame", uint32(f.id)), zap.Error(err))
		return
	}
	ft.used.Add(-1)
}

// Used returns the number of frames currently holding data. Safe for
// concurrent use.
func (ft *FrameTable) Used() int {
	return int(ft.used.Load())
}

// Usage is the gauge callback for telemetry.
func (ft *FrameTable) Usage() (used, total int64) {
	return ft.used.Load(), ft.total.Load()
}

// Stats walks the table. It must run on the loop.
func (ft *FrameTable) Stats() FrameStats {
	stats := FrameStats{Total: len(ft.frames), Used: ft.Used(), Metadata: ft.metaSize}
	for i := range ft.frames {
		if ft.frames[i].IsLocked() {
			stats.Locked++
		}
	}
	return stats
}

// Close unmaps the frame table window. It runs last during teardown.
func (ft *FrameTable) Close() error {
	if ft.metadata == nil {
		return nil
	}
	err := ft.metadata.Close()
	ft.metadata = nil
	return err
}
