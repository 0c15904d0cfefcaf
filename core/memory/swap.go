package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	internaltelemetry "github.com/sushant-115/rootd/internal/telemetry"
	"go.uber.org/zap"
)

// slotBytes is the backing store space covered by one swap slot.
const slotBytes = ParallelSwaps * PageSize

// BackingStore is an offset-addressable byte array with asynchronous
// transfers. Offsets and lengths are page multiples.
type BackingStore interface {
	Read(p []byte, off int64) *async.Future[int]
	Write(p []byte, off int64) *async.Future[int]
}

// SwapStats is a snapshot of swap usage.
type SwapStats struct {
	Slots     int `json:"slots"`
	UsedSlots int `json:"used_slots"`
	Entries   int `json:"entries"`
	Pages     int `json:"pages"`
}

type stagedFrame struct {
	frame *Frame
	group *copyGroup
	addr  VirtAddr
}

// Swap moves frames to a backing store under memory pressure and brings
// pages back on demand. Swap-outs and swap-ins are each serialized: a
// request arriving while one is in flight waits its turn.
type Swap struct {
	frames   *FrameTable
	space    KernelSpace
	platform hal.Platform
	logger   *zap.Logger
	metrics  *internaltelemetry.VMMetrics

	store     BackingStore
	slots     uint
	used      *bitset.BitSet
	live      []int
	lastUsed  uint
	entries   map[SwapID]*copyGroup
	inUse     atomic.Int64
	slotCount atomic.Uint64

	// I/O windows in the server address space. Both are reserved at start
	// so swapping never has to allocate address space.
	staging Reservation
	window  Reservation
	outBuf  []byte
	inBuf   []byte

	inStaging bool
	outBusy   bool
	outQueue  []func()
	inBusy    bool
	inQueue   []func()
}

// NewSwap reserves the swap I/O windows and attaches itself to frames. No
// backing store is attached yet, so every swap-out fails until
// AddBackingStore is called.
func NewSwap(frames *FrameTable, space KernelSpace, logger *zap.Logger, metrics *internaltelemetry.VMMetrics) (*Swap, error) {
	staging, err := space.Reserve(ParallelSwaps, ReadWrite, true)
	if err != nil {
		return nil, fmt.Errorf("reserving swap staging window: %w", err)
	}
	window, err := space.Reserve(1, ReadWrite, true)
	if err != nil {
		_ = staging.Close()
		return nil, fmt.Errorf("reserving swap in window: %w", err)
	}
	s := &Swap{
		frames:   frames,
		space:    space,
		platform: frames.platform,
		logger:   logger.Named("swap"),
		metrics:  metrics,
		entries:  make(map[SwapID]*copyGroup),
		staging:  staging,
		window:   window,
		outBuf:   make([]byte, slotBytes),
		inBuf:    make([]byte, PageSize),
	}
	frames.AttachSwap(s)
	return s, nil
}

// AddBackingStore attaches the store. size must be a positive multiple of
// the page size; space past the last whole slot is unused. Only one store
// is supported.
func (s *Swap) AddBackingStore(store BackingStore, size int64) error {
	if s.store != nil {
		return fmt.Errorf("%w: backing store already attached", ErrInvalidArgument)
	}
	if size <= 0 || size%PageSize != 0 {
		return fmt.Errorf("%w: swap size %d is not page aligned", ErrInvalidArgument, size)
	}
	slots := uint(size / slotBytes)
	if slots == 0 {
		return fmt.Errorf("%w: swap size %d holds no slot of %d bytes", ErrInvalidArgument, size, slotBytes)
	}
	s.store = store
	s.slots = slots
	s.slotCount.Store(uint64(slots))
	s.used = bitset.New(slots)
	s.live = make([]int, slots)
	s.lastUsed = slots - 1
	s.logger.Info("backing store attached", zap.Int64("bytes", size), zap.Uint("slots", slots))
	return nil
}

// allocate finds a free slot, scanning cyclically from just after the last
// one handed out.
func (s *Swap) allocate() (uint, error) {
	for i := uint(1); i <= s.slots; i++ {
		slot := (s.lastUsed + i) % s.slots
		if !s.used.Test(slot) {
			s.used.Set(slot)
			s.inUse.Add(1)
			s.lastUsed = slot
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: swap space exhausted", ErrNoMemory)
}

func (s *Swap) free(slot uint) {
	if s.used.Test(slot) {
		s.used.Clear(slot)
		s.inUse.Add(-1)
	}
	s.live[slot] = 0
}

// forget drops a swap entry whose last page was released.
func (s *Swap) forget(g *copyGroup) {
	if s.entries[g.swapID] != g {
		return
	}
	delete(s.entries, g.swapID)
	slot := uint(g.swapID / ParallelSwaps)
	s.live[slot]--
	if s.live[slot] <= 0 {
		s.free(slot)
	}
}

// SwapOut writes up to ParallelSwaps of the given frames to one swap slot
// and frees them. Frames that are free, locked or referenced are skipped.
// Either every written frame ends up swapped or none does. The future holds
// the number of frames freed.
func (s *Swap) SwapOut(victims []FrameID) *async.Future[int] {
	if s.inStaging {
		return async.Fail[int](ErrSwapReentrant)
	}
	if s.outBusy {
		p, f := async.NewPromise[int]()
		s.outQueue = append(s.outQueue, func() {
			async.Forward(s.SwapOut(victims), p)
		})
		return f
	}
	s.outBusy = true
	return async.Finally(s.swapOut(victims), s.nextSwapOut)
}

func (s *Swap) nextSwapOut() {
	s.outBusy = false
	if len(s.outQueue) == 0 {
		return
	}
	next := s.outQueue[0]
	s.outQueue = s.outQueue[1:]
	next()
}

func (s *Swap) swapOut(victims []FrameID) *async.Future[int] {
	ctx := context.Background()
	if s.store == nil {
		return async.Fail[int](ErrNoBackingStore)
	}
	slot, err := s.allocate()
	if err != nil {
		return async.Fail[int](err)
	}

	s.inStaging = true
	staged, err := s.stage(victims)
	s.inStaging = false
	if err != nil {
		s.unstage(staged)
		s.free(slot)
		s.metrics.RecordSwapFailure(ctx, "out")
		return async.Fail[int](fmt.Errorf("%w: staging swap out: %w", ErrNoMemory, err))
	}
	if len(staged) == 0 {
		s.free(slot)
		return async.Fail[int](fmt.Errorf("%w: no evictable frame among %d candidates", ErrNoMemory, len(victims)))
	}

	buf := s.outBuf[:len(staged)*PageSize]
	off := int64(slot) * slotBytes
	start := time.Now()
	return async.Handle(s.store.Write(buf, off), func(n int, err error) *async.Future[int] {
		s.metrics.RecordIO(ctx, "write", time.Since(start))
		s.unstage(staged)
		switch {
		case err != nil:
			err = fmt.Errorf("%w: %w: writing slot %d: %w", ErrNoMemory, ErrIO, slot, err)
		case n != len(buf):
			err = fmt.Errorf("%w: %w: short write to slot %d: %d of %d bytes", ErrNoMemory, ErrIO, slot, n, len(buf))
		default:
			err = s.checkStillEvictable(staged)
		}
		if err != nil {
			s.free(slot)
			s.metrics.RecordSwapFailure(ctx, "out")
			s.logger.Warn("swap out failed, nothing was evicted", zap.Uint("slot", slot), zap.Error(err))
			return async.Fail[int](err)
		}

		committed := 0
		for i, st := range staged {
			if st.frame.group != st.group {
				// Every copy was released during the write and the frame
				// is already free.
				continue
			}
			s.commit(st, SwapID(slot*ParallelSwaps+uint(i)))
			committed++
		}
		s.live[slot] = committed
		if committed == 0 {
			s.free(slot)
		}
		s.metrics.RecordSwapOut(ctx, committed)
		s.logger.Debug("swapped out", zap.Uint("slot", slot), zap.Int("frames", committed))
		return async.Ready(committed)
	})
}

// stage maps a copy of each eligible frame into the staging window and
// snapshots the window into outBuf. On error the frames staged so far are
// returned so the caller can unstage them.
func (s *Swap) stage(victims []FrameID) ([]stagedFrame, error) {
	dir := s.space.Directory()
	staged := make([]stagedFrame, 0, ParallelSwaps)
	for _, id := range victims {
		if len(staged) == ParallelSwaps {
			break
		}
		f := s.frames.Frame(id)
		if f == nil || f.IsFree() || f.IsLocked() || f.IsReferenced() {
			continue
		}
		if err := f.group.pages[0].checkEvictable(); err != nil {
			continue
		}
		cp, err := f.group.pages[0].Copy()
		if err != nil {
			return staged, err
		}
		addr := s.staging.Start() + VirtAddr(len(staged)*PageSize)
		if _, err := dir.Map(cp, addr, ReadWrite, true); err != nil {
			return staged, fmt.Errorf("frame %d: %w", id, err)
		}
		staged = append(staged, stagedFrame{frame: f, group: f.group, addr: addr})
	}
	if len(staged) > 0 {
		buf := s.outBuf[:len(staged)*PageSize]
		if err := s.platform.Read(dir.Cap(), uint64(s.staging.Start()), buf); err != nil {
			return staged, err
		}
	}
	return staged, nil
}

func (s *Swap) unstage(staged []stagedFrame) {
	dir := s.space.Directory()
	for _, st := range staged {
		if err := dir.Unmap(st.addr); err != nil && !errors.Is(err, ErrNotMapped) {
			s.logger.Warn("failed to unmap staging page", zap.Uint64("addr", uint64(st.addr)), zap.Error(err))
		}
	}
}

// checkStillEvictable rejects the batch if any staged frame was mapped
// again while the write was in flight, since the written copy may be stale.
func (s *Swap) checkStillEvictable(staged []stagedFrame) error {
	for _, st := range staged {
		if st.frame.group != st.group {
			continue
		}
		for _, p := range st.group.pages {
			if err := p.checkEvictable(); err != nil {
				return fmt.Errorf("%w: frame %d touched during swap out: %w", ErrNoMemory, st.frame.id, err)
			}
		}
	}
	return nil
}

// commit turns every page of a written frame into a swapped page and frees
// the frame.
func (s *Swap) commit(st stagedFrame, id SwapID) {
	g := st.group
	for _, p := range g.pages {
		if err := s.platform.DeleteCap(p.cap); err != nil {
			s.logger.Warn("failed to delete capability of swapped page", zap.Error(err))
		}
		p.cap = hal.NullCap
		p.status = StatusSwapped
	}
	g.frame = nil
	g.swapID = id
	s.entries[id] = g
	s.frames.free(st.frame)
}

// SwapIn reads a swapped page back into a fresh frame. Every copy of the
// page becomes UNREFERENCED on that frame; the caller re-enables its own
// mapping. A page that is no longer swapped when its turn comes is left
// alone.
func (s *Swap) SwapIn(page *Page) *async.Future[struct{}] {
	if s.inBusy {
		p, f := async.NewPromise[struct{}]()
		s.inQueue = append(s.inQueue, func() {
			async.Forward(s.SwapIn(page), p)
		})
		return f
	}
	s.inBusy = true
	return async.Finally(s.swapIn(page), s.nextSwapIn)
}

func (s *Swap) nextSwapIn() {
	s.inBusy = false
	if len(s.inQueue) == 0 {
		return
	}
	next := s.inQueue[0]
	s.inQueue = s.inQueue[1:]
	next()
}

func (s *Swap) swapIn(page *Page) *async.Future[struct{}] {
	switch page.status {
	case StatusSwapped:
	case StatusInvalid:
		return async.Fail[struct{}](ErrPageGone)
	default:
		return async.Ready(struct{}{})
	}
	ctx := context.Background()
	g := page.group
	id := g.swapID

	return async.Then(s.frames.Alloc(), func(buffer *Page) *async.Future[struct{}] {
		if s.entries[id] != g {
			buffer.Release()
			return s.swapIn(page)
		}
		dir := s.space.Directory()
		addr := s.window.Start()
		mp, err := dir.Map(buffer, addr, ReadWrite, true)
		if err != nil {
			return async.Fail[struct{}](err)
		}
		abort := func(err error) *async.Future[struct{}] {
			if uerr := dir.Unmap(addr); uerr != nil {
				s.logger.Warn("failed to unmap swap in window", zap.Error(uerr))
			}
			s.metrics.RecordSwapFailure(ctx, "in")
			return async.Fail[struct{}](err)
		}

		start := time.Now()
		return async.Handle(s.store.Read(s.inBuf, int64(id)*PageSize), func(n int, err error) *async.Future[struct{}] {
			s.metrics.RecordIO(ctx, "read", time.Since(start))
			switch {
			case err != nil:
				return abort(fmt.Errorf("%w: %w: reading swap entry %d: %w", ErrNoMemory, ErrIO, id, err))
			case n != PageSize:
				return abort(fmt.Errorf("%w: %w: short read of swap entry %d: %d bytes", ErrNoMemory, ErrIO, id, n))
			case s.entries[id] != g:
				return abort(ErrPageGone)
			}
			if err := s.platform.Write(dir.Cap(), uint64(addr), s.inBuf); err != nil {
				return abort(fmt.Errorf("%w: filling swap in window: %w", ErrNoMemory, err))
			}

			caps := make([]hal.Cap, 0, len(g.pages))
			for range g.pages {
				c, err := s.platform.CopyCap(mp.page.cap)
				if err != nil {
					for _, c := range caps {
						_ = s.platform.DeleteCap(c)
					}
					return abort(fmt.Errorf("%w: %w", ErrNoMemory, err))
				}
				caps = append(caps, c)
			}

			// Move the swapped pages onto the buffer's frame. Unmapping the
			// window afterwards drops the buffer page but the frame stays
			// with the restored copies.
			resident := mp.page.group
			restored := g.pages
			g.pages = nil
			for i, p := range restored {
				p.cap = caps[i]
				p.status = StatusUnreferenced
				resident.add(p)
			}
			delete(s.entries, id)
			slot := uint(id / ParallelSwaps)
			s.live[slot]--
			if s.live[slot] <= 0 {
				s.free(slot)
			}
			if err := dir.Unmap(addr); err != nil {
				s.logger.Warn("failed to unmap swap in window", zap.Error(err))
			}
			s.metrics.RecordSwapIn(ctx)
			return async.Ready(struct{}{})
		})
	})
}

// Usage is the gauge callback for telemetry. Safe for concurrent use.
func (s *Swap) Usage() (used, total int64) {
	return s.inUse.Load(), int64(s.slotCount.Load())
}

// Stats must run on the loop.
func (s *Swap) Stats() SwapStats {
	stats := SwapStats{Slots: int(s.slots), Entries: len(s.entries)}
	if s.used != nil {
		stats.UsedSlots = int(s.used.Count())
	}
	for _, g := range s.entries {
		stats.Pages += len(g.pages)
	}
	return stats
}

// Close gives back the I/O windows. Every swapped page must be released
// first.
func (s *Swap) Close() error {
	if len(s.entries) > 0 {
		s.logger.Warn("closing swap with live entries", zap.Int("entries", len(s.entries)))
	}
	return errors.Join(s.staging.Close(), s.window.Close())
}
