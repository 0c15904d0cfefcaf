package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/mappings"
	"github.com/sushant-115/rootd/core/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// HandlePageFault validates a fault at addr against the mapping table and
// makes the page resident. Faults on unmapped addresses, reserved regions,
// stack guard pages, or against the region's permissions fail with
// memory.ErrAccessViolation. A page of a file-backed region is filled from
// the file when it is first created.
func (p *Process) HandlePageFault(addr memory.VirtAddr, access memory.Access) *async.Future[*memory.MappedPage] {
	ctx, span := p.table.opts.Tracer.Start(context.Background(), "rootd.vm.page_fault",
		trace.WithAttributes(
			attribute.Int("rootd.pid", int(p.pid)),
			attribute.String("rootd.addr", fmt.Sprintf("0x%x", uint64(addr))),
			attribute.String("rootd.access", access.String()),
		))

	f := p.resolveFault(memory.PageAlign(addr), access)
	return async.Handle(f, func(mp *memory.MappedPage, err error) *async.Future[*memory.MappedPage] {
		outcome := "resolved"
		switch {
		case err == nil:
		case errors.Is(err, memory.ErrAccessViolation):
			outcome = "violation"
		case errors.Is(err, memory.ErrNoMemory):
			outcome = "oom"
		default:
			outcome = "error"
		}
		p.table.opts.Metrics.RecordFault(ctx, outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if err != nil {
			return async.Fail[*memory.MappedPage](err)
		}
		return async.Ready(mp)
	})
}

func (p *Process) resolveFault(page memory.VirtAddr, access memory.Access) *async.Future[*memory.MappedPage] {
	if p.zombie {
		return async.Fail[*memory.MappedPage](ErrExited)
	}
	region, err := p.maps.Lookup(page)
	if err != nil {
		return async.Fail[*memory.MappedPage](fmt.Errorf("%w: %w", memory.ErrAccessViolation, err))
	}
	switch {
	case region.Flags.Reserved:
		return async.Fail[*memory.MappedPage](fmt.Errorf("%w: 0x%x is in a reserved region", memory.ErrAccessViolation, page))
	case region.IsGuard(page):
		return async.Fail[*memory.MappedPage](fmt.Errorf("%w: 0x%x is a stack guard page", memory.ErrAccessViolation, page))
	}
	if err := region.Perms.Check(access); err != nil {
		return async.Fail[*memory.MappedPage](fmt.Errorf("0x%x %s: %w", page, region, err))
	}

	perms, locked := region.Perms, region.Flags.Locked
	check := func() error { return p.stillMapped(page, perms, locked) }
	if _, exists := p.dir.Lookup(page); exists || region.File == nil {
		return p.dir.MakeResidentChecked(page, perms, locked, check)
	}

	// Read the file first so that nothing suspends between creating the
	// page and filling it.
	data, at := fileSpan(region, page)
	if len(data) == 0 {
		return p.dir.MakeResidentChecked(page, perms, locked, check)
	}
	file := region.File
	return async.Handle(file.File.Read(data, file.Offset+at-file.MemoryOffset), func(n int, err error) *async.Future[*memory.MappedPage] {
		if err != nil {
			return async.Fail[*memory.MappedPage](fmt.Errorf("%w: %w: reading backing file: %w", memory.ErrNoMemory, memory.ErrIO, err))
		}
		if err := check(); err != nil {
			return async.Fail[*memory.MappedPage](err)
		}
		if _, exists := p.dir.Lookup(page); exists {
			return p.dir.MakeResidentChecked(page, perms, locked, check)
		}
		return async.Then(p.dir.MakeResidentChecked(page, perms, locked, check), func(mp *memory.MappedPage) *async.Future[*memory.MappedPage] {
			if err := p.fill(mp, int(at-int64(page-region.Start)), data[:n]); err != nil {
				return async.Fail[*memory.MappedPage](err)
			}
			return async.Ready(mp)
		})
	})
}

// stillMapped confirms, after a fault has suspended, that page is still
// covered by a region with the attributes the fault started with.
func (p *Process) stillMapped(page memory.VirtAddr, perms memory.Permissions, locked bool) error {
	if p.zombie {
		return ErrExited
	}
	region, err := p.maps.Lookup(page)
	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrAccessViolation, err)
	}
	if region.Flags.Reserved || region.Perms != perms || region.Flags.Locked != locked {
		return fmt.Errorf("%w: region at 0x%x changed during fault", memory.ErrAccessViolation, page)
	}
	return nil
}

// fileSpan returns a buffer for the part of page covered by the region's
// file bytes, and that part's offset from the region start.
func fileSpan(region *mappings.Region, page memory.VirtAddr) ([]byte, int64) {
	f := region.File
	lo := int64(page - region.Start)
	hi := lo + memory.PageSize
	lo = max(lo, f.MemoryOffset)
	hi = min(hi, f.MemoryOffset+f.Length)
	if lo >= hi {
		return nil, 0
	}
	return make([]byte, hi-lo), lo
}

// fill copies data into a resident page at off through a server window.
func (p *Process) fill(mp *memory.MappedPage, off int, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	w, err := p.table.openWindow([]*memory.Page{mp.Page()})
	if err != nil {
		return err
	}
	err = w.write(off, data)
	if cerr := w.Close(); cerr != nil {
		p.logger.Warn("failed to close fill window", zap.Error(cerr))
	}
	if err != nil {
		return fmt.Errorf("%w: filling page 0x%x: %w", memory.ErrNoMemory, mp.Address(), err)
	}
	return nil
}

// PageFaultMultiple faults in pages pages from start, one after the other.
// The server process cannot wait: if the run does not complete without
// suspending, it fails with memory.ErrServerWouldBlock.
func (p *Process) PageFaultMultiple(start memory.VirtAddr, pages int, access memory.Access) *async.Future[struct{}] {
	f := p.faultRun(memory.PageAlign(start), pages, access)
	if p.server && !f.Done() {
		p.logger.Error("server fault run would block", zap.Uint64("start", uint64(start)), zap.Int("pages", pages))
		return async.Fail[struct{}](fmt.Errorf("%w: faulting %d pages at 0x%x", memory.ErrServerWouldBlock, pages, start))
	}
	return f
}

func (p *Process) faultRun(addr memory.VirtAddr, remaining int, access memory.Access) *async.Future[struct{}] {
	for ; remaining > 0; remaining-- {
		f := p.HandlePageFault(addr, access)
		addr += memory.PageSize
		if !f.Done() {
			next, left := addr, remaining-1
			return async.Then(f, func(*memory.MappedPage) *async.Future[struct{}] {
				return p.faultRun(next, left, access)
			})
		}
		if err := f.Err(); err != nil {
			return async.Fail[struct{}](err)
		}
	}
	return async.Ready(struct{}{})
}
