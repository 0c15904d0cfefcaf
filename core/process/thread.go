package process

import (
	"errors"
	"fmt"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
)

// FaultOutcome is what happens to a thread after one of its faults has been
// handled.
type FaultOutcome int

const (
	// FaultResumed means the page is resident and the thread may retry the
	// access.
	FaultResumed FaultOutcome = iota
	// FaultKilled means the fault was fatal and the process has exited.
	FaultKilled
	// FaultDropped means the thread died while the fault was in flight.
	FaultDropped
)

func (o FaultOutcome) String() string {
	switch o {
	case FaultResumed:
		return "resumed"
	case FaultKilled:
		return "killed"
	case FaultDropped:
		return "dropped"
	}
	return fmt.Sprintf("FaultOutcome(%d)", int(o))
}

// Thread is the single thread of a process.
type Thread struct {
	proc  *Process
	tid   int
	alive bool
}

func (t *Thread) TID() int {
	return t.tid
}

func (t *Thread) Alive() bool {
	return t.alive
}

func (t *Thread) Process() *Process {
	return t.proc
}

func (t *Thread) kill() {
	t.alive = false
}

// HandleFault services a fault raised by this thread. Access violations
// kill the process with StatusSegfault and exhaustion kills it with
// StatusOutOfMemory. For the server thread every failure is returned
// instead, since the server cannot be killed.
func (t *Thread) HandleFault(addr memory.VirtAddr, access memory.Access) *async.Future[FaultOutcome] {
	if !t.alive {
		return async.Ready(FaultDropped)
	}
	p := t.proc
	return async.Handle(p.HandlePageFault(addr, access), func(_ *memory.MappedPage, err error) *async.Future[FaultOutcome] {
		if !t.alive {
			return async.Ready(FaultDropped)
		}
		if err == nil {
			return async.Ready(FaultResumed)
		}
		if p.server {
			return async.Fail[FaultOutcome](fmt.Errorf("fatal fault in server at 0x%x: %w", addr, err))
		}

		status := StatusSegfault
		if errors.Is(err, memory.ErrNoMemory) {
			status = StatusOutOfMemory
		}
		p.logger.Warn("killing thread on fault",
			zap.Int("tid", t.tid),
			zap.Uint64("addr", uint64(addr)),
			zap.Stringer("access", access),
			zap.Int("status", status),
			zap.Error(err),
		)
		if xerr := p.Exit(status); xerr != nil {
			p.logger.Error("process teardown after fault", zap.Error(xerr))
		}
		return async.Ready(FaultKilled)
	})
}
