// Package process owns address spaces: one mapping table, page directory and
// file descriptor table per process, plus the parent/child bookkeeping
// needed to reap zombies.
package process

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	"github.com/sushant-115/rootd/core/mappings"
	"github.com/sushant-115/rootd/core/memory"
	internaltelemetry "github.com/sushant-115/rootd/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PID identifies a process.
type PID int32

const (
	ServerPID PID = 0
	InitPID   PID = 1

	// AnyChild makes WaitChild match the first child to exit.
	AnyChild PID = -1
)

// Exit statuses of processes killed by the VM.
const (
	StatusSegfault    = -11
	StatusOutOfMemory = -12
)

var (
	ErrNoSuchProcess = errors.New("no such process")
	ErrNoChild       = errors.New("no matching child process")
	ErrExited        = errors.New("process has exited")
)

// ExitInfo is what a parent learns about a child that exited.
type ExitInfo struct {
	PID    PID `json:"pid"`
	Status int `json:"status"`
}

type childWaiter struct {
	pid     PID
	promise *async.Promise[ExitInfo]
}

// Options are the collaborators shared by every process.
type Options struct {
	Platform hal.Platform
	Frames   *memory.FrameTable
	Logger   *zap.Logger
	Metrics  *internaltelemetry.VMMetrics
	Tracer   trace.Tracer
	// Seed makes region placement reproducible. Each process derives its
	// own stream from it.
	Seed uint64
	// MaxFiles bounds each file descriptor table.
	MaxFiles int
}

// Process is one address space with a single thread.
type Process struct {
	table  *Table
	pid    PID
	server bool
	logger *zap.Logger

	maps   *mappings.Mappings
	dir    *memory.PageDirectory
	fds    *FDTable
	thread *Thread
	stack  memory.VirtAddr

	// parent is a weak reference resolved through the table.
	parent   PID
	children map[PID]*Process
	waiters  []childWaiter

	zombie bool
	status int
}

func newProcess(t *Table, pid PID, parent PID, server bool) (*Process, error) {
	dir, err := memory.NewPageDirectory(t.opts.Platform, t.opts.Frames, t.opts.Logger)
	if err != nil {
		return nil, err
	}
	p := &Process{
		table:    t,
		pid:      pid,
		server:   server,
		logger:   t.logger.With(zap.Int32("pid", int32(pid))),
		dir:      dir,
		fds:      NewFDTable(t.opts.MaxFiles),
		parent:   parent,
		children: make(map[PID]*Process),
	}
	p.maps = mappings.New(dir.UnmapRange, t.opts.Seed+uint64(pid), p.logger)
	p.thread = &Thread{proc: p, tid: int(pid), alive: true}
	return p, nil
}

func (p *Process) PID() PID {
	return p.pid
}

func (p *Process) IsServer() bool {
	return p.server
}

func (p *Process) IsZombie() bool {
	return p.zombie
}

// ExitStatus is meaningful once the process is a zombie.
func (p *Process) ExitStatus() int {
	return p.status
}

func (p *Process) Mappings() *mappings.Mappings {
	return p.maps
}

func (p *Process) Directory() *memory.PageDirectory {
	return p.dir
}

func (p *Process) Files() *FDTable {
	return p.fds
}

func (p *Process) Thread() *Thread {
	return p.thread
}

// StackTop is the initial stack pointer of the process's thread.
func (p *Process) StackTop() memory.VirtAddr {
	return p.stack
}

// Parent resolves the weak parent reference. It fails once the parent has
// been reaped.
func (p *Process) Parent() (*Process, bool) {
	if p.pid == ServerPID {
		return nil, false
	}
	return p.table.Get(p.parent)
}

// Children returns the pids of live and zombie children in order.
func (p *Process) Children() []PID {
	return slices.Sorted(maps.Keys(p.children))
}

// Reserve places a region of the given size anywhere in the mmap arena.
// Together with Directory this makes the server process a
// memory.KernelSpace.
func (p *Process) Reserve(pages int, perms memory.Permissions, locked bool) (memory.Reservation, error) {
	if p.zombie {
		return nil, ErrExited
	}
	return p.maps.Insert(0, pages, perms, mappings.Flags{Locked: locked}, nil)
}

// Exit turns the process into a zombie. Its memory and files are released
// immediately, its children are handed to init, and its parent is told.
func (p *Process) Exit(status int) error {
	if p.zombie {
		return nil
	}
	p.zombie = true
	p.status = status
	p.thread.kill()

	err := p.fds.Clear()
	err = multierr.Append(err, p.maps.Clear())
	err = multierr.Append(err, p.dir.Close())
	for _, w := range p.waiters {
		w.promise.Reject(fmt.Errorf("%w: pid %d", ErrExited, p.pid))
	}
	p.waiters = nil

	p.table.reparent(p)
	p.table.opts.Metrics.ProcessExited(context.Background())
	p.logger.Info("process exited", zap.Int("status", status))

	if parent, ok := p.Parent(); ok && !parent.zombie {
		parent.childExited(p)
	} else {
		p.table.remove(p)
	}
	return err
}

// WaitChild completes when the child pid (or any child, with AnyChild)
// exits, and reaps it.
func (p *Process) WaitChild(pid PID) *async.Future[ExitInfo] {
	if p.zombie {
		return async.Fail[ExitInfo](ErrExited)
	}
	matched := false
	for _, cpid := range p.Children() {
		c := p.children[cpid]
		if pid != AnyChild && cpid != pid {
			continue
		}
		matched = true
		if c.zombie {
			return async.Ready(p.reap(c))
		}
	}
	if !matched {
		return async.Fail[ExitInfo](fmt.Errorf("%w: %d", ErrNoChild, pid))
	}
	promise, f := async.NewPromise[ExitInfo]()
	p.waiters = append(p.waiters, childWaiter{pid: pid, promise: promise})
	return f
}

func (p *Process) childExited(c *Process) {
	for i, w := range p.waiters {
		if w.pid == AnyChild || w.pid == c.pid {
			p.waiters = slices.Delete(p.waiters, i, i+1)
			w.promise.Resolve(p.reap(c))
			return
		}
	}
}

func (p *Process) reap(c *Process) ExitInfo {
	delete(p.children, c.pid)
	p.table.remove(c)
	return ExitInfo{PID: c.pid, Status: c.status}
}

var _ memory.KernelSpace = (*Process)(nil)
