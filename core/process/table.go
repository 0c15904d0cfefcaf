package process

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/sushant-115/rootd/core/mappings"
	"github.com/sushant-115/rootd/core/memory"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultMaxFiles = 64

// Table is the set of processes known to the server. Process handles
// outside the table are weak: they are looked up by pid.
type Table struct {
	opts   Options
	logger *zap.Logger
	procs  map[PID]*Process
	next   PID
	server *Process
}

// NewTable creates an empty process table.
func NewTable(opts Options) *Table {
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = defaultMaxFiles
	}
	return &Table{
		opts:   opts,
		logger: opts.Logger.Named("process"),
		procs:  make(map[PID]*Process),
		next:   ServerPID,
	}
}

// CreateServer builds the server's own address space. Its static image is
// protected by a reserved region, and page tables for the whole mmap arena
// are created up front so the server never allocates while mapping into
// itself.
func (t *Table) CreateServer() (*Process, error) {
	if t.server != nil {
		return nil, fmt.Errorf("%w: server process already exists", memory.ErrInvalidArgument)
	}
	p, err := newProcess(t, t.allocPID(), ServerPID, true)
	if err != nil {
		return nil, err
	}
	image := memory.BytesToPages(uint64(memory.ServerBrkStart) + memory.ServerInitAreaSize)
	scoped, err := p.maps.Insert(0, image, memory.Permissions{}, mappings.Flags{Fixed: true, Reserved: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("reserving server image: %w", err)
	}
	scoped.Release()
	if err := p.dir.ReservePages(memory.MmapStart, memory.MmapEnd); err != nil {
		return nil, fmt.Errorf("reserving server page tables: %w", err)
	}
	t.server = p
	t.procs[p.pid] = p
	t.logger.Info("server process created", zap.Int("pageTables", p.dir.Tables()))
	return p, nil
}

// Server returns the server process.
func (t *Table) Server() *Process {
	return t.server
}

// Init returns the process that adopts orphans, if it is running.
func (t *Table) Init() (*Process, bool) {
	p, ok := t.procs[InitPID]
	if !ok || p.zombie {
		return nil, false
	}
	return p, true
}

// Get resolves a pid.
func (t *Table) Get(pid PID) (*Process, bool) {
	p, ok := t.procs[pid]
	return p, ok
}

// PIDs returns every pid in the table, zombies included.
func (t *Table) PIDs() []PID {
	return slices.Sorted(maps.Keys(t.procs))
}

func (t *Table) allocPID() PID {
	for {
		pid := t.next
		t.next++
		if _, taken := t.procs[pid]; !taken {
			return pid
		}
	}
}

// Spawn creates a child of parent with one thread and a stack region.
func (t *Table) Spawn(parent *Process) (*Process, error) {
	if t.server == nil {
		return nil, fmt.Errorf("%w: no server process", memory.ErrInvalidArgument)
	}
	if parent == nil {
		parent = t.server
	}
	if parent.zombie {
		return nil, fmt.Errorf("%w: parent %d", ErrExited, parent.pid)
	}
	p, err := newProcess(t, t.allocPID(), parent.pid, false)
	if err != nil {
		return nil, err
	}
	stack, err := p.maps.Insert(0, memory.StackPages, memory.ReadWrite, mappings.Flags{Stack: true}, nil)
	if err != nil {
		_ = p.dir.Close()
		return nil, fmt.Errorf("allocating stack: %w", err)
	}
	stack.Release()
	p.stack = stack.End()
	for _, name := range []string{"stdout", "stderr"} {
		if _, err := p.fds.Insert(newConsole(p.logger, name)); err != nil {
			err = multierr.Combine(err, p.fds.Clear(), p.maps.Clear(), p.dir.Close())
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}
	}

	parent.children[p.pid] = p
	t.procs[p.pid] = p
	t.opts.Metrics.ProcessStarted(context.Background())
	p.logger.Info("process started", zap.Int32("parent", int32(parent.pid)), zap.Uint64("stackTop", uint64(p.stack)))
	return p, nil
}

// reparent hands the children of an exiting process to init, or to the
// server when init itself is the one exiting.
func (t *Table) reparent(p *Process) {
	if len(p.children) == 0 {
		return
	}
	adopter, ok := t.Init()
	if !ok || adopter == p {
		adopter = t.server
	}
	for pid, c := range p.children {
		delete(p.children, pid)
		c.parent = adopter.pid
		adopter.children[pid] = c
		if c.zombie {
			adopter.childExited(c)
		}
	}
}

func (t *Table) remove(p *Process) {
	delete(t.procs, p.pid)
}

// Close exits every user process, newest first, and then tears down the
// server's address space.
func (t *Table) Close() error {
	var err error
	pids := t.PIDs()
	for i := len(pids) - 1; i >= 0; i-- {
		p, ok := t.procs[pids[i]]
		if !ok || p.server || p.zombie {
			continue
		}
		err = multierr.Append(err, p.Exit(0))
	}
	return err
}

// CloseServer releases the server address space. It must run after the
// frame table and swap have given back their windows.
func (t *Table) CloseServer() error {
	if t.server == nil {
		return nil
	}
	s := t.server
	err := s.maps.Clear()
	err = multierr.Append(err, s.dir.Close())
	t.server = nil
	delete(t.procs, s.pid)
	return err
}
