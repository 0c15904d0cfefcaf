// Package rootserver assembles the VM and process services into a running
// root task and exposes its operations to other goroutines.
package rootserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/hal"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/process"
	internaltelemetry "github.com/sushant-115/rootd/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options configure a Server.
type Options struct {
	Machine hal.MachineConfig
	// Seed makes mapping placement reproducible. Zero picks one at random.
	Seed     uint64
	MaxFiles int
	// LoopDepth bounds the loop's task queue.
	LoopDepth int

	Logger *zap.Logger
	Tracer trace.Tracer
	// Meter enables VM metrics when set.
	Meter metric.Meter
}

// Server is a running root task. Its state belongs to the loop: every
// exported operation hops onto it.
type Server struct {
	logger  *zap.Logger
	machine *hal.Machine
	loop    *async.Loop
	metrics *internaltelemetry.VMMetrics
	frames  *memory.FrameTable
	procs   *process.Table
	swap    *memory.Swap
	store   io.Closer
	closed  bool
}

// New boots the root task: machine, loop, frame table, server process,
// frame table metadata, swap and finally init. The loop is not started;
// call Run or drive it with async.Await.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger.Named("rootserver")}

	var err error
	if opts.Meter != nil {
		if s.metrics, err = internaltelemetry.NewVMMetrics(opts.Meter); err != nil {
			return nil, fmt.Errorf("creating vm metrics: %w", err)
		}
	}

	// 1. The machine and the loop.
	if s.machine, err = hal.NewMachine(opts.Machine, logger); err != nil {
		return nil, err
	}
	s.loop = async.NewLoop(logger, opts.LoopDepth)

	// 2. The frame table and the server's address space.
	s.frames = memory.NewFrameTable(s.machine, logger, s.metrics)
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	s.procs = process.NewTable(process.Options{
		Platform: s.machine,
		Frames:   s.frames,
		Logger:   logger,
		Metrics:  s.metrics,
		Tracer:   opts.Tracer,
		Seed:     seed,
		MaxFiles: opts.MaxFiles,
	})
	server, err := s.procs.CreateServer()
	if err != nil {
		return nil, fmt.Errorf("creating server process: %w", err)
	}

	// 3. Frame table metadata lives in the server's address space.
	if err := s.frames.Init(server); err != nil {
		return nil, fmt.Errorf("initializing frame table: %w", err)
	}

	// 4. Swap, without a backing store until AttachStore.
	if s.swap, err = memory.NewSwap(s.frames, server, logger, s.metrics); err != nil {
		return nil, err
	}

	// 5. Init.
	if _, err := s.procs.Spawn(server); err != nil {
		return nil, fmt.Errorf("spawning init: %w", err)
	}

	if err := s.metrics.RegisterGauges(s.frames.Usage, s.swap.Usage); err != nil {
		return nil, fmt.Errorf("registering vm gauges: %w", err)
	}
	s.logger.Info("root task started",
		zap.Int("frames", opts.Machine.Frames),
		zap.Int("usedFrames", s.frames.Used()),
		zap.Uint64("seed", seed),
	)
	return s, nil
}

// Loop is the event loop every VM operation runs on.
func (s *Server) Loop() *async.Loop {
	return s.loop
}

// Machine is the simulated kernel, exposed for inspection and fault
// injection.
func (s *Server) Machine() *hal.Machine {
	return s.machine
}

// Run drives the loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.loop.Run(ctx)
}

// Do runs fn on the loop and waits for the future it returns. Called from
// the loop goroutine it runs inline and drives nested tasks itself.
func Do[T any](ctx context.Context, s *Server, fn func() *async.Future[T]) (T, error) {
	if s.loop.OnLoop() {
		return async.Await(ctx, s.loop, fn())
	}
	return async.Submit(ctx, s.loop, fn)
}

// do is Do for operations that complete synchronously on the loop.
func do[T any](ctx context.Context, s *Server, fn func() (T, error)) (T, error) {
	return Do(ctx, s, func() *async.Future[T] {
		v, err := fn()
		if err != nil {
			return async.Fail[T](err)
		}
		return async.Ready(v)
	})
}

// AttachStore gives swap its backing store. If store is an io.Closer it is
// closed with the server.
func (s *Server) AttachStore(ctx context.Context, store memory.BackingStore, size int64) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		if s.closed {
			return struct{}{}, ErrClosed
		}
		return struct{}{}, s.swap.AddBackingStore(store, size)
	})
	c, closable := store.(io.Closer)
	if err != nil {
		if closable {
			err = multierr.Append(err, c.Close())
		}
		return err
	}
	if closable {
		s.store = c
	}
	return nil
}

var ErrClosed = errors.New("root task is shut down")

func (s *Server) process(pid process.PID) (*process.Process, error) {
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.procs.Get(pid)
	if !ok || p.IsZombie() {
		return nil, fmt.Errorf("%w: %d", process.ErrNoSuchProcess, pid)
	}
	return p, nil
}

// Close tears the root task down in reverse boot order: user processes,
// swap, the frame table and then the server's own address space. The loop
// must still be running, or ctx must allow Close to drive it.
func (s *Server) Close(ctx context.Context) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		if s.closed {
			return struct{}{}, nil
		}
		s.closed = true
		err := s.procs.Close()
		err = multierr.Append(err, s.swap.Close())
		err = multierr.Append(err, s.frames.Close())
		err = multierr.Append(err, s.procs.CloseServer())
		err = multierr.Append(err, s.metrics.Unregister())
		return struct{}{}, err
	})
	if s.store != nil {
		err = multierr.Append(err, s.store.Close())
		s.store = nil
	}
	stats := s.machine.Stats()
	s.logger.Info("root task stopped",
		zap.Int("freeFrames", stats.FreeFrames),
		zap.Int("liveCaps", stats.LiveCaps),
		zap.Error(err),
	)
	return err
}
