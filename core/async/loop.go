package async

import (
	"context"
	"sync/atomic"

	commonutils "github.com/sushant-115/rootd/internal/common_utils"
	"go.uber.org/zap"
)

const defaultQueueDepth = 1024

// Loop is a single-goroutine executor. Tasks posted from any goroutine run
// one at a time on whichever goroutine is driving the loop.
type Loop struct {
	tasks  chan func()
	logger *zap.Logger
	owner  atomic.Int64
}

// NewLoop creates a loop. depth bounds the number of queued tasks; Post
// blocks when it is full.
func NewLoop(logger *zap.Logger, depth int) *Loop {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	return &Loop{
		tasks:  make(chan func(), depth),
		logger: logger.Named("loop"),
	}
}

// Post queues fn to run on the loop. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// OnLoop reports whether the caller is the goroutine driving the loop.
func (l *Loop) OnLoop() bool {
	return l.owner.Load() == commonutils.GoID()
}

func (l *Loop) claim() {
	l.owner.Store(commonutils.GoID())
}

// Run executes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.claim()
	l.logger.Debug("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("event loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Drain runs every task that is already queued and returns how many ran.
func (l *Loop) Drain() int {
	l.claim()
	n := 0
	for {
		select {
		case fn := <-l.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}

// Await drives the loop from the calling goroutine until f completes or ctx
// is cancelled. It must not be called while another goroutine runs the loop.
func Await[T any](ctx context.Context, l *Loop, f *Future[T]) (T, error) {
	l.claim()
	for !f.Done() {
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
	return f.Result()
}

// Submit runs fn on the loop and blocks the calling goroutine until the
// future it returns completes.
func Submit[T any](ctx context.Context, l *Loop, fn func() *Future[T]) (T, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	post := func() {
		fn().OnComplete(func(v T, err error) {
			ch <- result{value: v, err: err}
		})
	}
	select {
	case l.tasks <- post:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
