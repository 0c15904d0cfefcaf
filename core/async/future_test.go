package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func TestReadyAndFail(t *testing.T) {
	v, err := Ready(7).Result()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = Fail[int](errBoom).Result()
	require.ErrorIs(t, err, errBoom)
}

func TestPendingFuture(t *testing.T) {
	p, f := NewPromise[string]()
	require.False(t, f.Done())
	_, err := f.Result()
	require.ErrorIs(t, err, ErrPending)

	p.Resolve("done")
	require.True(t, f.Done())
	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Same(t, f, p.Future())
}

func TestSettleTwicePanics(t *testing.T) {
	p, _ := NewPromise[int]()
	p.Resolve(1)
	require.Panics(t, func() { p.Reject(errBoom) })
}

func TestContinuationsRunInOrder(t *testing.T) {
	p, f := NewPromise[int]()
	var order []int
	f.OnComplete(func(int, error) { order = append(order, 1) })
	f.OnComplete(func(int, error) { order = append(order, 2) })
	require.Empty(t, order)

	p.Resolve(0)
	require.Equal(t, []int{1, 2}, order)

	// Registering after completion runs immediately.
	f.OnComplete(func(int, error) { order = append(order, 3) })
	require.Equal(t, []int{1, 2, 3}, order)
}

func TestThenChainsAndShortCircuits(t *testing.T) {
	p, f := NewPromise[int]()
	called := false
	out := Then(f, func(v int) *Future[string] {
		called = true
		return Ready("ok")
	})
	p.Reject(errBoom)
	require.False(t, called)
	require.ErrorIs(t, out.Err(), errBoom)

	doubled := Map(Ready(21), func(v int) (int, error) { return v * 2, nil })
	v, err := doubled.Result()
	require.NoError(t, err)
	require.Equal(t, 42, v)

	failed := Map(Ready(1), func(int) (int, error) { return 0, errBoom })
	require.ErrorIs(t, failed.Err(), errBoom)
}

func TestNestedPendingChain(t *testing.T) {
	outer, f := NewPromise[int]()
	inner, g := NewPromise[int]()
	out := Then(f, func(v int) *Future[int] {
		return Map(g, func(w int) (int, error) { return v + w, nil })
	})

	outer.Resolve(1)
	require.False(t, out.Done())
	inner.Resolve(2)
	v, err := out.Result()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestFinallyAndDiscard(t *testing.T) {
	ran := false
	out := Finally(Fail[int](errBoom), func() { ran = true })
	require.True(t, ran)
	require.ErrorIs(t, out.Err(), errBoom)

	_, err := Discard(Ready("x")).Result()
	require.NoError(t, err)
}

func TestHandleSeesFailures(t *testing.T) {
	out := Handle(Fail[int](errBoom), func(_ int, err error) *Future[bool] {
		return Ready(errors.Is(err, errBoom))
	})
	v, err := out.Result()
	require.NoError(t, err)
	require.True(t, v)
}

// setupLoop creates a loop for isolated testing.
func setupLoop(t *testing.T) *Loop {
	t.Helper()
	return NewLoop(zap.NewNop(), 16)
}

func TestDrainRunsQueuedTasks(t *testing.T) {
	l := setupLoop(t)
	var ran []int
	l.Post(func() { ran = append(ran, 1) })
	l.Post(func() {
		ran = append(ran, 2)
		l.Post(func() { ran = append(ran, 3) })
	})
	require.Equal(t, 3, l.Drain())
	require.Equal(t, []int{1, 2, 3}, ran)
	require.True(t, l.OnLoop())
}

func TestAwaitDrivesLoopUntilDone(t *testing.T) {
	l := setupLoop(t)
	p, f := NewPromise[int]()

	// The completion arrives from another goroutine, the way I/O does.
	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Post(func() { p.Resolve(5) })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := Await(ctx, l, f)
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestAwaitHonoursContext(t *testing.T) {
	l := setupLoop(t)
	_, f := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Await(ctx, l, f)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitFromManyGoroutines(t *testing.T) {
	l := setupLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	// counter is only touched on the loop.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Submit(context.Background(), l, func() *Future[int] {
				counter++
				return Ready(counter)
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := Submit(context.Background(), l, func() *Future[int] { return Ready(counter) })
	require.NoError(t, err)
	require.Equal(t, 20, v)

	cancel()
	<-done
}
