// Package async provides the futures and the event loop the VM core is
// written against. Futures are not safe for concurrent use: they are created,
// completed and chained on the loop goroutine only. Work finishing on another
// goroutine hands its result back with Loop.Post.
package async

import (
	"errors"
)

// ErrPending is returned by Result on a future that has not completed.
var ErrPending = errors.New("future is not ready")

// Future is the read side of an asynchronous result.
type Future[T any] struct {
	done    bool
	value   T
	err     error
	waiters []func()
}

// Promise is the single writer of a Future.
type Promise[T any] struct {
	future *Future[T]
}

// NewPromise returns a promise and the future it completes.
func NewPromise[T any]() (*Promise[T], *Future[T]) {
	f := &Future[T]{}
	return &Promise[T]{future: f}, f
}

// Ready returns a completed future holding v.
func Ready[T any](v T) *Future[T] {
	return &Future[T]{done: true, value: v}
}

// Fail returns a completed future holding err.
func Fail[T any](err error) *Future[T] {
	return &Future[T]{done: true, err: err}
}

// Done reports whether the future has completed.
func (f *Future[T]) Done() bool {
	return f.done
}

// Result returns the value and error of a completed future, or ErrPending.
func (f *Future[T]) Result() (T, error) {
	if !f.done {
		var zero T
		return zero, ErrPending
	}
	return f.value, f.err
}

// Err returns the failure of a completed future, or ErrPending.
func (f *Future[T]) Err() error {
	_, err := f.Result()
	return err
}

// OnComplete runs fn once the future completes. If it already has, fn runs
// before OnComplete returns.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	if f.done {
		fn(f.value, f.err)
		return
	}
	f.waiters = append(f.waiters, func() { fn(f.value, f.err) })
}

// Resolve completes the future with v.
func (p *Promise[T]) Resolve(v T) {
	p.Settle(v, nil)
}

// Reject completes the future with err.
func (p *Promise[T]) Reject(err error) {
	var zero T
	p.Settle(zero, err)
}

// Settle completes the future and runs its continuations inline. Completing
// a future twice is a programming error.
func (p *Promise[T]) Settle(v T, err error) {
	f := p.future
	if f.done {
		panic("async: promise settled twice")
	}
	f.done, f.value, f.err = true, v, err
	waiters := f.waiters
	f.waiters = nil
	for _, w := range waiters {
		w()
	}
}

// Future returns the future this promise completes.
func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Handle chains fn after f regardless of outcome.
func Handle[T, U any](f *Future[T], fn func(T, error) *Future[U]) *Future[U] {
	if f.done {
		return fn(f.value, f.err)
	}
	p, out := NewPromise[U]()
	f.OnComplete(func(v T, err error) {
		Forward(fn(v, err), p)
	})
	return out
}

// Then chains fn after a successful f. A failure skips fn and propagates.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	return Handle(f, func(v T, err error) *Future[U] {
		if err != nil {
			return Fail[U](err)
		}
		return fn(v)
	})
}

// Map transforms the value of a successful f.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	return Then(f, func(v T) *Future[U] {
		u, err := fn(v)
		if err != nil {
			return Fail[U](err)
		}
		return Ready(u)
	})
}

// Finally runs fn when f completes and passes f's outcome through.
func Finally[T any](f *Future[T], fn func()) *Future[T] {
	return Handle(f, func(v T, err error) *Future[T] {
		fn()
		if err != nil {
			return Fail[T](err)
		}
		return Ready(v)
	})
}

// Forward settles p with the outcome of f.
func Forward[T any](f *Future[T], p *Promise[T]) {
	f.OnComplete(p.Settle)
}

// Discard drops the value of f, keeping only its error.
func Discard[T any](f *Future[T]) *Future[struct{}] {
	return Map(f, func(T) (struct{}, error) { return struct{}{}, nil })
}
