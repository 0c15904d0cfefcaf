package pagefile

import (
	"fmt"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
)

// MemStore is a backing store held in memory. With a nil loop every
// transfer completes before Read or Write returns; otherwise completion is
// posted to the loop, so callers observe a real suspension. It must only be
// used from the loop goroutine.
type MemStore struct {
	data []byte
	loop *async.Loop

	failWrites  int
	failReads   int
	shortWrites int
	shortReads  int

	reads  int
	writes int
}

func NewMemStore(size int64, loop *async.Loop) *MemStore {
	return &MemStore{data: make([]byte, size), loop: loop}
}

func (s *MemStore) Size() int64 {
	return int64(len(s.data))
}

// FailWrites makes the next n writes fail without storing anything.
func (s *MemStore) FailWrites(n int) { s.failWrites = n }

// FailReads makes the next n reads fail.
func (s *MemStore) FailReads(n int) { s.failReads = n }

// ShortWrites makes the next n writes store and report one page less than
// asked.
func (s *MemStore) ShortWrites(n int) { s.shortWrites = n }

// ShortReads makes the next n reads return half a page.
func (s *MemStore) ShortReads(n int) { s.shortReads = n }

// Transfers returns how many reads and writes were issued.
func (s *MemStore) Transfers() (reads, writes int) {
	return s.reads, s.writes
}

// Bytes exposes the stored contents.
func (s *MemStore) Bytes() []byte {
	return s.data
}

func (s *MemStore) Read(p []byte, off int64) *async.Future[int] {
	s.reads++
	if err := s.check(p, off); err != nil {
		return async.Fail[int](err)
	}
	return s.complete(func() (int, error) {
		if s.failReads > 0 {
			s.failReads--
			return 0, ErrInjected
		}
		n := len(p)
		if s.shortReads > 0 {
			s.shortReads--
			n = min(n, memory.PageSize/2)
		}
		return copy(p[:n], s.data[off:]), nil
	})
}

func (s *MemStore) Write(p []byte, off int64) *async.Future[int] {
	s.writes++
	if err := s.check(p, off); err != nil {
		return async.Fail[int](err)
	}
	// Snapshot now: the caller may reuse p before a deferred completion.
	buf := append([]byte(nil), p...)
	return s.complete(func() (int, error) {
		if s.failWrites > 0 {
			s.failWrites--
			return 0, ErrInjected
		}
		n := len(buf)
		if s.shortWrites > 0 {
			s.shortWrites--
			n = max(0, n-memory.PageSize)
		}
		return copy(s.data[off:], buf[:n]), nil
	})
}

func (s *MemStore) check(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return fmt.Errorf("%w: %d bytes at %d, size %d", ErrOutOfRange, len(p), off, len(s.data))
	}
	return nil
}

func (s *MemStore) complete(fn func() (int, error)) *async.Future[int] {
	if s.loop == nil {
		n, err := fn()
		if err != nil {
			return async.Fail[int](err)
		}
		return async.Ready(n)
	}
	promise, f := async.NewPromise[int]()
	s.loop.Post(func() { promise.Settle(fn()) })
	return f
}

var _ memory.BackingStore = (*MemStore)(nil)
