package pagefile

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const jobQueueDepth = 64

type job struct {
	buf     []byte
	off     int64
	write   bool
	promise *async.Promise[int]
}

// FileStore is a swap file on the local filesystem. Transfers run on a
// worker goroutine and complete on the loop. An optional rate limit
// emulates the bandwidth of a network file server.
type FileStore struct {
	path    string
	file    *os.File
	size    int64
	loop    *async.Loop
	limiter *rate.Limiter
	logger  *zap.Logger

	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed and the send side of jobs.
	mu     sync.RWMutex
	closed bool
}

// OpenFileStore creates or truncates path to size bytes. bytesPerSec <= 0
// disables throttling.
func OpenFileStore(path string, size int64, bytesPerSec int64, loop *async.Loop, logger *zap.Logger) (*FileStore, error) {
	if size <= 0 || size%memory.PageSize != 0 {
		return nil, fmt.Errorf("%w: swap file size %d is not a positive page multiple", memory.ErrInvalidArgument, size)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening swap file %s: %w", memory.ErrIO, path, err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: sizing swap file %s: %w", memory.ErrIO, path, err)
	}

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		// The burst must admit the largest single transfer.
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(int(bytesPerSec), memory.ParallelSwaps*memory.PageSize))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &FileStore{
		path:    path,
		file:    file,
		size:    size,
		loop:    loop,
		limiter: limiter,
		logger:  logger.Named("swap_file"),
		jobs:    make(chan job, jobQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.worker()
	s.logger.Info("swap file opened", zap.String("path", path), zap.Int64("bytes", size), zap.Int64("rate", bytesPerSec))
	return s, nil
}

func (s *FileStore) Size() int64 {
	return s.size
}

func (s *FileStore) Read(p []byte, off int64) *async.Future[int] {
	return s.submit(p, off, false)
}

func (s *FileStore) Write(p []byte, off int64) *async.Future[int] {
	return s.submit(p, off, true)
}

func (s *FileStore) submit(p []byte, off int64, write bool) *async.Future[int] {
	if off < 0 || off+int64(len(p)) > s.size {
		return async.Fail[int](fmt.Errorf("%w: %d bytes at %d, size %d", ErrOutOfRange, len(p), off, s.size))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return async.Fail[int](ErrClosed)
	}
	promise, f := async.NewPromise[int]()
	s.jobs <- job{buf: p, off: off, write: write, promise: promise}
	return f
}

func (s *FileStore) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		n, err := s.transfer(j)
		s.loop.Post(func() { j.promise.Settle(n, err) })
	}
}

func (s *FileStore) transfer(j job) (int, error) {
	if s.limiter != nil {
		if err := s.limiter.WaitN(s.ctx, len(j.buf)); err != nil {
			return 0, fmt.Errorf("throttling swap transfer: %w", err)
		}
	}
	if j.write {
		return s.file.WriteAt(j.buf, j.off)
	}
	return s.file.ReadAt(j.buf, j.off)
}

// Close stops the worker once queued transfers have completed, then syncs
// and closes the file. Transfers still waiting on the rate limiter fail.
// Close may be called from any goroutine.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	close(s.jobs)
	s.mu.Unlock()
	s.wg.Wait()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("%w: syncing swap file: %w", memory.ErrIO, err)
	}
	return s.file.Close()
}

var _ memory.BackingStore = (*FileStore)(nil)
