package pagefile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
)

// setupFileStore opens a swap file in a temporary directory.
func setupFileStore(t *testing.T, size, bytesPerSec int64) (*FileStore, *async.Loop, string) {
	t.Helper()
	loop := async.NewLoop(zap.NewNop(), 64)
	path := filepath.Join(t.TempDir(), "swap.bin")
	store, err := OpenFileStore(path, size, bytesPerSec, loop, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, loop, path
}

func await[T any](t *testing.T, loop *async.Loop, f *async.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return async.Await(ctx, loop, f)
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, loop, path := setupFileStore(t, 16*memory.PageSize, 0)
	require.Equal(t, int64(16*memory.PageSize), store.Size())

	// 1. Write two pages and read them back.
	data := bytes.Repeat([]byte("swap"), memory.PageSize/2)
	n, err := await(t, loop, store.Write(data, 4*memory.PageSize))
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	out := make([]byte, len(data))
	n, err = await(t, loop, store.Read(out, 4*memory.PageSize))
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)

	// 2. Transfers past the end are refused up front.
	_, err = await(t, loop, store.Write(data, 15*memory.PageSize))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = await(t, loop, store.Read(out, -memory.PageSize))
	require.ErrorIs(t, err, ErrOutOfRange)

	// 3. The bytes are on disk after Close.
	require.NoError(t, store.Close())
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 16*memory.PageSize)
	require.Equal(t, data, onDisk[4*memory.PageSize:6*memory.PageSize])

	_, err = store.Read(out, 0).Result()
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, store.Close())
}

func TestFileStoreCloseWhileSubmitting(t *testing.T) {
	store, loop, _ := setupFileStore(t, 16*memory.PageSize, 0)

	// 1. Writers on other goroutines race Close.
	var wg sync.WaitGroup
	submitted := make([][]*async.Future[int], 4)
	for g := range submitted {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page := bytes.Repeat([]byte{byte(g)}, memory.PageSize)
			for i := 0; i < 10; i++ {
				submitted[g] = append(submitted[g], store.Write(page, int64(i)*memory.PageSize))
			}
		}()
	}
	require.NoError(t, store.Close())
	wg.Wait()

	// 2. Every transfer either ran before Close or was refused.
	loop.Drain()
	for _, futures := range submitted {
		for _, f := range futures {
			require.True(t, f.Done())
			if _, err := f.Result(); err != nil {
				require.ErrorIs(t, err, ErrClosed)
			}
		}
	}
}

func TestFileStoreRejectsBadSize(t *testing.T) {
	dir := t.TempDir()
	loop := async.NewLoop(zap.NewNop(), 4)
	_, err := OpenFileStore(filepath.Join(dir, "a"), 0, 0, loop, zap.NewNop())
	require.ErrorIs(t, err, memory.ErrInvalidArgument)
	_, err = OpenFileStore(filepath.Join(dir, "b"), memory.PageSize+1, 0, loop, zap.NewNop())
	require.ErrorIs(t, err, memory.ErrInvalidArgument)
	_, err = OpenFileStore(filepath.Join(dir, "missing", "c"), memory.PageSize, 0, loop, zap.NewNop())
	require.ErrorIs(t, err, memory.ErrIO)
}

func TestFileStoreThrottles(t *testing.T) {
	const rate = 64 << 10
	store, loop, _ := setupFileStore(t, 64*memory.PageSize, rate)
	slot := make([]byte, memory.ParallelSwaps*memory.PageSize)

	// The burst covers the first second; the rest must wait for tokens.
	start := time.Now()
	var pending []*async.Future[int]
	for i := 0; i < 4; i++ {
		pending = append(pending, store.Write(slot, int64(i*len(slot))))
	}
	for _, f := range pending {
		_, err := await(t, loop, f)
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 800*time.Millisecond)
}

func TestMemStoreSynchronous(t *testing.T) {
	s := NewMemStore(4*memory.PageSize, nil)
	page := bytes.Repeat([]byte{7}, memory.PageSize)

	f := s.Write(page, memory.PageSize)
	require.True(t, f.Done())
	n, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, memory.PageSize, n)
	require.Equal(t, page, s.Bytes()[memory.PageSize:2*memory.PageSize])

	out := make([]byte, memory.PageSize)
	_, err = s.Read(out, memory.PageSize).Result()
	require.NoError(t, err)
	require.Equal(t, page, out)

	_, err = s.Read(out, 4*memory.PageSize).Result()
	require.ErrorIs(t, err, ErrOutOfRange)

	reads, writes := s.Transfers()
	require.Equal(t, 2, reads)
	require.Equal(t, 1, writes)
}

func TestMemStoreFaultInjection(t *testing.T) {
	s := NewMemStore(4*memory.PageSize, nil)
	two := bytes.Repeat([]byte{1}, 2*memory.PageSize)

	s.FailWrites(1)
	_, err := s.Write(two, 0).Result()
	require.ErrorIs(t, err, ErrInjected)
	require.Equal(t, make([]byte, 2*memory.PageSize), s.Bytes()[:2*memory.PageSize], "a failed write stores nothing")

	s.ShortWrites(1)
	n, err := s.Write(two, 0).Result()
	require.NoError(t, err)
	require.Equal(t, memory.PageSize, n)

	s.ShortReads(1)
	n, err = s.Read(make([]byte, memory.PageSize), 0).Result()
	require.NoError(t, err)
	require.Equal(t, memory.PageSize/2, n)

	s.FailReads(1)
	_, err = s.Read(make([]byte, memory.PageSize), 0).Result()
	require.ErrorIs(t, err, ErrInjected)

	n, err = s.Read(make([]byte, memory.PageSize), 0).Result()
	require.NoError(t, err)
	require.Equal(t, memory.PageSize, n)
}

func TestMemStoreDeferredCompletion(t *testing.T) {
	loop := async.NewLoop(zap.NewNop(), 8)
	s := NewMemStore(memory.PageSize, loop)
	page := bytes.Repeat([]byte{9}, memory.PageSize)

	f := s.Write(page, 0)
	require.False(t, f.Done())
	// The write was snapshotted, so reusing the buffer is harmless.
	page[0] = 0
	require.Equal(t, 1, loop.Drain())

	n, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, memory.PageSize, n)
	require.Equal(t, byte(9), s.Bytes()[0])
}
