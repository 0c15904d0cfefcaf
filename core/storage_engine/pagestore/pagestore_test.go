package pagestore

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rootd/config/certs"
	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

const storeSize = 16 * memory.PageSize

// setupPageStore serves a page store on a loopback port and returns the
// server and its address.
func setupPageStore(t *testing.T, opts ...grpc.ServerOption) (*Server, string) {
	t.Helper()
	logger := zap.NewNop()
	srv, err := NewServer(filepath.Join(t.TempDir(), "pages.bin"), storeSize, 0, logger)
	require.NoError(t, err)

	opts = append(opts, grpc.UnaryInterceptor(UnaryLogger(logger)))
	gs := grpc.NewServer(opts...)
	RegisterPageStoreServer(gs, srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		_ = srv.Close()
	})
	return srv, lis.Addr().String()
}

func dial(t *testing.T, addr string, tlsConfig *tls.Config) (*RemoteStore, *async.Loop) {
	t.Helper()
	loop := async.NewLoop(zap.NewNop(), 64)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := Dial(ctx, addr, storeSize, tlsConfig, loop, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, loop
}

func await[T any](t *testing.T, loop *async.Loop, f *async.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return async.Await(ctx, loop, f)
}

func roundTrip(t *testing.T, store *RemoteStore, loop *async.Loop) {
	t.Helper()
	slot := bytes.Repeat([]byte("page"), memory.ParallelSwaps*memory.PageSize/4)
	n, err := await(t, loop, store.Write(slot, memory.ParallelSwaps*memory.PageSize))
	require.NoError(t, err)
	require.Equal(t, len(slot), n)

	page := make([]byte, memory.PageSize)
	n, err = await(t, loop, store.Read(page, memory.ParallelSwaps*memory.PageSize+memory.PageSize))
	require.NoError(t, err)
	require.Equal(t, memory.PageSize, n)
	require.Equal(t, slot[memory.PageSize:2*memory.PageSize], page)
}

func TestRemoteStoreRoundTrip(t *testing.T) {
	_, addr := setupPageStore(t)
	store, loop := dial(t, addr, nil)
	require.Equal(t, int64(storeSize), store.Size())
	require.NotEmpty(t, store.Session())

	roundTrip(t, store, loop)

	// Transfers outside the store come back as errors, not lost sessions.
	_, err := await(t, loop, store.Read(make([]byte, memory.PageSize), storeSize))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSessionLost)
	require.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestRemoteStoreLosesSessionOnRestart(t *testing.T) {
	srv, addr := setupPageStore(t)
	store, loop := dial(t, addr, nil)

	srv.Restart()
	_, err := await(t, loop, store.Write(make([]byte, memory.PageSize), 0))
	require.ErrorIs(t, err, ErrSessionLost)
}

func TestNewSessionReplacesOld(t *testing.T) {
	_, addr := setupPageStore(t)
	first, loop := dial(t, addr, nil)
	second, _ := dial(t, addr, nil)
	require.NotEqual(t, first.Session(), second.Session())

	_, err := await(t, loop, first.Read(make([]byte, memory.PageSize), 0))
	require.ErrorIs(t, err, ErrSessionLost)
}

func TestServerValidation(t *testing.T) {
	srv, err := NewServer(filepath.Join(t.TempDir(), "p"), storeSize, 0, zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()
	ctx := context.Background()

	_, err = srv.Open(ctx, &OpenRequest{Size: storeSize * 2})
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	resp, err := srv.Open(ctx, &OpenRequest{Size: storeSize})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  *WriteRequest
		code codes.Code
	}{
		{name: "unknown session", req: &WriteRequest{Session: "nope", Data: []byte{1}}, code: codes.FailedPrecondition},
		{name: "empty", req: &WriteRequest{Session: resp.Session}, code: codes.OutOfRange},
		{name: "too large", req: &WriteRequest{Session: resp.Session, Data: make([]byte, maxTransfer+1)}, code: codes.OutOfRange},
		{name: "past the end", req: &WriteRequest{Session: resp.Session, Offset: storeSize - 1, Data: []byte{1, 2}}, code: codes.OutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.Write(ctx, tt.req)
			require.Equal(t, tt.code, status.Code(err))
		})
	}

	_, err = NewServer(filepath.Join(t.TempDir(), "q"), 100, 0, zap.NewNop())
	require.ErrorIs(t, err, memory.ErrInvalidArgument)
}

func TestRemoteStoreOverMutualTLS(t *testing.T) {
	serverFiles, clientFiles, err := certs.Generate(t.TempDir(), "localhost")
	require.NoError(t, err)
	serverTLS, err := certs.ServerTLSConfig(serverFiles)
	require.NoError(t, err)
	clientTLS, err := certs.ClientTLSConfig(clientFiles, "localhost")
	require.NoError(t, err)

	_, addr := setupPageStore(t, grpc.Creds(credentials.NewTLS(serverTLS)))
	store, loop := dial(t, addr, clientTLS)
	roundTrip(t, store, loop)
}
