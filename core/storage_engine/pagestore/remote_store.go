package pagestore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/rootd/core/async"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const defaultCallTimeout = 10 * time.Second

// ErrSessionLost means the page store restarted and every page written
// through this store is gone.
var ErrSessionLost = errors.New("page store session lost")

// RemoteStore is a memory.BackingStore on a page store server. Each
// transfer is an RPC on its own goroutine; completion is posted to the loop.
type RemoteStore struct {
	conn    *grpc.ClientConn
	client  *Client
	loop    *async.Loop
	logger  *zap.Logger
	session string
	size    int64
	timeout time.Duration

	wg sync.WaitGroup
}

// Dial connects to addr and opens a session of size bytes. A nil tlsConfig
// uses an insecure connection.
func Dial(ctx context.Context, addr string, size int64, tlsConfig *tls.Config, loop *async.Loop, logger *zap.Logger) (*RemoteStore, error) {
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to page store %s: %w", addr, err)
	}
	client := NewClient(conn)
	resp, err := client.Open(ctx, &OpenRequest{Size: size})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening page store session: %w", err)
	}
	logger = logger.Named("remote_store")
	logger.Info("page store session opened", zap.String("addr", addr), zap.String("session", resp.Session), zap.Int64("size", resp.Size))
	return &RemoteStore{
		conn:    conn,
		client:  client,
		loop:    loop,
		logger:  logger,
		session: resp.Session,
		size:    resp.Size,
		timeout: defaultCallTimeout,
	}, nil
}

func (r *RemoteStore) Size() int64 {
	return r.size
}

func (r *RemoteStore) Session() string {
	return r.session
}

func (r *RemoteStore) Read(p []byte, off int64) *async.Future[int] {
	req := &ReadRequest{Session: r.session, Offset: off, Length: int32(len(p))}
	return r.call("read", func(ctx context.Context) (func() int, error) {
		resp, err := r.client.Read(ctx, req)
		if err != nil {
			return nil, err
		}
		// p belongs to the loop, so the copy happens there.
		return func() int { return copy(p, resp.Data) }, nil
	})
}

func (r *RemoteStore) Write(p []byte, off int64) *async.Future[int] {
	req := &WriteRequest{Session: r.session, Offset: off, Data: append([]byte(nil), p...)}
	return r.call("write", func(ctx context.Context) (func() int, error) {
		resp, err := r.client.Write(ctx, req)
		if err != nil {
			return nil, err
		}
		return func() int { return int(resp.Written) }, nil
	})
}

// call runs rpc on its own goroutine and completes the future on the loop
// with the result of the returned finisher.
func (r *RemoteStore) call(op string, rpc func(context.Context) (func() int, error)) *async.Future[int] {
	promise, f := async.NewPromise[int]()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		finish, err := rpc(ctx)
		r.loop.Post(func() {
			if err != nil {
				promise.Reject(r.translate(op, err))
				return
			}
			promise.Resolve(finish())
		})
	}()
	return f
}

func (r *RemoteStore) translate(op string, err error) error {
	if status.Code(err) == codes.FailedPrecondition {
		r.logger.Error("page store lost the session", zap.String("session", r.session), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrSessionLost, op, err)
	}
	return fmt.Errorf("page store %s: %w", op, err)
}

// Close waits for in-flight calls and closes the connection. The loop must
// keep running until Close returns.
func (r *RemoteStore) Close() error {
	r.wg.Wait()
	return r.conn.Close()
}

var _ memory.BackingStore = (*RemoteStore)(nil)
