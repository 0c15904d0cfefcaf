package pagestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/rootd/core/memory"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxTransfer bounds a single read or write.
const maxTransfer = memory.ParallelSwaps * memory.PageSize

// Server stores one client's page file. Opening a new session discards the
// previous one, and sessions do not survive a restart, so a client never
// reads pages written in another life.
type Server struct {
	path    string
	file    *os.File
	size    int64
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	session string
}

// NewServer opens the page file at path with room for size bytes.
// bytesPerSec <= 0 disables throttling.
func NewServer(path string, size, bytesPerSec int64, logger *zap.Logger) (*Server, error) {
	if size <= 0 || size%memory.PageSize != 0 {
		return nil, fmt.Errorf("%w: page store size %d", memory.ErrInvalidArgument, size)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening page file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("sizing page file: %w", err)
	}
	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(int(bytesPerSec), maxTransfer))
	}
	return &Server{
		path:    path,
		file:    file,
		size:    size,
		limiter: limiter,
		logger:  logger.Named("pagestore"),
	}, nil
}

func (s *Server) Open(_ context.Context, req *OpenRequest) (*OpenResponse, error) {
	if req.Size <= 0 || req.Size > s.size {
		return nil, status.Errorf(codes.ResourceExhausted, "requested %d bytes, store holds %d", req.Size, s.size)
	}
	id := uuid.NewString()
	s.mu.Lock()
	old := s.session
	s.session = id
	s.mu.Unlock()
	if old != "" {
		s.logger.Warn("session replaced", zap.String("old", old), zap.String("new", id))
	} else {
		s.logger.Info("session opened", zap.String("session", id), zap.Int64("size", req.Size))
	}
	return &OpenResponse{Session: id, Size: req.Size}, nil
}

func (s *Server) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	if err := s.check(ctx, req.Session, req.Offset, int(req.Length)); err != nil {
		return nil, err
	}
	buf := make([]byte, req.Length)
	n, err := s.file.ReadAt(buf, req.Offset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read at %d: %v", req.Offset, err)
	}
	return &ReadResponse{Data: buf[:n]}, nil
}

func (s *Server) Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	if err := s.check(ctx, req.Session, req.Offset, len(req.Data)); err != nil {
		return nil, err
	}
	n, err := s.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "write at %d: %v", req.Offset, err)
	}
	return &WriteResponse{Written: int32(n)}, nil
}

func (s *Server) check(ctx context.Context, session string, off int64, n int) error {
	s.mu.Lock()
	current := s.session
	s.mu.Unlock()
	if session == "" || session != current {
		return status.Errorf(codes.FailedPrecondition, "unknown session %q", session)
	}
	if n <= 0 || n > maxTransfer || off < 0 || off+int64(n) > s.size {
		return status.Errorf(codes.OutOfRange, "%d bytes at %d, size %d", n, off, s.size)
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, n); err != nil {
			return status.FromContextError(err).Err()
		}
	}
	return nil
}

// Restart forgets the current session, as a process restart would.
func (s *Server) Restart() {
	s.mu.Lock()
	s.session = ""
	s.mu.Unlock()
}

func (s *Server) Close() error {
	return s.file.Close()
}

// UnaryLogger logs every call with its duration and status code.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
		)
		return resp, err
	}
}

var _ PageStoreServer = (*Server)(nil)
