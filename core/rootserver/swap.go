package rootserver

import (
	"context"
	"fmt"
	"net"

	"github.com/sushant-115/rootd/config"
	"github.com/sushant-115/rootd/config/certs"
	"github.com/sushant-115/rootd/core/memory"
	"github.com/sushant-115/rootd/core/storage_engine/pagefile"
	"github.com/sushant-115/rootd/core/storage_engine/pagestore"
	"go.uber.org/zap"
)

// OpenSwap builds the backing store cfg describes and attaches it. The
// "none" backend leaves the server without swap.
func (s *Server) OpenSwap(ctx context.Context, cfg config.SwapConfig) error {
	var store memory.BackingStore
	switch cfg.Backend {
	case config.BackendNone, "":
		s.logger.Warn("running without swap")
		return nil
	case config.BackendMemory:
		store = pagefile.NewMemStore(cfg.Size, s.loop)
	case config.BackendFile:
		fs, err := pagefile.OpenFileStore(cfg.Path, cfg.Size, cfg.RateBytesPerSec, s.loop, s.logger)
		if err != nil {
			return err
		}
		store = fs
	case config.BackendRemote:
		rs, err := s.dialRemote(ctx, cfg)
		if err != nil {
			return err
		}
		store = rs
	default:
		return fmt.Errorf("%w: swap backend %q", memory.ErrInvalidArgument, cfg.Backend)
	}
	if err := s.AttachStore(ctx, store, cfg.Size); err != nil {
		return err
	}
	s.logger.Info("swap attached", zap.String("backend", cfg.Backend), zap.Int64("bytes", cfg.Size))
	return nil
}

func (s *Server) dialRemote(ctx context.Context, cfg config.SwapConfig) (*pagestore.RemoteStore, error) {
	if !cfg.TLS.Enabled() {
		return pagestore.Dial(ctx, cfg.RemoteAddr, cfg.Size, nil, s.loop, s.logger)
	}
	name := cfg.ServerName
	if name == "" {
		host, _, err := net.SplitHostPort(cfg.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("parsing page store address: %w", err)
		}
		name = host
	}
	tlsConfig, err := certs.ClientTLSConfig(cfg.TLS, name)
	if err != nil {
		return nil, fmt.Errorf("loading page store client certificates: %w", err)
	}
	return pagestore.Dial(ctx, cfg.RemoteAddr, cfg.Size, tlsConfig, s.loop, s.logger)
}
