// Command rootd runs the root task: the simulated machine, its VM and
// process services, swap, and the admin API in front of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/rootd/api/admin"
	"github.com/sushant-115/rootd/config"
	"github.com/sushant-115/rootd/core/rootserver"
	"github.com/sushant-115/rootd/pkg/logger"
	"github.com/sushant-115/rootd/pkg/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	adminAddr   = flag.String("admin_addr", "", "Admin API listen address (overrides admin.addr)")
	frames      = flag.Int("frames", 0, "Number of physical frames (overrides memory.frames)")
	swapBackend = flag.String("swap_backend", "", "Swap backend: none, memory, file or remote (overrides swap.backend)")
	swapPath    = flag.String("swap_path", "", "Swap file for the file backend (overrides swap.path)")
	remoteAddr  = flag.String("pagestore_addr", "", "Page store address for the remote backend (overrides swap.remote_addr)")
	seed        = flag.Uint64("seed", 0, "Placement seed (overrides memory.seed)")
	logLevel    = flag.String("log_level", "", "Log level (overrides logger.level)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootd: %v\n", err)
		os.Exit(2)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootd: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("rootd exited with error", zap.Error(err))
		_ = zlogger.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil && *configPath != "" {
		return cfg, err
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
	if *frames > 0 {
		cfg.Memory.Frames = *frames
	}
	if *swapBackend != "" {
		cfg.Swap.Backend = *swapBackend
	}
	if *swapPath != "" {
		cfg.Swap.Path = *swapPath
	}
	if *remoteAddr != "" {
		cfg.Swap.RemoteAddr = *remoteAddr
	}
	if *seed != 0 {
		cfg.Memory.Seed = *seed
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// 1. Boot the root task and start its loop.
	srv, err := rootserver.New(rootserver.Options{
		Machine:  cfg.Memory.MachineConfig,
		Seed:     cfg.Memory.Seed,
		MaxFiles: cfg.Memory.MaxFiles,
		Logger:   zlogger,
		Tracer:   tel.Tracer,
		Meter:    tel.Meter,
	})
	if err != nil {
		return fmt.Errorf("booting root task: %w", err)
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = srv.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	// 2. Attach swap.
	if err := srv.OpenSwap(ctx, cfg.Swap); err != nil {
		closeServer(srv, zlogger)
		return fmt.Errorf("opening swap: %w", err)
	}

	// 3. Serve the admin API.
	httpServer := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.New(srv, tel.MetricsHandler, zlogger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		zlogger.Info("admin API listening", zap.String("addr", cfg.Admin.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zlogger.Info("received signal, initiating graceful shutdown")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("admin API: %w", err)
		}
	}

	// 4. Stop taking requests, then tear the root task down while the loop
	// is still running.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(sctx); serr != nil {
		zlogger.Warn("admin API shutdown failed", zap.Error(serr))
	}
	closeServer(srv, zlogger)
	zlogger.Info("rootd stopped")
	return err
}

func closeServer(srv *rootserver.Server, zlogger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		zlogger.Error("root task shutdown reported errors", zap.Error(err))
	}
}
