// Command rootd_pagestore serves a page file over gRPC so a root task on
// another host can use it as swap.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sushant-115/rootd/config/certs"
	"github.com/sushant-115/rootd/core/storage_engine/pagestore"
	"github.com/sushant-115/rootd/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	addr     = flag.String("addr", "127.0.0.1:7070", "gRPC listen address")
	path     = flag.String("path", "rootd.pages", "Page file path")
	size     = flag.Int64("size", 64<<20, "Page file size in bytes")
	rate     = flag.Int64("rate", 0, "Throughput limit in bytes per second, 0 for none")
	caFile   = flag.String("tls_ca", "", "CA certificate used to verify clients")
	certFile = flag.String("tls_cert", "", "Server certificate")
	keyFile  = flag.String("tls_key", "", "Server private key")
	genCerts = flag.String("gen_certs", "", "Write a CA, server and client certificate set into this directory and exit")
	host     = flag.String("host", "localhost", "Host name for generated server certificates")
	logLevel = flag.String("log_level", "info", "Log level")
)

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "json", OutputFile: "stdout", Service: "rootd_pagestore"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rootd_pagestore: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zlogger.Sync() }()

	if *genCerts != "" {
		if err := os.MkdirAll(*genCerts, 0o700); err != nil {
			zlogger.Fatal("creating certificate directory", zap.Error(err))
		}
		server, client, err := certs.Generate(*genCerts, *host)
		if err != nil {
			zlogger.Fatal("generating certificates", zap.Error(err))
		}
		zlogger.Info("certificates written",
			zap.String("ca", server.CA),
			zap.String("serverCert", server.Cert),
			zap.String("clientCert", client.Cert),
		)
		return
	}

	if err := run(zlogger); err != nil {
		zlogger.Error("page store exited with error", zap.Error(err))
		_ = zlogger.Sync()
		os.Exit(1)
	}
}

func run(zlogger *zap.Logger) error {
	store, err := pagestore.NewServer(*path, *size, *rate, zlogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			zlogger.Warn("closing page file", zap.Error(err))
		}
	}()

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(pagestore.UnaryLogger(zlogger))}
	files := certs.Files{CA: *caFile, Cert: *certFile, Key: *keyFile}
	if files.Enabled() {
		tlsConfig, err := certs.ServerTLSConfig(files)
		if err != nil {
			return fmt.Errorf("loading server certificates: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	} else {
		zlogger.Warn("serving without TLS")
	}
	grpcServer := grpc.NewServer(opts...)
	pagestore.RegisterPageStoreServer(grpcServer, store)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", *addr, err)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		zlogger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		grpcServer.GracefulStop()
	}()

	zlogger.Info("page store listening", zap.String("addr", lis.Addr().String()), zap.String("path", *path), zap.Int64("size", *size))
	return grpcServer.Serve(lis)
}
