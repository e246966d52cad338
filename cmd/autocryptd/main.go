// Package main — cmd/autocryptd/main.go
//
// autocryptd agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/autocryptd/config.yaml.
//  2. Initialise structured logger (zap, JSON or console format per config).
//  3. Open SQLite peer-state store.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Start the mailbox dispatch loop (single-writer, coarse lock around
//     the storage connection).
//  6. Start the operator admin Unix socket (if enabled).
//  7. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Pause 200ms so in-flight mailbox dispatches can finish.
//  3. Close the operator socket.
//  4. Close the peer-state store.
//  5. Flush logger.
//  6. Exit 0.
//
// On config validation failure or store open failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/autocryptd/autocryptd/contrib"
	"github.com/autocryptd/autocryptd/internal/config"
	"github.com/autocryptd/autocryptd/internal/mailbox"
	"github.com/autocryptd/autocryptd/internal/observability"
	"github.com/autocryptd/autocryptd/internal/operator"
	"github.com/autocryptd/autocryptd/internal/storage"
)

func main() {
	// ── Flags ────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/autocryptd/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("autocryptd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ─────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("autocryptd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open SQLite store ────────────────────────────────────────
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("storage open failed", zap.Error(err),
			zap.String("path", cfg.Storage.DBPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("peer-state store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prometheus metrics ───────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Mailbox dispatch ──────────────────────────────────────────
	logObserver, err := contrib.GetObserver("log")
	if err != nil {
		log.Fatal("contrib: default degrade observer missing", zap.Error(err))
	}
	if lo, ok := logObserver.(*contrib.LogObserver); ok {
		lo.Log = log
	}

	inbox := mailbox.New(store, log, metrics, cfg.Mailbox.QueueDepth).WithObservers(logObserver)
	go inbox.Run(ctx)
	log.Info("mailbox dispatch started", zap.Int("queue_depth", cfg.Mailbox.QueueDepth))

	// ── Step 6: Operator admin socket ────────────────────────────────────
	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, store, log, metrics)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── Step 7: Wait for shutdown signal ─────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight dispatches land before store.Close() runs via defer.

	log.Info("autocryptd shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
