// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Command strand-daemon hosts run sessions: it spawns terminal and
// assistant backends, records everything they produce in the event
// store, and serves the control socket that strand (the CLI) and other
// clients speak to.
//
// The daemon owns all mutable state. Clients create sessions, send
// input, and attach to event streams over the socket; detaching a
// client never disturbs the session it was watching.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/strandhq/strand/lib/backend/profile"
	"github.com/strandhq/strand/lib/clock"
	"github.com/strandhq/strand/lib/config"
	"github.com/strandhq/strand/lib/process"
	"github.com/strandhq/strand/lib/runlog"
	"github.com/strandhq/strand/lib/session"
	"github.com/strandhq/strand/lib/version"
)

// shutdownTimeout bounds the stop of live sessions once the daemon has
// been asked to exit. Backends that ignore SIGTERM are killed well
// inside this window by the per-session grace period.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to strand.yaml (default: $STRAND_CONFIG, else built-in defaults)")
	flag.StringVar(&socketPath, "socket", "", "control socket path (overrides the config file)")
	flag.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error (overrides the config file)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("strand-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Paths.Socket = socketPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("strand-daemon starting",
		"version", version.Info(),
		"socket", cfg.Paths.Socket,
		"database", cfg.Paths.Database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, err := runlog.Open(runlog.Config{
		Path:                 cfg.Paths.Database,
		PoolSize:             cfg.Store.PoolSize,
		CompressionThreshold: cfg.Store.CompressionThreshold,
		Logger:               logger,
		Clock:                clk,
	})
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}

	profiles, err := profile.LoadDir(cfg.Paths.Profiles)
	if err != nil {
		store.Close()
		return fmt.Errorf("loading profiles: %w", err)
	}
	logger.Info("profiles loaded", "count", len(profiles), "dir", cfg.Paths.Profiles)

	engine, err := session.New(session.Options{
		Store:          store,
		Profiles:       profiles,
		Logger:         logger,
		Clock:          clk,
		ObserverBuffer: cfg.Sessions.ObserverBuffer,
		MaxInputBytes:  cfg.Sessions.MaxInputBytes,
		StopGrace:      cfg.StopGrace(),
		AuthTimeout:    cfg.AuthTimeout(),
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("building session engine: %w", err)
	}

	recovered, err := engine.Recover(ctx)
	if err != nil {
		store.Close()
		return fmt.Errorf("recovering orphaned sessions: %w", err)
	}
	if recovered > 0 {
		logger.Info("orphaned sessions settled", "count", recovered)
	}

	daemon := &Daemon{
		engine: engine,
		logger: logger,
		clock:  clk,
	}

	if interval := cfg.IdleLogInterval(); interval > 0 {
		go daemon.idleLoop(ctx, interval)
	}

	server := NewSocketServer(cfg.Paths.Socket, logger)
	daemon.registerActions(server)

	serveErr := server.Serve(ctx)

	// The signal context is already canceled here; the shutdown gets
	// its own deadline so a stuck backend cannot wedge the exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown incomplete", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("closing event store", "error", err)
	}

	logger.Info("strand-daemon stopped")
	return serveErr
}

// loadConfig resolves the configuration source: the --config flag
// first, then $STRAND_CONFIG, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("STRAND_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// slogLevel maps a validated config level string to its slog value.
func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
