// syncd keeps live sensor readings for one location flowing to the local
// dashboard, over push when possible and REST polling otherwise.
// Usage: go run ./cmd/syncd --config configs/syncd.example.yaml
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

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/airsense-sync/internal/api"
	"github.com/rickgao/airsense-sync/internal/auth"
	"github.com/rickgao/airsense-sync/internal/config"
	"github.com/rickgao/airsense-sync/internal/connection"
	"github.com/rickgao/airsense-sync/internal/coordinator"
	"github.com/rickgao/airsense-sync/internal/database"
	"github.com/rickgao/airsense-sync/internal/poller"
	"github.com/rickgao/airsense-sync/internal/retry"
	"github.com/rickgao/airsense-sync/internal/server"
	"github.com/rickgao/airsense-sync/internal/stream"
	"github.com/rickgao/airsense-sync/internal/version"
	"github.com/rickgao/airsense-sync/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/syncd.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log.Format, level)
	slog.SetDefault(logger)

	logger.Info("starting syncd",
		"version", version.String(),
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
		"location", cfg.Sync.Location,
		"mode", cfg.Sync.Mode,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *configPath, level, logger); err != nil {
		logger.Error("syncd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("syncd stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar, logger *slog.Logger) error {
	// Credentials are optional; unsigned requests go out without headers.
	var signer auth.Signer
	if cfg.API.APIKey != "" {
		creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		signer = creds
		logger.Info("using API credentials", "key_id", creds.KeyID, "signed", creds.PrivateKey != nil)
	}

	// REST client
	opts := []api.ClientOption{
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetryPolicy(retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
	}
	if signer != nil {
		opts = append(opts, api.WithSigner(signer))
	}
	if cfg.API.HTTP2 {
		opts = append(opts, api.WithHTTP2(nil))
	}
	apiClient := api.NewClient(cfg.API.RestURL, opts...)

	// Push channel, when an endpoint is configured
	var push coordinator.PushTransport
	var connMgr *connection.Manager
	if cfg.API.WSURL != "" {
		clientCfg := connection.DefaultClientConfig()
		clientCfg.PingInterval = cfg.Connection.PingInterval
		clientCfg.PingTimeout = cfg.Connection.PingTimeout
		clientCfg.WriteTimeout = cfg.Connection.WriteTimeout
		clientCfg.BufferSize = cfg.Connection.BufferSize

		connMgr = connection.NewManager(connection.ManagerConfig{
			URL:                  cfg.API.WSURL,
			Signer:               signer,
			ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
			Client:               clientCfg,
		}, logger)
		defer connMgr.Close()
		push = connMgr
	} else {
		logger.Info("no push endpoint configured, polling only")
	}

	bus := stream.New(cfg.Connection.BufferSize, logger)
	defer bus.Close()

	coord := coordinator.New(coordinator.Config{
		PreferPush: cfg.Sync.PreferPush(),
		Resource:   cfg.Sync.Resource,
		Poller: poller.Config{
			Interval: cfg.Poller.Interval,
			Timeout:  cfg.Poller.Timeout,
		},
	}, push, apiClient.FetchFunc(), bus, logger)

	// Optional archive
	var db server.Pinger
	if cfg.Database.Enabled() {
		ts := cfg.Database.Timescale
		logger.Info("connecting to database", "host", ts.Host, "port", ts.Port, "database", ts.Name)

		pool, err := database.Connect(ctx, ts, "airsense-sync/"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect timescale: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		db = pool

		w := writer.New(writer.Config{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, pool, logger)
		w.Start(ctx, bus.Subscribe(ctx, ""))
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			w.Stop(stopCtx)
		}()
		logger.Info("database connected")
	}

	if err := coord.Start(ctx, cfg.Sync.Location, bus.Publish); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := coord.Stop(stopCtx); err != nil {
			logger.Warn("coordinator stop timed out", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	srv := server.New(server.Config{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
	}, coord, bus, db, logger)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	watcher, err := config.NewWatcher(configPath, 0, func(next *config.Config) {
		level.Set(parseLevel(next.Log.Level))
		coord.SetPreferPush(next.Sync.PreferPush())
		coord.SetTarget(next.Sync.Location)
		logger.Info("applied config change",
			"location", next.Sync.Location,
			"mode", next.Sync.Mode,
			"log_level", next.Log.Level,
		)
	}, logger)
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	logger.Info("syncd running",
		"dashboard_url", fmt.Sprintf("http://localhost:%d/status", cfg.Server.Port),
	)

	// Wait for shutdown
	<-gctx.Done()
	logger.Info("shutting down...")
	return g.Wait()
}

func newLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
