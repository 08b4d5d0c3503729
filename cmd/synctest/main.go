// synctest syncs one location and prints updates and transport changes to
// the console.
// Usage: go run ./cmd/synctest --config configs/syncd.example.yaml --location Delhi
//
// Optional environment variables referenced by the example config:
//
//	AIRSENSE_API_KEY          - API key ID
//	AIRSENSE_PRIVATE_KEY_PATH - Path to an RSA private key PEM file for request signing
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/airsense-sync/internal/api"
	"github.com/rickgao/airsense-sync/internal/auth"
	"github.com/rickgao/airsense-sync/internal/config"
	"github.com/rickgao/airsense-sync/internal/connection"
	"github.com/rickgao/airsense-sync/internal/coordinator"
	"github.com/rickgao/airsense-sync/internal/model"
	"github.com/rickgao/airsense-sync/internal/poller"
)

func main() {
	configPath := flag.String("config", "configs/syncd.example.yaml", "path to config file")
	location := flag.String("location", "", "location to sync (overrides sync.location)")
	verbose := flag.Bool("verbose", false, "print full update JSON")
	pollingOnly := flag.Bool("polling", false, "never use push")
	flag.Parse()

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *location != "" {
		cfg.Sync.Location = *location
	}
	if *pollingOnly {
		cfg.Sync.Mode = config.ModePolling
	}
	if cfg.Sync.Location == "" {
		logger.Error("no location: set sync.location or pass --location")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var signer auth.Signer
	if cfg.API.APIKey != "" {
		creds, err := auth.LoadCredentials(cfg.API.APIKey, cfg.API.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		signer = creds
	}

	opts := []api.ClientOption{api.WithLogger(logger), api.WithTimeout(cfg.API.Timeout)}
	if signer != nil {
		opts = append(opts, api.WithSigner(signer))
	}
	apiClient := api.NewClient(cfg.API.RestURL, opts...)

	var push coordinator.PushTransport
	if cfg.API.WSURL != "" {
		mgrCfg := connection.DefaultManagerConfig()
		mgrCfg.URL = cfg.API.WSURL
		mgrCfg.Signer = signer
		mgrCfg.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts

		mgr := connection.NewManager(mgrCfg, logger)
		defer mgr.Close()
		mgr.OnStateChange(func(ev connection.StateEvent) {
			fmt.Printf("[PUSH] %s -> %s target=%s attempt=%d\n", ev.Old, ev.New, ev.Target, ev.Attempt)
		})
		push = mgr
	}

	coord := coordinator.New(coordinator.Config{
		PreferPush: cfg.Sync.PreferPush(),
		Resource:   cfg.Sync.Resource,
		Poller:     poller.Config{Interval: cfg.Poller.Interval, Timeout: cfg.Poller.Timeout},
	}, push, apiClient.FetchFunc(), nil, logger)

	if err := coord.Start(ctx, cfg.Sync.Location, func(u model.Update) {
		printUpdate(u, *verbose)
	}); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	// Status printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := coord.Status()
				logger.Info("status",
					"method", st.Method,
					"target", st.Target,
					"updates", st.UpdateCount,
					"connected", st.IsConnected,
					"reconnect_attempts", st.ReconnectAttempts,
					"poll_count", st.PollCount,
					"error", st.Error,
				)
			}
		}
	}()

	logger.Info("syncing - press Ctrl+C to stop", "location", cfg.Sync.Location, "mode", cfg.Sync.Mode)

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	coord.Stop(shutdownCtx)
	logger.Info("shutdown complete", "updates", coord.Status().UpdateCount)
}

func printUpdate(u model.Update, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(u, "", "  ")
		fmt.Printf("[%s] %s\n", u.Method, data)
		return
	}
	fmt.Printf("[%s] type=%s location=%s ts=%s bytes=%d\n",
		u.Method, u.Type, u.Target, u.Timestamp.Format(time.RFC3339), len(u.Payload))
}
