// Command autorelease runs one auto-release sweep and prints its summary.
// It is meant for an external scheduler (cron, a Kubernetes CronJob) when
// the HTTP cron endpoint is not used.
//
// Usage:
//
//	go run ./cmd/autorelease             # Sweep with the configured batch size
//	go run ./cmd/autorelease -batch 50   # List due orders 50 at a time
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/mbd888/tradehold/internal/config"
	"github.com/mbd888/tradehold/internal/logging"
	"github.com/mbd888/tradehold/internal/server"
)

func main() {
	batch := flag.Int("batch", 0, "orders listed per page of the sweep (0 uses AUTO_RELEASE_BATCH)")
	timeout := flag.Duration("timeout", 5*time.Minute, "sweep deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *batch > 0 {
		cfg.AutoReleaseBatch = *batch
	}
	// The sweep runs here; never start the in-process timer.
	cfg.AutoReleaseInterval = 0

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer func() { _ = srv.Shutdown() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sum, err := srv.Scheduler().RunOnce(ctx)
	if err != nil {
		logger.Error("auto-release sweep failed", "error", err)
		_ = srv.Shutdown()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		logger.Error("encode summary", "error", err)
	}
	if len(sum.Failed) > 0 {
		_ = srv.Shutdown()
		os.Exit(2)
	}
}
