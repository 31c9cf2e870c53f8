// clicense - license analysis and metered chat API
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/clicense/internal/config"
	"github.com/mbd888/clicense/internal/logging"
	"github.com/mbd888/clicense/internal/server"
	"github.com/mbd888/clicense/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting clicense",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"quota_reset_hour", cfg.QuotaResetHour,
		"quota_timezone", cfg.QuotaTimezone,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
