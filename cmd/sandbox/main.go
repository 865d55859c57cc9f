// Package main runs the local Driftmail sandbox API server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v10"

	driftmail "github.com/driftmail/driftmail-go"

	"github.com/driftmail/driftmail-go/internal/sandbox"
)

// config holds sandbox server settings.
type config struct {
	Port   int    `env:"SANDBOX_PORT" envDefault:"9090"`
	APIKey string `env:"SANDBOX_API_KEY" envDefault:"sandbox-key"`

	LogLevel  string `env:"SANDBOX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SANDBOX_LOG_FORMAT" envDefault:"text"`

	ReadTimeout     time.Duration `env:"SANDBOX_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SANDBOX_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SANDBOX_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	cfg := &config{}
	if err := env.Parse(cfg); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	keyHash, err := sandbox.HashAPIKey(cfg.APIKey)
	if err != nil {
		logger.Error("failed to hash api key", "error", err)
		os.Exit(1)
	}

	handler := sandbox.NewHandler(keyHash, logger)
	handler.SetCriteria(defaultCriteria())

	srv := sandbox.NewServer(
		handler.Routes(),
		cfg.Port,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	logger.Info("starting sandbox",
		"port", cfg.Port,
		"base_url", fmt.Sprintf("http://localhost:%d", cfg.Port),
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// defaultCriteria serves a sample criteria set so the anonymous pipeline can
// be exercised end to end against the sandbox out of the box.
func defaultCriteria() []driftmail.Criteria {
	total := 3.0
	return []driftmail.Criteria{
		{
			ID: "12",
			Items: []driftmail.CriteriaItem{
				{EventType: "track", Comparator: "equal", Name: "viewedMocha", AggregateCount: 5},
				{EventType: "track", Comparator: "equal", Name: "viewedCappuccino", AggregateCount: 3},
			},
		},
		{
			ID: "13",
			Items: []driftmail.CriteriaItem{
				{EventType: "trackPurchase", Total: &total},
				{EventType: "cartUpdate"},
			},
		},
	}
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
