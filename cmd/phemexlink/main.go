// Command phemexlink is the connector entry point. It loads configuration,
// validates it, boots the engine, and serves live state until interrupted.
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

	"github.com/tradewire/phemexlink/internal/config"
	"github.com/tradewire/phemexlink/internal/engine"
	"github.com/tradewire/phemexlink/internal/platform/phemex"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration. A missing file is fine when the environment
	// carries everything.
	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Info("config file not found, using defaults and environment",
			slog.String("path", path))
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("phemexlink starting",
		slog.String("network", cfg.Network()),
		slog.String("symbol", cfg.Trading.Symbol),
		slog.String("resolution", phemex.FormatResolution(cfg.Trading.Resolution)),
	)

	eng := engine.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = eng.Boot(bootCtx)
	cancel()
	if err != nil {
		logger.Error("boot failed", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer eng.Shutdown()

	if cfg.Trading.Leverage > 0 {
		if err := eng.SetLeverage(ctx, cfg.Trading.Leverage); err != nil {
			logger.Warn("failed to set leverage", slog.String("error", err.Error()))
		}
	}

	logger.Info("engine running",
		slog.Float64("price", eng.Price()),
		slog.Int("candles", len(eng.Candles())),
		slog.Int("positions", len(eng.Positions())),
		slog.Int("orders", len(eng.Orders())),
		slog.Float64("balance", eng.Wallet().Balance),
	)

	<-ctx.Done()
	logger.Info("phemexlink stopped")
}
