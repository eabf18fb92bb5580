// capstored is the packet-capture storage daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/capstore/internal/logging"
	"github.com/xtxerr/capstore/internal/storage"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	logDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *logDebug {
		level = slog.LevelDebug
	}
	logging.Init(level, *logJSON)
	logger := logging.Component("main")
	logger.Info("capstored starting", "version", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = config.DefaultConfig()
		} else {
			logger.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := storage.New(cfg)
	if err != nil {
		logger.Error("create storage service", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		logger.Error("start storage service", "error", err)
		os.Exit(1)
	}

	logger.Info("capstored running",
		"data_dir", cfg.DataDir,
		"devices", len(cfg.Devices),
		"quota_bytes", cfg.QuotaBytes,
	)

	// SIGUSR1 toggles the maintenance overlay; SIGINT/SIGTERM shut down.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for s := range sig {
		switch s {
		case syscall.SIGUSR1:
			if svc.Stats().Overlay == types.OverlayMaintenance {
				svc.SetOverlay(types.OverlayNone)
				logger.Info("maintenance overlay cleared")
			} else {
				svc.SetOverlay(types.OverlayMaintenance)
				logger.Info("maintenance overlay entered")
			}
			continue
		default:
			logger.Info("shutting down", "signal", s.String())
		}
		break
	}

	if err := svc.Stop(); err != nil {
		logger.Error("stop storage service", "error", err)
		os.Exit(1)
	}
	logger.Info("capstored stopped")
}
