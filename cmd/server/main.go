// accountmarket - order lifecycle and dispute front end for a digital-goods marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/accountmarket/internal/config"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "text")

	logger.Info("starting accountmarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"memory_backend", cfg.UsesMemoryBackend(),
		"escrow_hold", cfg.EscrowHoldDuration.String(),
		"poll_interval", cfg.OrderPollInterval.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if srv.Memory() != nil && !cfg.IsProduction() {
		users, err := srv.SeedDemo()
		if err != nil {
			logger.Error("failed to seed demo data", "error", err)
			os.Exit(1)
		}
		for _, u := range users {
			logger.Info("demo session", "user", u.Viewer.ID, "role", u.Viewer.Role, "token", u.Token)
		}
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
