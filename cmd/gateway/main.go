package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/devopscentral/gateway/internal/cache"
	"github.com/devopscentral/gateway/internal/config"
	"github.com/devopscentral/gateway/internal/gateway"
	"github.com/devopscentral/gateway/internal/logging"
	"github.com/devopscentral/gateway/internal/store"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	skipMigrate := flag.Bool("skip-migrate", false, "Skip schema migrations on startup")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DevOps Central Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting DevOps Central Gateway",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("admin", cfg.AdminListenAddr),
	)

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logging.Error("Database connection failed", zap.Error(err))
		os.Exit(1)
	}
	defer s.Close()

	if !*skipMigrate {
		if err := s.Migrate(); err != nil {
			logging.Error("Schema migration failed", zap.Error(err))
			os.Exit(1)
		}
	}

	c := cache.New(cfg.RedisAddr, cfg.RedisDB)
	defer c.Close()

	server := gateway.NewServer(cfg, s, c)
	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
