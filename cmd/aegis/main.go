package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/gateway"
	"github.com/aegisgw/aegis/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/aegis.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("AEGIS Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := watcher.GetConfig()

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithFile(cfg.Logging.Level, logging.FileOutput{
		Path:       cfg.Logging.File.Path,
		MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
		MaxBackups: cfg.Logging.File.MaxBackups,
		MaxAgeDays: cfg.Logging.File.MaxAgeDays,
		Compress:   cfg.Logging.File.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting AEGIS gateway",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("proxy_address", cfg.Server.ProxyAddress),
		zap.String("api_address", cfg.Server.APIAddress),
		zap.Int("backends", len(cfg.Backends)),
	)

	ctx := context.Background()
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to assemble gateway", zap.Error(err))
		os.Exit(1)
	}

	server := gateway.NewServer(gw, watcher)
	if err := server.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
