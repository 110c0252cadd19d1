package main

import (
	"flag"
	"log"

	"go.uber.org/fx"

	"github.com/rewired-gh/noisegate/internal/app"
	"github.com/rewired-gh/noisegate/internal/config"
	"github.com/rewired-gh/noisegate/internal/logger"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	// Run blocks until SIGINT or SIGTERM, then stops the lifecycle hooks.
	fx.New(app.Module(cfg)).Run()

	logger.Info("Shutdown complete")
}
