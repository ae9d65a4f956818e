package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/katasec/dstream-livedata/internal/config"
	"github.com/katasec/dstream-livedata/internal/ingester"
	"github.com/katasec/dstream-livedata/internal/logging"
)

func main() {
	path := config.ConfigFile()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logging.GetLogger().Error("Failed to load config", "path", path, "error", err)
		os.Exit(1)
	}

	opts := logging.Options{}
	if cfg.Log != nil {
		opts.Level, opts.JSON = cfg.Log.Level, cfg.Log.JSON
	}
	log := logging.Setup(opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ingester.New(cfg).Run(ctx); err != nil {
		log.Error("Ingester failed", "error", err)
		os.Exit(1)
	}
}
