package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"anti_vpn/pkg/config"
	"anti_vpn/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", *configFile, err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	logger, err := utils.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create services with timeouts
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	app, err := NewApp(initCtx, cfg, logger)
	if err == nil {
		err = app.Start(initCtx)
	}
	cancel()
	if err != nil {
		if app != nil {
			app.Stop(context.Background())
		}
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}
}
