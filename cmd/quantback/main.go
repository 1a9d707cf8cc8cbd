package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quantback/internal/api"
	"quantback/internal/config"
	"quantback/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "configuration file path")
	)
	flag.Parse()

	// A missing .env is fine, environment variables win either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("warning: %v, using built-in defaults", err)
		cfg = config.Default()
	}

	logger.Init(logger.Config{
		Level:    logger.LogLevel(cfg.Logging.Level),
		Format:   logger.LogFormat(cfg.Logging.Format),
		Output:   cfg.Logging.Output,
		Filename: cfg.Logging.Filename,
	})

	logger.Info("starting quantback",
		"version", cfg.App.Version, "env", cfg.App.Env)

	server, err := api.NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed", "error", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
