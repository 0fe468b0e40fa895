// Package main implements the entry point for the image-to-video pipeline
// server, which turns uploaded images into generated videos through the
// SiliconFlow model APIs.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/platform/logger"
)

// main initializes configuration, logging, the database, and all pipeline
// components, then runs the HTTP server until a shutdown signal arrives.
func main() {
	ctx := context.Background()

	cfg, appLogger, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	db, err := setupAppDatabase(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to set up database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			appLogger.Error("failed to close database", "error", err)
		}
	}()

	app, err := newApplication(ctx, cfg, appLogger, db)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// initializeApp loads configuration and sets up structured logging.
func initializeApp() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	slog.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"i2v_model", cfg.SiliconFlow.I2VModel)
	if cfg.SiliconFlow.APIKey == "" {
		slog.Warn("no server-side API key configured; requests must supply their own")
	}

	return cfg, appLogger, nil
}
