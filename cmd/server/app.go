package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/platform/postgres"
	"github.com/vanch007/siliconflow-i2v/internal/platform/siliconflow"
	"github.com/vanch007/siliconflow-i2v/internal/service"
	"github.com/vanch007/siliconflow-i2v/internal/store"
	"github.com/vanch007/siliconflow-i2v/internal/task"
	"github.com/vanch007/siliconflow-i2v/internal/video"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore    store.TaskStore
	mediaService media.Service
	assembler    *video.Assembler

	orchestrator *task.Orchestrator
	coordinator  *task.BatchCoordinator
	taskService  *service.TaskService
}

// newApplication creates an application instance with all dependencies
// initialized. Configuration, logging, and the database connection must be
// established before calling it.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	for _, dir := range []string{cfg.Video.UploadDir, cfg.Video.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	app.taskStore = postgres.NewPostgresTaskStore(db, logger)

	app.mediaService = siliconflow.NewClient(cfg.SiliconFlow, logger.With("component", "siliconflow_client"))
	logger.Info("SiliconFlow client initialized", "base_url", cfg.SiliconFlow.BaseURL)

	app.assembler = video.NewAssembler(cfg.Video.FFmpegPath, logger.With("component", "assembler"))
	if !app.assembler.Available() {
		logger.Warn("ffmpeg not found; video merge and extension are disabled")
	}

	app.orchestrator = task.NewOrchestrator(
		app.taskStore,
		app.mediaService,
		app.assembler,
		task.Config{
			SiliconFlow: cfg.SiliconFlow,
			Video:       cfg.Video,
			Pipeline:    cfg.Pipeline,
			Prompts:     cfg.Prompts,
		},
		logger,
	)
	app.coordinator = task.NewBatchCoordinator(app.orchestrator)

	app.taskService = service.NewTaskService(
		app.taskStore,
		app.mediaService,
		app.orchestrator,
		app.coordinator,
		app.assembler,
		cfg.Video,
		logger,
	)

	return app, nil
}

// cleanup waits for in-flight pipeline runs to reach a terminal state.
func (app *application) cleanup() {
	app.logger.Info("waiting for in-flight pipeline runs")
	app.orchestrator.Wait()
}
