package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/platform/logger"
	"github.com/vanch007/siliconflow-i2v/internal/store"
)

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database connection or transaction that
// should be initialized and managed by the caller. If logger is nil, a
// default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore.
var _ store.TaskStore = (*PostgresTaskStore)(nil)

const taskColumns = `id, status, message, image_ref, prompt, model, vlm_model,
	llm_model, prompt_template, job_id, video_ref, parent_task_id, created_at, updated_at`

// Create implements store.TaskStore.Create.
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := task.Validate(); err != nil {
		log.Warn("task validation failed during create",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	var parentID any
	if task.ParentTaskID != nil {
		parentID = *task.ParentTaskID
	}
	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Status,
		task.Message,
		task.ImageRef,
		task.Prompt,
		task.Model,
		task.VLMModel,
		task.LLMModel,
		task.PromptTemplate,
		task.JobID,
		task.VideoRef,
		parentID,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return fmt.Errorf("failed to create task: %w", err)
	}

	log.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)))
	return nil
}

// GetByID implements store.TaskStore.GetByID.
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// List implements store.TaskStore.List.
func (s *PostgresTaskStore) List(ctx context.Context) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`
	return s.queryTasks(ctx, query)
}

// ListAwaitingVideo implements store.TaskStore.ListAwaitingVideo.
func (s *PostgresTaskStore) ListAwaitingVideo(ctx context.Context) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2) AND job_id <> '' AND video_ref = ''
		ORDER BY created_at ASC
	`
	return s.queryTasks(ctx, query,
		domain.TaskStatusWaitingForVideo, domain.TaskStatusGeneratingVideo)
}

// UpdateStatus implements store.TaskStore.UpdateStatus.
func (s *PostgresTaskStore) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	status domain.TaskStatus,
	message string,
) error {
	if !domain.IsValidTaskStatus(status) {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidTaskStatus)
	}
	return s.updateColumn(ctx, id,
		`UPDATE tasks SET status = $1, message = $2, updated_at = $3 WHERE id = $4`,
		status, message, time.Now().UTC(), id)
}

// SetPrompt implements store.TaskStore.SetPrompt.
func (s *PostgresTaskStore) SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	return s.updateColumn(ctx, id,
		`UPDATE tasks SET prompt = $1, updated_at = $2 WHERE id = $3`,
		prompt, time.Now().UTC(), id)
}

// SetModel implements store.TaskStore.SetModel.
func (s *PostgresTaskStore) SetModel(ctx context.Context, id uuid.UUID, model string) error {
	return s.updateColumn(ctx, id,
		`UPDATE tasks SET model = $1, updated_at = $2 WHERE id = $3`,
		model, time.Now().UTC(), id)
}

// SetJobID implements store.TaskStore.SetJobID.
func (s *PostgresTaskStore) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	return s.updateColumn(ctx, id,
		`UPDATE tasks SET job_id = $1, updated_at = $2 WHERE id = $3`,
		jobID, time.Now().UTC(), id)
}

// SetVideoRef implements store.TaskStore.SetVideoRef.
func (s *PostgresTaskStore) SetVideoRef(ctx context.Context, id uuid.UUID, videoRef string) error {
	return s.updateColumn(ctx, id,
		`UPDATE tasks SET video_ref = $1, updated_at = $2 WHERE id = $3`,
		videoRef, time.Now().UTC(), id)
}

// Delete implements store.TaskStore.Delete.
func (s *PostgresTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		log.Error("failed to delete task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return fmt.Errorf("%w: %v", store.ErrDeleteFailed, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrDeleteFailed, err)
	}
	if rows == 0 {
		return store.ErrTaskNotFound
	}

	log.Info("task deleted", slog.String("task_id", id.String()))
	return nil
}

// CountOthersByImageRef implements store.TaskStore.CountOthersByImageRef.
func (s *PostgresTaskStore) CountOthersByImageRef(
	ctx context.Context,
	imageRef string,
	excludeID uuid.UUID,
) (int, error) {
	return s.countRefs(ctx,
		`SELECT COUNT(*) FROM tasks WHERE image_ref = $1 AND id <> $2`, imageRef, excludeID)
}

// CountOthersByVideoRef implements store.TaskStore.CountOthersByVideoRef.
func (s *PostgresTaskStore) CountOthersByVideoRef(
	ctx context.Context,
	videoRef string,
	excludeID uuid.UUID,
) (int, error) {
	return s.countRefs(ctx,
		`SELECT COUNT(*) FROM tasks WHERE video_ref = $1 AND id <> $2`, videoRef, excludeID)
}

func (s *PostgresTaskStore) countRefs(
	ctx context.Context,
	query, ref string,
	excludeID uuid.UUID,
) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, query, ref, excludeID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task references: %w", err)
	}
	return count, nil
}

func (s *PostgresTaskStore) updateColumn(
	ctx context.Context,
	id uuid.UUID,
	query string,
	args ...any,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return fmt.Errorf("%w: %v", store.ErrUpdateFailed, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrUpdateFailed, err)
	}
	if rows == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func (s *PostgresTaskStore) queryTasks(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return tasks, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var parentID uuid.NullUUID
	err := row.Scan(
		&task.ID,
		&task.Status,
		&task.Message,
		&task.ImageRef,
		&task.Prompt,
		&task.Model,
		&task.VLMModel,
		&task.LLMModel,
		&task.PromptTemplate,
		&task.JobID,
		&task.VideoRef,
		&parentID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		task.ParentTaskID = &parentID.UUID
	}
	return &task, nil
}
