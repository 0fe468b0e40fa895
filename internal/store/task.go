package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
)

// TaskStore defines the persistence interface for tasks. It is the system of
// record for all pipeline progress: every mutation is a single, immediately
// durable record operation so that status is externally observable mid-run.
type TaskStore interface {
	// Create saves a new task. Returns a validation error from the domain
	// Task if the data is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// List retrieves all tasks, newest first.
	List(ctx context.Context) ([]*domain.Task, error)

	// ListAwaitingVideo retrieves tasks that have a remote job in flight but
	// no downloaded video yet: status waiting_for_video or generating_video,
	// job ID set, video ref empty.
	ListAwaitingVideo(ctx context.Context) ([]*domain.Task, error)

	// UpdateStatus sets the task's status and progress message.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, message string) error

	// SetPrompt stores the refined generation prompt on the task.
	SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error

	// SetModel stores the generation model variant the task is using.
	SetModel(ctx context.Context, id uuid.UUID, model string) error

	// SetJobID stores the remote job identifier returned by submission.
	SetJobID(ctx context.Context, id uuid.UUID, jobID string) error

	// SetVideoRef stores the file name of the downloaded result video.
	SetVideoRef(ctx context.Context, id uuid.UUID, videoRef string) error

	// Delete removes the task record.
	// Returns ErrTaskNotFound if the task does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// CountOthersByImageRef returns how many tasks other than the given one
	// reference the same image file. Used for reference-counted file cleanup.
	CountOthersByImageRef(ctx context.Context, imageRef string, excludeID uuid.UUID) (int, error)

	// CountOthersByVideoRef returns how many tasks other than the given one
	// reference the same video file.
	CountOthersByVideoRef(ctx context.Context, videoRef string, excludeID uuid.UUID) (int, error)
}
