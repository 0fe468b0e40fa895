package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

// Possible task status values. A task moves through the main pipeline states
// in order; Failed is reachable from any non-terminal state, and
// CompletedWithWarning marks a task whose primary video succeeded but whose
// optional extension step did not. MergingVideos is the alternate entry state
// used only by the merge pipeline.
const (
	TaskStatusPending              TaskStatus = "pending"
	TaskStatusProcessingImage      TaskStatus = "processing_image"
	TaskStatusRefiningPrompt       TaskStatus = "refining_prompt"
	TaskStatusGeneratingVideo      TaskStatus = "generating_video"
	TaskStatusWaitingForVideo      TaskStatus = "waiting_for_video"
	TaskStatusDownloadingVideo     TaskStatus = "downloading_video"
	TaskStatusExtendingVideo       TaskStatus = "extending_video"
	TaskStatusMergingVideos        TaskStatus = "merging_videos"
	TaskStatusCompleted            TaskStatus = "completed"
	TaskStatusCompletedWithWarning TaskStatus = "completed_with_warning"
	TaskStatusFailed               TaskStatus = "failed"
)

// Common validation errors for Task.
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
)

// Task represents one requested image-to-video generation unit and its
// tracked lifecycle. ImageRef and VideoRef are file names relative to the
// configured upload and output directories; multiple tasks may share either.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Status         TaskStatus `json:"status"`
	Message        string     `json:"message"`
	ImageRef       string     `json:"image_ref"`
	Prompt         string     `json:"prompt"`
	Model          string     `json:"model"`
	VLMModel       string     `json:"vlm_model"`
	LLMModel       string     `json:"llm_model"`
	PromptTemplate string     `json:"prompt_template"`
	JobID          string     `json:"job_id"`
	VideoRef       string     `json:"video_ref"`
	ParentTaskID   *uuid.UUID `json:"parent_task_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewTask creates a new pending Task for the given source image. It generates
// a new UUID and sets the creation/update timestamps.
func NewTask(imageRef string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New(),
		Status:    TaskStatusPending,
		Message:   "task created",
		ImageRef:  imageRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMergeTask creates a new Task that enters the lifecycle directly in the
// merging_videos state. Merge tasks inherit the given image ref and model from
// the first source task so they render alongside generated tasks.
func NewMergeTask(imageRef, model, message string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.New(),
		Status:    TaskStatusMergingVideos,
		Message:   message,
		ImageRef:  imageRef,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if !IsValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	return nil
}

// IsTerminal reports whether the status is one of the terminal states from
// which the orchestrator performs no further transitions.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusCompletedWithWarning, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsValidTaskStatus checks if the given status is a valid TaskStatus.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusProcessingImage, TaskStatusRefiningPrompt,
		TaskStatusGeneratingVideo, TaskStatusWaitingForVideo, TaskStatusDownloadingVideo,
		TaskStatusExtendingVideo, TaskStatusMergingVideos, TaskStatusCompleted,
		TaskStatusCompletedWithWarning, TaskStatusFailed:
		return true
	default:
		return false
	}
}
