package api

import (
	"time"

	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/task"
)

// Common request/response structures

// TaskResponse represents one task in API responses. ImageURL and VideoURL
// are the server-relative locations the stored files are served from.
type TaskResponse struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ImageRef     string    `json:"image_ref,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	Prompt       string    `json:"prompt,omitempty"`
	Model        string    `json:"model,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	VideoRef     string    `json:"video_ref,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	ParentTaskID string    `json:"parent_task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewTaskResponse maps a domain task to its API representation.
func NewTaskResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID.String(),
		Status:    string(t.Status),
		Message:   t.Message,
		ImageRef:  t.ImageRef,
		Prompt:    t.Prompt,
		Model:     t.Model,
		JobID:     t.JobID,
		VideoRef:  t.VideoRef,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.ImageRef != "" {
		resp.ImageURL = "/uploads/" + t.ImageRef
	}
	if t.VideoRef != "" {
		resp.VideoURL = "/videos/" + t.VideoRef
	}
	if t.ParentTaskID != nil {
		resp.ParentTaskID = t.ParentTaskID.String()
	}
	return resp
}

// NewTaskListResponse maps a slice of domain tasks.
func NewTaskListResponse(tasks []*domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewTaskResponse(t))
	}
	return out
}

// GenerationParams is the JSON shape of the per-task generation options,
// shared by the regenerate endpoints. Every field is optional; zero values
// fall back to the system defaults.
type GenerationParams struct {
	Model          string `json:"model,omitempty"`
	VLMModel       string `json:"vlm_model,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Size           string `json:"size,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
	Extend         bool   `json:"extend,omitempty"`
	UserPrompt     string `json:"user_prompt,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
}

// ToParams converts the request shape into orchestrator parameters.
func (g GenerationParams) ToParams() task.Params {
	return task.Params{
		Model:          g.Model,
		VLMModel:       g.VLMModel,
		LLMModel:       g.LLMModel,
		NegativePrompt: g.NegativePrompt,
		Size:           g.Size,
		Seed:           g.Seed,
		Extend:         g.Extend,
		UserPrompt:     g.UserPrompt,
		Prompt:         g.Prompt,
		APIKey:         g.APIKey,
	}
}

// MergeRequest defines the payload for the video-merge endpoint. Order is
// preserved: videos are concatenated in the order the IDs are given.
type MergeRequest struct {
	TaskIDs []string `json:"task_ids" validate:"required,min=2,dive,uuid"`
}

// CheckRequest defines the optional payload for the video-check endpoints.
type CheckRequest struct {
	APIKey string `json:"api_key,omitempty"`
}

// CheckKeyRequest defines the payload for the credential-check endpoint.
type CheckKeyRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

// CheckKeyResponse reports the result of a credential check.
type CheckKeyResponse struct {
	Valid bool `json:"valid"`
}

// CheckVideoResponse reports a one-shot status check for one task.
type CheckVideoResponse struct {
	Task    TaskResponse `json:"task"`
	Updated bool         `json:"updated"`
	Message string       `json:"message"`
}
