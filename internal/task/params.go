package task

import "github.com/google/uuid"

// Params enumerates the recognized per-task options. Every optional field has
// a system-wide default that the orchestrator applies from its configuration
// when the field is zero.
type Params struct {
	// Model is the image-to-video generation model variant.
	Model string

	// VLMModel is the vision model used for image description.
	VLMModel string

	// LLMModel is the text model used for prompt refinement.
	LLMModel string

	// NegativePrompt lists qualities the generation should avoid.
	NegativePrompt string

	// Size is the target video resolution as "WIDTHxHEIGHT".
	Size string

	// Seed, when non-nil, pins the generation seed.
	Seed *int64

	// Extend requests the follow-on generation from the video's last frame.
	Extend bool

	// UserPrompt is the style prompt combined with the system template during
	// refinement.
	UserPrompt string

	// Prompt, when set, is used as the generation prompt directly and the
	// describe/refine steps are skipped for this task.
	Prompt string

	// APIKey is the per-request credential forwarded to the remote service.
	APIKey string
}

// Item pairs a persisted task with the parameters it was submitted with.
// ImagePath optionally carries the full path of a just-uploaded image, used
// when the stored task record has no image ref of its own.
type Item struct {
	TaskID    uuid.UUID
	ImagePath string
	Params    Params
}
