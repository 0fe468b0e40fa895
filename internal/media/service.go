package media

import "context"

// SubmitRequest carries the parameters for one video-generation submission.
type SubmitRequest struct {
	// ImagePath is the local path of the reference image.
	ImagePath string

	// Prompt is the refined generation prompt.
	Prompt string

	// Model is the generation model variant.
	Model string

	// NegativePrompt lists the qualities the model should avoid.
	NegativePrompt string

	// Size is the target video resolution as "WIDTHxHEIGHT", e.g. "720x1280".
	Size string

	// Seed, when non-nil, pins the generation seed.
	Seed *int64

	// APIKey is the per-request credential. When empty the service falls back
	// to its configured default key.
	APIKey string
}

// PollState classifies the remote job's progress.
type PollState int

const (
	// PollPending means the job is still queued or in progress.
	PollPending PollState = iota
	// PollDone means the job finished and a video URL is available.
	PollDone
	// PollFailed means the remote service reported the job failed.
	PollFailed
)

// PollResult is the outcome of a single status check for a remote job.
type PollResult struct {
	State PollState

	// URL is the download location of the finished video. Set only when
	// State is PollDone.
	URL string

	// Seed is the seed the service actually used, when reported.
	Seed int64

	// Reason is the remote failure description. Set only when State is
	// PollFailed.
	Reason string
}

// Service is the boundary between the orchestration core and the remote
// model provider. Implementations wrap the provider's HTTP API; the
// orchestrator depends only on this interface.
type Service interface {
	// Describe derives a natural-language description of the image using a
	// vision-language model.
	Describe(ctx context.Context, imagePath, model, apiKey string) (string, error)

	// Refine turns an image description into a generation prompt using a text
	// model and the given system template.
	Refine(ctx context.Context, description, model, template, apiKey string) (string, error)

	// Submit enqueues an image-to-video generation job and returns its job ID.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Poll checks a job's status once. A non-error return with State
	// PollPending means the job is still running.
	Poll(ctx context.Context, jobID, apiKey string) (PollResult, error)

	// Fetch downloads the video at url into outputDir and returns the local
	// file path. Empty or invalid content is an error.
	Fetch(ctx context.Context, url, outputDir string) (string, error)

	// CheckKey verifies that the credential is accepted by the provider.
	CheckKey(ctx context.Context, apiKey string) error
}
