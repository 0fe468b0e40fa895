package media

import "errors"

// Common errors returned by remote media-service implementations. The
// orchestrator maps each of these to a task status transition and message at
// the step boundary where it occurred.
var (
	// ErrImageProcessing is returned when the vision-language description call fails.
	ErrImageProcessing = errors.New("image processing failed")

	// ErrPromptRefinement is returned when the prompt-refinement call fails or
	// yields an empty prompt.
	ErrPromptRefinement = errors.New("prompt refinement failed")

	// ErrSubmission is returned when the video-generation submission fails on
	// both the current and the legacy contract, or returns an empty job ID.
	ErrSubmission = errors.New("video submission failed")

	// ErrStatusCheck is returned when a status poll fails or the remote
	// service reports the job failed.
	ErrStatusCheck = errors.New("status check failed")

	// ErrStatusCheckTimeout is returned by the orchestrator when every poll
	// attempt reported the job still pending.
	ErrStatusCheckTimeout = errors.New("status check timed out")

	// ErrDownload is returned when fetching the finished video fails or the
	// downloaded content is empty.
	ErrDownload = errors.New("video download failed")

	// ErrInvalidCredential is returned by CheckKey when the provider rejects
	// the API key.
	ErrInvalidCredential = errors.New("invalid API credential")
)
