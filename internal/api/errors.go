package api

import (
	"errors"
	"net/http"

	"github.com/vanch007/siliconflow-i2v/internal/api/shared"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/service"
	"github.com/vanch007/siliconflow-i2v/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case errors.Is(err, media.ErrInvalidCredential):
		return http.StatusUnauthorized

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, service.ErrNotAnImage),
		errors.Is(err, service.ErrNoVideo),
		errors.Is(err, service.ErrNoJob),
		errors.Is(err, service.ErrNotEnoughVideos):
		return http.StatusBadRequest

	case errors.Is(err, media.ErrStatusCheck),
		errors.Is(err, media.ErrSubmission),
		errors.Is(err, media.ErrDownload):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a user-facing message for the error.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"

	case store.IsNotFoundError(err):
		return "Task not found"

	case errors.Is(err, media.ErrInvalidCredential):
		return "Invalid API credential"

	case errors.Is(err, service.ErrNotAnImage):
		return "Uploaded file is not a recognized image"

	case errors.Is(err, service.ErrNoVideo):
		return "Task has no video"

	case errors.Is(err, service.ErrNoJob):
		return "Task has no generation job to check"

	case errors.Is(err, service.ErrNotEnoughVideos):
		return "Merge requires at least two tasks with videos"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"

	case errors.Is(err, media.ErrStatusCheck):
		return "Status check against the generation service failed"

	case errors.Is(err, media.ErrDownload):
		return "Video download failed"

	default:
		return "An unexpected error occurred"
	}
}

// HandleServiceError writes the standard error response for a service-layer
// failure: mapped status code, safe message, full error in the logs.
func HandleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapErrorToStatusCode(err)
	shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
}
