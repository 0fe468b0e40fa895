// Package api provides HTTP handlers for the API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vanch007/siliconflow-i2v/internal/api/shared"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/platform/logger"
	"github.com/vanch007/siliconflow-i2v/internal/service"
	"github.com/vanch007/siliconflow-i2v/internal/task"
)

// maxUploadBytes bounds the multipart form size of a task-creation request.
const maxUploadBytes = 32 << 20 // 32 MiB

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	service *service.TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(svc *service.TaskService, logger *slog.Logger) *TaskHandler {
	if svc == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("service cannot be nil for TaskHandler")
	}
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		service: svc,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// Create handles POST /api/tasks requests. The request is a multipart form
// with the image file plus optional generation parameters and batch tags.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		log.Debug("failed to parse multipart form", slog.Any("error", err))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Image file is required")
		return
	}
	defer file.Close()

	params, err := parseFormParams(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	batchID, batchIndex, batchSize, err := parseBatchFields(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.service.Create(r.Context(), service.CreateTaskInput{
		Image:      file,
		Params:     params,
		BatchID:    batchID,
		BatchIndex: batchIndex,
		BatchSize:  batchSize,
	})
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(t))
}

// List handles GET /api/tasks requests.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.service.List(r.Context())
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskListResponse(tasks))
}

// Get handles GET /api/tasks/{id} requests.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(t))
}

// Delete handles DELETE /api/tasks/{id} requests. Files no longer referenced
// by any surviving task are removed along with the record.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		HandleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Regenerate handles POST /api/tasks/{id}/regenerate requests: a new task is
// created from the source task's image and dispatched immediately.
func (h *TaskHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	h.regenerate(w, r, h.service.Regenerate)
}

// RegenerateFromLastFrame handles POST /api/tasks/{id}/regenerate_from_last_frame
// requests: a new task is created from the last frame of the source task's video.
func (h *TaskHandler) RegenerateFromLastFrame(w http.ResponseWriter, r *http.Request) {
	h.regenerate(w, r, h.service.RegenerateFromLastFrame)
}

func (h *TaskHandler) regenerate(
	w http.ResponseWriter,
	r *http.Request,
	run func(ctx context.Context, id uuid.UUID, params task.Params) (*domain.Task, error),
) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	id, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}

	var req GenerationParams
	if r.Body != nil && r.ContentLength != 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			log.Debug("failed to decode regenerate request", slog.Any("error", err))
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
	}

	t, err := run(r.Context(), id, req.ToParams())
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(t))
}

// CheckVideo handles POST /api/tasks/{id}/check requests: one status poll
// and, when the remote job is done, the download.
func (h *TaskHandler) CheckVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathTaskID(w, r)
	if !ok {
		return
	}

	var req CheckRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
	}

	res, err := h.service.CheckVideo(r.Context(), id, req.APIKey)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CheckVideoResponse{
		Task:    NewTaskResponse(res.Task),
		Updated: res.Updated,
		Message: res.Message,
	})
}

// CheckAllVideos handles POST /api/tasks/check_all requests.
func (h *TaskHandler) CheckAllVideos(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
	}

	results, err := h.service.CheckAllVideos(r.Context(), req.APIKey)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}

	out := make([]CheckVideoResponse, 0, len(results))
	for _, res := range results {
		out = append(out, CheckVideoResponse{
			Task:    NewTaskResponse(res.Task),
			Updated: res.Updated,
			Message: res.Message,
		})
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// Merge handles POST /api/tasks/merge requests.
func (h *TaskHandler) Merge(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req MergeRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Debug("failed to decode merge request", slog.Any("error", err))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "task_ids must contain at least two valid task IDs")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.TaskIDs))
	for _, raw := range req.TaskIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID: "+raw)
			return
		}
		ids = append(ids, id)
	}

	t, err := h.service.Merge(r.Context(), ids)
	if err != nil {
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(t))
}

// CheckAPIKey handles POST /api/check_api_key requests.
func (h *TaskHandler) CheckAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CheckKeyRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "api_key is required")
		return
	}

	if err := h.service.CheckAPIKey(r.Context(), req.APIKey); err != nil {
		if errors.Is(err, media.ErrInvalidCredential) {
			shared.RespondWithJSON(w, r, http.StatusOK, CheckKeyResponse{Valid: false})
			return
		}
		HandleServiceError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CheckKeyResponse{Valid: true})
}

// pathTaskID extracts and parses the {id} path parameter, writing the error
// response itself on failure.
func (h *TaskHandler) pathTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return id, true
}

// parseFormParams reads the optional generation parameters from the
// multipart form fields.
func parseFormParams(r *http.Request) (task.Params, error) {
	p := task.Params{
		Model:          r.FormValue("model"),
		VLMModel:       r.FormValue("vlm_model"),
		LLMModel:       r.FormValue("llm_model"),
		NegativePrompt: r.FormValue("negative_prompt"),
		Size:           r.FormValue("size"),
		UserPrompt:     r.FormValue("user_prompt"),
		Prompt:         r.FormValue("prompt"),
		APIKey:         r.FormValue("api_key"),
	}
	if raw := r.FormValue("seed"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return task.Params{}, errors.New("seed must be an integer")
		}
		p.Seed = &seed
	}
	if raw := r.FormValue("extend"); raw != "" {
		extend, err := strconv.ParseBool(raw)
		if err != nil {
			return task.Params{}, errors.New("extend must be a boolean")
		}
		p.Extend = extend
	}
	return p, nil
}

// parseBatchFields reads the optional batch tags from the multipart form.
// All-or-nothing: a batch_id requires a valid batch_index and batch_size.
func parseBatchFields(r *http.Request) (string, int, int, error) {
	batchID := r.FormValue("batch_id")
	if batchID == "" {
		return "", 0, 0, nil
	}
	batchIndex, err := strconv.Atoi(r.FormValue("batch_index"))
	if err != nil || batchIndex < 0 {
		return "", 0, 0, errors.New("batch_index must be a non-negative integer")
	}
	batchSize, err := strconv.Atoi(r.FormValue("batch_size"))
	if err != nil || batchSize < 1 || batchIndex >= batchSize {
		return "", 0, 0, errors.New("batch_size must be a positive integer greater than batch_index")
	}
	return batchID, batchIndex, batchSize, nil
}
