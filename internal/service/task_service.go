// Package service implements the application operations behind the HTTP API:
// task creation and upload handling, regeneration, deletion with
// reference-counted file cleanup, on-demand video status checks, and video
// merging.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/store"
	"github.com/vanch007/siliconflow-i2v/internal/task"
)

// Operation errors surfaced to the API layer.
var (
	// ErrNotAnImage is returned when an uploaded file is not a recognized
	// image format.
	ErrNotAnImage = errors.New("uploaded file is not a recognized image")

	// ErrNoVideo is returned when an operation requires a task to have a
	// downloaded video and it has none.
	ErrNoVideo = errors.New("task has no video")

	// ErrNoJob is returned when a status check is requested for a task that
	// never had a generation job submitted.
	ErrNoJob = errors.New("task has no generation job")

	// ErrNotEnoughVideos is returned when a merge is requested with fewer
	// than two source tasks.
	ErrNotEnoughVideos = errors.New("merge requires at least two completed videos")
)

// mergedPromptLimit bounds the length of a merged task's combined prompt.
const mergedPromptLimit = 500

// TaskService coordinates the task store, the remote media service, and the
// orchestration core on behalf of the HTTP handlers.
type TaskService struct {
	store        store.TaskStore
	media        media.Service
	orchestrator *task.Orchestrator
	coordinator  *task.BatchCoordinator
	assembler    task.Assembler
	cfg          config.VideoConfig
	logger       *slog.Logger
}

// NewTaskService creates the service. assembler may be nil when ffmpeg is
// unavailable. Panics if any other dependency is nil.
func NewTaskService(
	taskStore store.TaskStore,
	mediaSvc media.Service,
	orchestrator *task.Orchestrator,
	coordinator *task.BatchCoordinator,
	assembler task.Assembler,
	cfg config.VideoConfig,
	logger *slog.Logger,
) *TaskService {
	if taskStore == nil {
		panic("taskStore cannot be nil")
	}
	if mediaSvc == nil {
		panic("mediaSvc cannot be nil")
	}
	if orchestrator == nil {
		panic("orchestrator cannot be nil")
	}
	if coordinator == nil {
		panic("coordinator cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{
		store:        taskStore,
		media:        mediaSvc,
		orchestrator: orchestrator,
		coordinator:  coordinator,
		assembler:    assembler,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "task_service")),
	}
}

// CreateTaskInput carries one upload request: the image content plus the
// generation parameters and optional batch tagging.
type CreateTaskInput struct {
	Image      io.Reader
	Params     task.Params
	BatchID    string
	BatchIndex int
	BatchSize  int
}

// Create stores the uploaded image, persists a new pending task, and hands it
// to the batch coordinator. Requests without a batch ID start processing
// immediately; batch-tagged requests wait for the rest of their group.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	imageRef, imagePath, err := s.saveUpload(in.Image)
	if err != nil {
		return nil, err
	}

	t := domain.NewTask(imageRef)
	t.PromptTemplate = in.Params.UserPrompt
	s.applyModels(t, in.Params)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("task created",
		slog.String("task_id", t.ID.String()),
		slog.String("image", imageRef),
		slog.String("batch_id", in.BatchID))

	// Detach from the request context so the pipeline outlives the HTTP call.
	s.coordinator.Submit(context.WithoutCancel(ctx), in.BatchID,
		task.Item{TaskID: t.ID, ImagePath: imagePath, Params: in.Params},
		in.BatchIndex, in.BatchSize)

	return t, nil
}

// Get returns the task with the given ID.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.store.GetByID(ctx, id)
}

// List returns all tasks, newest first.
func (s *TaskService) List(ctx context.Context) ([]*domain.Task, error) {
	return s.store.List(ctx)
}

// Delete removes the task record and then any of its files no surviving task
// still references. File removal failures are logged, not returned; the
// record deletion is the operation's contract.
func (s *TaskService) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.removeUnreferenced(ctx, id, t.ImageRef, s.cfg.UploadDir, s.store.CountOthersByImageRef)
	s.removeUnreferenced(ctx, id, t.VideoRef, s.cfg.OutputDir, s.store.CountOthersByVideoRef)
	return nil
}

// Regenerate creates a fresh task reusing the source task's image and
// dispatches it immediately. The new task records the source as its parent.
func (s *TaskService) Regenerate(ctx context.Context, id uuid.UUID, params task.Params) (*domain.Task, error) {
	parent, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.ImageRef == "" {
		return nil, fmt.Errorf("%w: source task has no image", store.ErrInvalidEntity)
	}

	// Reuse the parent's refined prompt unless the caller supplies one,
	// skipping a redundant describe/refine round trip.
	if params.Prompt == "" {
		params.Prompt = parent.Prompt
	}

	t := domain.NewTask(parent.ImageRef)
	t.ParentTaskID = &parent.ID
	t.PromptTemplate = params.UserPrompt
	s.applyModels(t, params)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("regeneration task created",
		slog.String("task_id", t.ID.String()),
		slog.String("parent_task_id", parent.ID.String()))

	s.orchestrator.Dispatch(context.WithoutCancel(ctx), []task.Item{
		{TaskID: t.ID, ImagePath: filepath.Join(s.cfg.UploadDir, parent.ImageRef), Params: params},
	})
	return t, nil
}

// RegenerateFromLastFrame extracts the final frame of the source task's video,
// stores it as a new reference image, and dispatches a fresh task from it.
func (s *TaskService) RegenerateFromLastFrame(ctx context.Context, id uuid.UUID, params task.Params) (*domain.Task, error) {
	parent, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.VideoRef == "" {
		return nil, ErrNoVideo
	}
	if s.assembler == nil || !s.assembler.Available() {
		return nil, fmt.Errorf("cannot extract frame: %w", errors.New("ffmpeg unavailable"))
	}

	videoPath := filepath.Join(s.cfg.OutputDir, parent.VideoRef)
	framePath, err := s.assembler.ExtractLastFrame(ctx, videoPath, s.cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to extract last frame: %w", err)
	}

	if params.Prompt == "" {
		params.Prompt = parent.Prompt
	}

	t := domain.NewTask(filepath.Base(framePath))
	t.ParentTaskID = &parent.ID
	t.PromptTemplate = params.UserPrompt
	s.applyModels(t, params)
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("last-frame regeneration task created",
		slog.String("task_id", t.ID.String()),
		slog.String("parent_task_id", parent.ID.String()),
		slog.String("frame", filepath.Base(framePath)))

	s.orchestrator.Dispatch(context.WithoutCancel(ctx), []task.Item{
		{TaskID: t.ID, ImagePath: framePath, Params: params},
	})
	return t, nil
}

// Merge creates a merge task over the given source tasks' videos, in the
// given order, and dispatches the merge run. Every source must have a video.
func (s *TaskService) Merge(ctx context.Context, ids []uuid.UUID) (*domain.Task, error) {
	if len(ids) < 2 {
		return nil, ErrNotEnoughVideos
	}

	paths := make([]string, 0, len(ids))
	prompts := make([]string, 0, len(ids))
	var imageRef string
	var model string
	for _, id := range ids {
		src, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if src.VideoRef == "" {
			return nil, fmt.Errorf("%w: task %s", ErrNoVideo, id)
		}
		paths = append(paths, filepath.Join(s.cfg.OutputDir, src.VideoRef))
		if src.Prompt != "" {
			prompts = append(prompts, src.Prompt)
		}
		if imageRef == "" {
			imageRef = src.ImageRef
		}
		if model == "" {
			model = src.Model
		}
	}

	t := domain.NewMergeTask(imageRef, model, fmt.Sprintf("merging %d videos", len(ids)))
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create merge task: %w", err)
	}

	s.logger.Info("merge task created",
		slog.String("task_id", t.ID.String()),
		slog.Int("sources", len(ids)))

	s.orchestrator.DispatchMerge(context.WithoutCancel(ctx), t.ID, paths, joinPrompts(prompts))
	return t, nil
}

// CheckResult is the outcome of a one-shot status check for a task.
type CheckResult struct {
	Task    *domain.Task `json:"task"`
	Updated bool         `json:"updated"`
	Message string       `json:"message"`
}

// CheckVideo polls a task's generation job once and, when the job has
// finished, downloads the video and completes the task. Unlike the pipeline's
// own polling loop this never times a task out: a still-pending job simply
// reports as such, and a failed download leaves the task waiting so a later
// check can retry.
func (s *TaskService) CheckVideo(ctx context.Context, id uuid.UUID, apiKey string) (*CheckResult, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.VideoRef != "" {
		return &CheckResult{Task: t, Message: "video already downloaded"}, nil
	}
	if t.JobID == "" {
		return nil, ErrNoJob
	}

	result, err := s.media.Poll(ctx, t.JobID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrStatusCheck, err)
	}

	switch result.State {
	case media.PollFailed:
		msg := fmt.Sprintf("generation failed: %s", result.Reason)
		if err := s.store.UpdateStatus(ctx, id, domain.TaskStatusFailed, msg); err != nil {
			return nil, err
		}
		return s.checkResult(ctx, id, true, msg)

	case media.PollDone:
		if err := s.store.UpdateStatus(ctx, id, domain.TaskStatusDownloadingVideo, "downloading video"); err != nil {
			return nil, err
		}
		path, err := s.media.Fetch(ctx, result.URL, s.cfg.OutputDir)
		if err != nil {
			// Leave the task recoverable; the remote job succeeded.
			if uerr := s.store.UpdateStatus(ctx, id, domain.TaskStatusWaitingForVideo,
				"download failed, retry with another check"); uerr != nil {
				s.logger.Warn("failed to restore task status after download error", slog.Any("error", uerr))
			}
			return nil, fmt.Errorf("%w: %v", media.ErrDownload, err)
		}
		if err := s.store.SetVideoRef(ctx, id, filepath.Base(path)); err != nil {
			return nil, err
		}
		if err := s.store.UpdateStatus(ctx, id, domain.TaskStatusCompleted, "video ready"); err != nil {
			return nil, err
		}
		return s.checkResult(ctx, id, true, "video downloaded")

	default:
		return s.checkResult(ctx, id, false, "video still generating")
	}
}

// CheckAllVideos runs CheckVideo over every task with a job in flight and no
// video yet. Per-task failures are recorded in the results, not returned.
func (s *TaskService) CheckAllVideos(ctx context.Context, apiKey string) ([]*CheckResult, error) {
	awaiting, err := s.store.ListAwaitingVideo(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*CheckResult, 0, len(awaiting))
	for _, t := range awaiting {
		res, err := s.CheckVideo(ctx, t.ID, apiKey)
		if err != nil {
			s.logger.Warn("video check failed",
				slog.String("task_id", t.ID.String()),
				slog.Any("error", err))
			results = append(results, &CheckResult{Task: t, Message: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// CheckAPIKey verifies a credential against the remote provider.
func (s *TaskService) CheckAPIKey(ctx context.Context, apiKey string) error {
	return s.media.CheckKey(ctx, apiKey)
}

func (s *TaskService) checkResult(ctx context.Context, id uuid.UUID, updated bool, msg string) (*CheckResult, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CheckResult{Task: t, Updated: updated, Message: msg}, nil
}

// applyModels records on the task which model serves each pipeline stage,
// falling back to the configured defaults for anything the caller left unset.
func (s *TaskService) applyModels(t *domain.Task, params task.Params) {
	p := s.orchestrator.WithDefaults(params)
	t.Model = p.Model
	t.VLMModel = p.VLMModel
	t.LLMModel = p.LLMModel
}

// saveUpload sniffs the upload's type and writes it into the upload
// directory under a fresh name. Returns the stored file name and full path.
func (s *TaskService) saveUpload(r io.Reader) (string, string, error) {
	if r == nil {
		return "", "", ErrNotAnImage
	}

	head := make([]byte, 261)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]

	kind, err := filetype.Match(head)
	if err != nil || !filetype.IsImage(head) {
		return "", "", ErrNotAnImage
	}

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	name := fmt.Sprintf("%s.%s", uuid.New().String(), kind.Extension)
	path := filepath.Join(s.cfg.UploadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(head); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("failed to store upload: %w", err)
	}
	return name, path, nil
}

// removeUnreferenced deletes a task's file when no other task references it.
func (s *TaskService) removeUnreferenced(
	ctx context.Context,
	excludeID uuid.UUID,
	ref, dir string,
	countOthers func(context.Context, string, uuid.UUID) (int, error),
) {
	if ref == "" {
		return
	}
	others, err := countOthers(ctx, ref, excludeID)
	if err != nil {
		s.logger.Warn("reference count failed, keeping file",
			slog.String("file", ref), slog.Any("error", err))
		return
	}
	if others > 0 {
		return
	}
	if err := os.Remove(filepath.Join(dir, ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove file", slog.String("file", ref), slog.Any("error", err))
	}
}

// joinPrompts combines source prompts into one merged-task prompt, bounded to
// a display-friendly length. The bound counts runes, not bytes, so multi-byte
// prompts are never cut mid-sequence.
func joinPrompts(prompts []string) string {
	joined := strings.Join(prompts, " | ")
	if utf8.RuneCountInString(joined) > mergedPromptLimit {
		joined = string([]rune(joined)[:mergedPromptLimit-3]) + "..."
	}
	return joined
}
