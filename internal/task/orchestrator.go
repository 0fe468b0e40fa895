package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/store"
)

// Assembler is the subset of local video tooling the orchestrator needs.
// *video.Assembler satisfies it.
type Assembler interface {
	// Available reports whether the underlying tool was found at startup.
	Available() bool

	// Concat joins the videos at paths, in order, into one file in outputDir.
	Concat(ctx context.Context, paths []string, outputDir string) (string, error)

	// ExtractLastFrame writes the final frame of the video as an image file in
	// outputDir and returns its path.
	ExtractLastFrame(ctx context.Context, videoPath, outputDir string) (string, error)
}

// Config carries the orchestrator's slice of the application configuration:
// model defaults, file locations, and the retry bounds for polling and
// download.
type Config struct {
	SiliconFlow config.SiliconFlowConfig
	Video       config.VideoConfig
	Pipeline    config.PipelineConfig
	Prompts     config.PromptsConfig
}

// Orchestrator drives tasks from pending through generation to a terminal
// state. It owns no goroutine pool; Dispatch spawns one worker per run and
// the run spawns one goroutine per in-flight remote job.
type Orchestrator struct {
	store     store.TaskStore
	media     media.Service
	assembler Assembler
	cfg       Config
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator backed by the given store and
// remote media service. The assembler may be nil when local video tooling is
// unavailable; extension and merge runs then degrade as documented.
// Panics if store or media is nil.
func NewOrchestrator(taskStore store.TaskStore, mediaSvc media.Service, assembler Assembler, cfg Config, logger *slog.Logger) *Orchestrator {
	if taskStore == nil {
		panic("taskStore cannot be nil")
	}
	if mediaSvc == nil {
		panic("mediaSvc cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     taskStore,
		media:     mediaSvc,
		assembler: assembler,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
	}
}

// Dispatch launches a pipeline run for items on a background worker. A panic
// in the run fails the affected tasks and never takes down the process.
func (o *Orchestrator) Dispatch(ctx context.Context, items []Item) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("pipeline run panicked", slog.Any("panic", r))
				for _, it := range items {
					o.failTask(ctx, it.TaskID, fmt.Sprintf("internal error: %v", r))
				}
			}
		}()
		o.Run(ctx, items)
	}()
}

// DispatchMerge launches a merge run on a background worker.
func (o *Orchestrator) DispatchMerge(ctx context.Context, mergeTaskID uuid.UUID, videoPaths []string, mergedPrompt string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("merge run panicked", slog.Any("panic", r))
				o.failTask(ctx, mergeTaskID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		o.RunMerge(ctx, mergeTaskID, videoPaths, mergedPrompt)
	}()
}

// Wait blocks until all dispatched runs have finished. Used during shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// pendingJob is a task whose remote generation job has been accepted and now
// needs polling, download, and possibly extension.
type pendingJob struct {
	taskID uuid.UUID
	jobID  string
	prompt string
	params Params
}

// Run executes one orchestration pass over items: group by image, compute one
// prompt per distinct image, submit each task's generation job in order, then
// await every accepted job concurrently. Failures are confined to the tasks
// they affect; sibling tasks keep going. Run returns only when every task has
// reached a terminal state.
func (o *Orchestrator) Run(ctx context.Context, items []Item) {
	for _, it := range items {
		o.setStatus(ctx, it.TaskID, domain.TaskStatusProcessingImage, "analyzing image")
	}

	groups, order := o.groupByImage(ctx, items)
	cache := NewImageDedupCache()

	var jobs []pendingJob
	for _, path := range order {
		group := groups[path]

		prompt, ok := o.resolvePrompt(ctx, cache, path, group)
		if !ok {
			continue
		}

		for _, it := range group {
			job, ok := o.submitTask(ctx, it, path, prompt)
			if !ok {
				continue
			}
			jobs = append(jobs, job)
		}
	}

	var inflight sync.WaitGroup
	for _, job := range jobs {
		inflight.Add(1)
		go func(j pendingJob) {
			defer inflight.Done()
			o.awaitAndFinish(ctx, j)
		}(job)
	}
	inflight.Wait()
}

// RunMerge concatenates the given videos into one file and finalizes the
// merge task with the combined prompt.
func (o *Orchestrator) RunMerge(ctx context.Context, mergeTaskID uuid.UUID, videoPaths []string, mergedPrompt string) {
	log := o.logger.With(slog.String("task_id", mergeTaskID.String()))

	if o.assembler == nil || !o.assembler.Available() {
		o.failTask(ctx, mergeTaskID, "merge failed: ffmpeg unavailable")
		return
	}

	o.setStatus(ctx, mergeTaskID, domain.TaskStatusMergingVideos, fmt.Sprintf("merging %d videos", len(videoPaths)))

	mergedPath, err := o.assembler.Concat(ctx, videoPaths, o.cfg.Video.OutputDir)
	if err != nil {
		log.Error("video merge failed", slog.Any("error", err))
		o.failTask(ctx, mergeTaskID, fmt.Sprintf("merge failed: %v", err))
		return
	}

	if err := o.store.SetVideoRef(ctx, mergeTaskID, filepath.Base(mergedPath)); err != nil {
		log.Error("failed to store merged video ref", slog.Any("error", err))
		o.failTask(ctx, mergeTaskID, fmt.Sprintf("merge failed: %v", err))
		return
	}
	if err := o.store.SetPrompt(ctx, mergeTaskID, mergedPrompt); err != nil {
		log.Warn("failed to store merged prompt", slog.Any("error", err))
	}
	o.setStatus(ctx, mergeTaskID, domain.TaskStatusCompleted, "videos merged")
	log.Info("merge run completed", slog.String("video", filepath.Base(mergedPath)))
}

// groupByImage resolves each item's image path and groups items sharing one.
// Order preserves first appearance so submission order matches arrival order.
// Items whose path cannot be resolved are failed here and excluded.
func (o *Orchestrator) groupByImage(ctx context.Context, items []Item) (map[string][]Item, []string) {
	groups := make(map[string][]Item)
	var order []string
	for _, it := range items {
		path := it.ImagePath
		if path == "" {
			t, err := o.store.GetByID(ctx, it.TaskID)
			if err != nil {
				o.failTask(ctx, it.TaskID, fmt.Sprintf("image processing failed: %v", err))
				continue
			}
			if t.ImageRef == "" {
				o.failTask(ctx, it.TaskID, "image processing failed: task has no image")
				continue
			}
			path = filepath.Join(o.cfg.Video.UploadDir, t.ImageRef)
		}
		if _, seen := groups[path]; !seen {
			order = append(order, path)
		}
		groups[path] = append(groups[path], it)
	}
	return groups, order
}

// resolvePrompt produces the generation prompt for one image group. A
// caller-provided prompt on any member short-circuits the describe/refine
// round trip for the whole group. On failure every task in the group is
// failed and ok is false.
func (o *Orchestrator) resolvePrompt(ctx context.Context, cache *ImageDedupCache, imagePath string, group []Item) (string, bool) {
	for _, it := range group {
		if it.Params.Prompt != "" {
			return it.Params.Prompt, true
		}
	}

	p := o.WithDefaults(group[0].Params)
	entry, err := cache.GetOrCompute(imagePath, func() (DedupEntry, error) {
		description, err := o.media.Describe(ctx, imagePath, p.VLMModel, p.APIKey)
		if err != nil {
			return DedupEntry{}, fmt.Errorf("%w: %v", media.ErrImageProcessing, err)
		}
		template := o.cfg.Prompts.FullTemplate(p.UserPrompt)
		prompt, err := o.media.Refine(ctx, description, p.LLMModel, template, p.APIKey)
		if err != nil {
			return DedupEntry{}, fmt.Errorf("%w: %v", media.ErrPromptRefinement, err)
		}
		return DedupEntry{Description: description, Prompt: prompt}, nil
	})
	if err != nil {
		msg := fmt.Sprintf("image processing failed: %v", err)
		if errors.Is(err, media.ErrPromptRefinement) {
			msg = fmt.Sprintf("prompt refinement failed: %v", err)
		}
		o.logger.Error("prompt computation failed",
			slog.String("image", filepath.Base(imagePath)),
			slog.Int("group_size", len(group)),
			slog.Any("error", err))
		for _, it := range group {
			o.failTask(ctx, it.TaskID, msg)
		}
		return "", false
	}
	return entry.Prompt, true
}

// submitTask records the prompt and model on the task and submits its
// generation job. On failure the task is failed and ok is false; siblings are
// unaffected.
func (o *Orchestrator) submitTask(ctx context.Context, it Item, imagePath, prompt string) (pendingJob, bool) {
	p := o.WithDefaults(it.Params)

	o.setStatus(ctx, it.TaskID, domain.TaskStatusRefiningPrompt, "prompt ready")
	if err := o.store.SetPrompt(ctx, it.TaskID, prompt); err != nil {
		o.failTask(ctx, it.TaskID, fmt.Sprintf("submission failed: %v", err))
		return pendingJob{}, false
	}
	if err := o.store.SetModel(ctx, it.TaskID, p.Model); err != nil {
		o.failTask(ctx, it.TaskID, fmt.Sprintf("submission failed: %v", err))
		return pendingJob{}, false
	}
	o.setStatus(ctx, it.TaskID, domain.TaskStatusGeneratingVideo, "submitting generation job")

	jobID, err := o.media.Submit(ctx, media.SubmitRequest{
		ImagePath:      imagePath,
		Prompt:         prompt,
		Model:          p.Model,
		NegativePrompt: p.NegativePrompt,
		Size:           p.Size,
		Seed:           p.Seed,
		APIKey:         p.APIKey,
	})
	if err != nil {
		o.failTask(ctx, it.TaskID, fmt.Sprintf("submission failed: %v", err))
		return pendingJob{}, false
	}
	if jobID == "" {
		o.failTask(ctx, it.TaskID, "submission failed: empty job id")
		return pendingJob{}, false
	}

	if err := o.store.SetJobID(ctx, it.TaskID, jobID); err != nil {
		o.failTask(ctx, it.TaskID, fmt.Sprintf("submission failed: %v", err))
		return pendingJob{}, false
	}
	o.setStatus(ctx, it.TaskID, domain.TaskStatusWaitingForVideo, "waiting for video generation")

	return pendingJob{taskID: it.TaskID, jobID: jobID, prompt: prompt, params: p}, true
}

// awaitAndFinish carries one accepted job through polling, download, and the
// optional extension step to a terminal state.
func (o *Orchestrator) awaitAndFinish(ctx context.Context, j pendingJob) {
	log := o.logger.With(slog.String("task_id", j.taskID.String()), slog.String("job_id", j.jobID))

	result, err := o.pollJob(ctx, j.jobID, j.params.APIKey)
	if err != nil {
		log.Error("generation job did not succeed", slog.Any("error", err))
		o.failTask(ctx, j.taskID, err.Error())
		return
	}

	o.setStatus(ctx, j.taskID, domain.TaskStatusDownloadingVideo, "downloading video")
	videoPath, err := o.downloadVideo(ctx, result.URL, func(attempt int) {
		o.setStatus(ctx, j.taskID, domain.TaskStatusDownloadingVideo,
			fmt.Sprintf("downloading video (attempt %d/%d)", attempt, o.cfg.Pipeline.DownloadAttempts))
	})
	if err != nil {
		log.Error("video download failed", slog.Any("error", err))
		o.failTask(ctx, j.taskID, fmt.Sprintf("download failed: %v", err))
		return
	}

	if err := o.store.SetVideoRef(ctx, j.taskID, filepath.Base(videoPath)); err != nil {
		log.Error("failed to store video ref", slog.Any("error", err))
		o.failTask(ctx, j.taskID, fmt.Sprintf("download failed: %v", err))
		return
	}

	if !j.params.Extend {
		o.setStatus(ctx, j.taskID, domain.TaskStatusCompleted, "video ready")
		log.Info("task completed", slog.String("video", filepath.Base(videoPath)))
		return
	}

	o.extendVideo(ctx, j, videoPath, log)
}

// extendVideo generates a follow-on segment from the last frame of the
// primary video. Extension failure never discards the primary result: the
// task ends completed_with_warning and keeps its video ref.
func (o *Orchestrator) extendVideo(ctx context.Context, j pendingJob, primaryPath string, log *slog.Logger) {
	warn := func(msg string, err error) {
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		log.Warn("extension did not complete", slog.String("reason", msg))
		o.setStatus(ctx, j.taskID, domain.TaskStatusCompletedWithWarning, msg)
	}

	if j.prompt == "" {
		warn("extension skipped: no generation prompt available", nil)
		return
	}
	if o.assembler == nil || !o.assembler.Available() {
		warn("extension skipped: ffmpeg unavailable", nil)
		return
	}

	o.setStatus(ctx, j.taskID, domain.TaskStatusExtendingVideo, "extending video from last frame")

	framePath, err := o.assembler.ExtractLastFrame(ctx, primaryPath, o.cfg.Video.OutputDir)
	if err != nil {
		warn("extension failed: frame extraction", err)
		return
	}

	jobID, err := o.media.Submit(ctx, media.SubmitRequest{
		ImagePath:      framePath,
		Prompt:         j.prompt,
		Model:          j.params.Model,
		NegativePrompt: j.params.NegativePrompt,
		Size:           j.params.Size,
		Seed:           j.params.Seed,
		APIKey:         j.params.APIKey,
	})
	if err != nil {
		warn("extension failed: submission", err)
		return
	}
	if jobID == "" {
		warn("extension failed: submission returned empty job id", nil)
		return
	}

	result, err := o.pollJob(ctx, jobID, j.params.APIKey)
	if err != nil {
		warn("extension failed", err)
		return
	}

	extPath, err := o.downloadVideo(ctx, result.URL, func(attempt int) {
		o.setStatus(ctx, j.taskID, domain.TaskStatusExtendingVideo,
			fmt.Sprintf("downloading extended video (attempt %d/%d)", attempt, o.cfg.Pipeline.DownloadAttempts))
	})
	if err != nil {
		warn("extension failed: download", err)
		return
	}

	if err := o.store.SetVideoRef(ctx, j.taskID, filepath.Base(extPath)); err != nil {
		warn("extension failed: store video ref", err)
		return
	}
	o.setStatus(ctx, j.taskID, domain.TaskStatusCompleted, "video ready (extended)")
	log.Info("task completed with extension", slog.String("video", filepath.Base(extPath)))
}

// pollJob checks a remote job's status up to the configured attempt count
// with a fixed pause between checks. It returns the done result, or an error
// already phrased as the task failure message.
func (o *Orchestrator) pollJob(ctx context.Context, jobID, apiKey string) (media.PollResult, error) {
	attempts := o.cfg.Pipeline.PollAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := o.media.Poll(ctx, jobID, apiKey)
		if err != nil {
			return media.PollResult{}, fmt.Errorf("%w: %v", media.ErrStatusCheck, err)
		}
		switch result.State {
		case media.PollDone:
			return result, nil
		case media.PollFailed:
			return media.PollResult{}, fmt.Errorf("generation failed: %s", result.Reason)
		}
		if attempt < attempts {
			if err := sleep(ctx, o.cfg.Pipeline.PollInterval); err != nil {
				return media.PollResult{}, fmt.Errorf("%w: %v", media.ErrStatusCheck, err)
			}
		}
	}
	return media.PollResult{}, media.ErrStatusCheckTimeout
}

// downloadVideo fetches the video with bounded fixed-interval retries.
// announce, when non-nil, is invoked with the attempt number before each try
// so the task's progress message can reflect it.
func (o *Orchestrator) downloadVideo(ctx context.Context, url string, announce func(attempt int)) (string, error) {
	attempts := o.cfg.Pipeline.DownloadAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if announce != nil && attempt > 1 {
			announce(attempt)
		}
		path, err := o.media.Fetch(ctx, url, o.cfg.Video.OutputDir)
		if err == nil {
			return path, nil
		}
		lastErr = err
		o.logger.Warn("video download attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err))
		if attempt < attempts {
			if err := sleep(ctx, o.cfg.Pipeline.DownloadInterval); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

// WithDefaults fills every zero optional field of p from the system defaults.
func (o *Orchestrator) WithDefaults(p Params) Params {
	if p.Model == "" {
		p.Model = o.cfg.SiliconFlow.I2VModel
	}
	if p.VLMModel == "" {
		p.VLMModel = o.cfg.SiliconFlow.VLMModel
	}
	if p.LLMModel == "" {
		p.LLMModel = o.cfg.SiliconFlow.LLMModel
	}
	if p.NegativePrompt == "" {
		p.NegativePrompt = o.cfg.Video.NegativePrompt
	}
	if p.Size == "" {
		p.Size = o.cfg.Video.Size
	}
	return p
}

// setStatus persists a status transition; persistence errors are logged and
// swallowed because the pipeline itself must keep going.
func (o *Orchestrator) setStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, message string) {
	if err := o.store.UpdateStatus(ctx, id, status, message); err != nil {
		o.logger.Error("failed to persist status transition",
			slog.String("task_id", id.String()),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) failTask(ctx context.Context, id uuid.UUID, message string) {
	o.setStatus(ctx, id, domain.TaskStatusFailed, message)
}

// sleep pauses for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
