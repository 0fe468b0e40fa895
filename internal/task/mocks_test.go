package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/store"
)

// memTaskStore is an in-memory TaskStore for orchestrator tests. All
// mutations are recorded so tests can assert on transition history.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task

	// transitions records every UpdateStatus call as "status:message".
	transitions map[uuid.UUID][]string
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{
		tasks:       make(map[uuid.UUID]*domain.Task),
		transitions: make(map[uuid.UUID][]string),
	}
}

func (s *memTaskStore) add(t *domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *memTaskStore) get(id uuid.UUID) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.tasks[id]
}

func (s *memTaskStore) history(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transitions[id]...)
}

func (s *memTaskStore) Create(ctx context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	s.add(t)
	return nil
}

func (s *memTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memTaskStore) List(ctx context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memTaskStore) ListAwaitingVideo(ctx context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		awaiting := t.Status == domain.TaskStatusWaitingForVideo ||
			t.Status == domain.TaskStatusGeneratingVideo
		if awaiting && t.JobID != "" && t.VideoRef == "" {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Status = status
	t.Message = message
	s.transitions[id] = append(s.transitions[id], fmt.Sprintf("%s:%s", status, message))
	return nil
}

func (s *memTaskStore) SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	return s.setField(id, func(t *domain.Task) { t.Prompt = prompt })
}

func (s *memTaskStore) SetModel(ctx context.Context, id uuid.UUID, model string) error {
	return s.setField(id, func(t *domain.Task) { t.Model = model })
}

func (s *memTaskStore) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	return s.setField(id, func(t *domain.Task) { t.JobID = jobID })
}

func (s *memTaskStore) SetVideoRef(ctx context.Context, id uuid.UUID, videoRef string) error {
	return s.setField(id, func(t *domain.Task) { t.VideoRef = videoRef })
}

func (s *memTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memTaskStore) CountOthersByImageRef(ctx context.Context, imageRef string, excludeID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, t := range s.tasks {
		if id != excludeID && t.ImageRef == imageRef {
			count++
		}
	}
	return count, nil
}

func (s *memTaskStore) CountOthersByVideoRef(ctx context.Context, videoRef string, excludeID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, t := range s.tasks {
		if id != excludeID && t.VideoRef == videoRef {
			count++
		}
	}
	return count, nil
}

func (s *memTaskStore) setField(id uuid.UUID, apply func(*domain.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	apply(t)
	return nil
}

var _ store.TaskStore = (*memTaskStore)(nil)

// mockMediaService implements media.Service with injectable behavior and
// call counters.
type mockMediaService struct {
	mu sync.Mutex

	DescribeFn func(ctx context.Context, imagePath, model, apiKey string) (string, error)
	RefineFn   func(ctx context.Context, description, model, template, apiKey string) (string, error)
	SubmitFn   func(ctx context.Context, req media.SubmitRequest) (string, error)
	PollFn     func(ctx context.Context, jobID, apiKey string) (media.PollResult, error)
	FetchFn    func(ctx context.Context, url, outputDir string) (string, error)
	CheckKeyFn func(ctx context.Context, apiKey string) error

	describeCalls int
	refineCalls   int
	submitCalls   int
	pollCalls     int
	fetchCalls    int
}

func (m *mockMediaService) Describe(ctx context.Context, imagePath, model, apiKey string) (string, error) {
	m.count(&m.describeCalls)
	if m.DescribeFn != nil {
		return m.DescribeFn(ctx, imagePath, model, apiKey)
	}
	return "a description", nil
}

func (m *mockMediaService) Refine(ctx context.Context, description, model, template, apiKey string) (string, error) {
	m.count(&m.refineCalls)
	if m.RefineFn != nil {
		return m.RefineFn(ctx, description, model, template, apiKey)
	}
	return "a refined prompt", nil
}

func (m *mockMediaService) Submit(ctx context.Context, req media.SubmitRequest) (string, error) {
	m.count(&m.submitCalls)
	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, req)
	}
	return fmt.Sprintf("job-%d", m.calls(&m.submitCalls)), nil
}

func (m *mockMediaService) Poll(ctx context.Context, jobID, apiKey string) (media.PollResult, error) {
	m.count(&m.pollCalls)
	if m.PollFn != nil {
		return m.PollFn(ctx, jobID, apiKey)
	}
	return media.PollResult{State: media.PollDone, URL: "https://example.com/" + jobID + ".mp4"}, nil
}

func (m *mockMediaService) Fetch(ctx context.Context, url, outputDir string) (string, error) {
	m.count(&m.fetchCalls)
	if m.FetchFn != nil {
		return m.FetchFn(ctx, url, outputDir)
	}
	return outputDir + "/video_" + uuid.New().String() + ".mp4", nil
}

func (m *mockMediaService) CheckKey(ctx context.Context, apiKey string) error {
	if m.CheckKeyFn != nil {
		return m.CheckKeyFn(ctx, apiKey)
	}
	return nil
}

func (m *mockMediaService) count(field *int) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *mockMediaService) calls(field *int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *field
}

var _ media.Service = (*mockMediaService)(nil)

// mockAssembler implements the Assembler interface for extension and merge
// tests.
type mockAssembler struct {
	available        bool
	ConcatFn         func(ctx context.Context, paths []string, outputDir string) (string, error)
	ExtractFrameFn   func(ctx context.Context, videoPath, outputDir string) (string, error)
	concatCalls      int
	extractFrameCall int
}

func (a *mockAssembler) Available() bool { return a.available }

func (a *mockAssembler) Concat(ctx context.Context, paths []string, outputDir string) (string, error) {
	a.concatCalls++
	if a.ConcatFn != nil {
		return a.ConcatFn(ctx, paths, outputDir)
	}
	return outputDir + "/merged_1.mp4", nil
}

func (a *mockAssembler) ExtractLastFrame(ctx context.Context, videoPath, outputDir string) (string, error) {
	a.extractFrameCall++
	if a.ExtractFrameFn != nil {
		return a.ExtractFrameFn(ctx, videoPath, outputDir)
	}
	return outputDir + "/last_frame_abc.jpg", nil
}

var _ Assembler = (*mockAssembler)(nil)
