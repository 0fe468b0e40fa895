package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanch007/siliconflow-i2v/internal/api"
	"github.com/vanch007/siliconflow-i2v/internal/config"
	"github.com/vanch007/siliconflow-i2v/internal/domain"
	"github.com/vanch007/siliconflow-i2v/internal/media"
	"github.com/vanch007/siliconflow-i2v/internal/service"
	"github.com/vanch007/siliconflow-i2v/internal/store"
	"github.com/vanch007/siliconflow-i2v/internal/task"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// fakeStore is a minimal in-memory TaskStore for handler tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (s *fakeStore) Create(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ListAwaitingVideo(ctx context.Context) ([]*domain.Task, error) {
	return nil, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.TaskStatus, message string) error {
	return s.update(id, func(t *domain.Task) { t.Status = status; t.Message = message })
}

func (s *fakeStore) SetPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	return s.update(id, func(t *domain.Task) { t.Prompt = prompt })
}

func (s *fakeStore) SetModel(ctx context.Context, id uuid.UUID, model string) error {
	return s.update(id, func(t *domain.Task) { t.Model = model })
}

func (s *fakeStore) SetJobID(ctx context.Context, id uuid.UUID, jobID string) error {
	return s.update(id, func(t *domain.Task) { t.JobID = jobID })
}

func (s *fakeStore) SetVideoRef(ctx context.Context, id uuid.UUID, videoRef string) error {
	return s.update(id, func(t *domain.Task) { t.VideoRef = videoRef })
}

func (s *fakeStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) CountOthersByImageRef(ctx context.Context, imageRef string, excludeID uuid.UUID) (int, error) {
	return 1, nil // keep files; handler tests do not exercise cleanup
}

func (s *fakeStore) CountOthersByVideoRef(ctx context.Context, videoRef string, excludeID uuid.UUID) (int, error) {
	return 1, nil
}

func (s *fakeStore) update(id uuid.UUID, apply func(*domain.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	apply(t)
	return nil
}

var _ store.TaskStore = (*fakeStore)(nil)

// fakeMedia succeeds on every call.
type fakeMedia struct {
	CheckKeyFn func(ctx context.Context, apiKey string) error
}

func (m *fakeMedia) Describe(ctx context.Context, imagePath, model, apiKey string) (string, error) {
	return "a description", nil
}

func (m *fakeMedia) Refine(ctx context.Context, description, model, template, apiKey string) (string, error) {
	return "a prompt", nil
}

func (m *fakeMedia) Submit(ctx context.Context, req media.SubmitRequest) (string, error) {
	return "job-1", nil
}

func (m *fakeMedia) Poll(ctx context.Context, jobID, apiKey string) (media.PollResult, error) {
	return media.PollResult{State: media.PollDone, URL: "https://cdn.example.com/v.mp4"}, nil
}

func (m *fakeMedia) Fetch(ctx context.Context, url, outputDir string) (string, error) {
	return outputDir + "/video_test.mp4", nil
}

func (m *fakeMedia) CheckKey(ctx context.Context, apiKey string) error {
	if m.CheckKeyFn != nil {
		return m.CheckKeyFn(ctx, apiKey)
	}
	return nil
}

var _ media.Service = (*fakeMedia)(nil)

type handlerEnv struct {
	router       http.Handler
	store        *fakeStore
	media        *fakeMedia
	orchestrator *task.Orchestrator
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	s := newFakeStore()
	m := &fakeMedia{}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	videoCfg := config.VideoConfig{
		Size:      "720x1280",
		UploadDir: t.TempDir(),
		OutputDir: t.TempDir(),
	}

	orch := task.NewOrchestrator(s, m, nil, task.Config{
		SiliconFlow: config.SiliconFlowConfig{I2VModel: "default-i2v", VLMModel: "vlm", LLMModel: "llm"},
		Video:       videoCfg,
		Pipeline:    config.PipelineConfig{PollAttempts: 1, DownloadAttempts: 1},
	}, discard)
	coordinator := task.NewBatchCoordinator(orch)
	svc := service.NewTaskService(s, m, orch, coordinator, nil, videoCfg, discard)

	handler := api.NewTaskHandler(svc, discard)
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/check_api_key", handler.CheckAPIKey)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", handler.Create)
			r.Get("/", handler.List)
			r.Post("/check_all", handler.CheckAllVideos)
			r.Post("/merge", handler.Merge)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.Get)
				r.Delete("/", handler.Delete)
				r.Post("/check", handler.CheckVideo)
				r.Post("/regenerate", handler.Regenerate)
			})
		})
	})

	return &handlerEnv{router: r, store: s, media: m, orchestrator: orch}
}

// multipartUpload builds a task-creation request body with an image part and
// the given extra form fields.
func multipartUpload(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "upload.png")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestCreateTask(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	body, contentType := multipartUpload(t, append(pngHeader, []byte("data")...), map[string]string{
		"prompt": "a preset prompt",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		ImageRef string `json:"image_ref"`
		ImageURL string `json:"image_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.True(t, strings.HasSuffix(resp.ImageRef, ".png"))
	assert.Equal(t, "/uploads/"+resp.ImageRef, resp.ImageURL)

	env.orchestrator.Wait()
	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	got, err := env.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, "a preset prompt", got.Prompt)
}

func TestCreateTask_MissingImage(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("prompt", "no image here"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask_RejectsNonImage(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	body, contentType := multipartUpload(t, []byte("plain text"), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask_InvalidBatchFields(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	body, contentType := multipartUpload(t, pngHeader, map[string]string{
		"batch_id":    "batch-1",
		"batch_index": "2",
		"batch_size":  "2", // index out of range
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	tk := domain.NewTask("image.png")
	tk.VideoRef = "v.mp4"
	require.NoError(t, env.store.Create(context.Background(), tk))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+tk.ID.String(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ID       string `json:"id"`
		VideoURL string `json:"video_url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, tk.ID.String(), resp.ID)
	assert.Equal(t, "/videos/v.mp4", resp.VideoURL)
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTask_InvalidID(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	require.NoError(t, env.store.Create(context.Background(), domain.NewTask("a.png")))
	require.NoError(t, env.store.Create(context.Background(), domain.NewTask("b.png")))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestDeleteTask(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	tk := domain.NewTask("image.png")
	require.NoError(t, env.store.Create(context.Background(), tk))

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/"+tk.ID.String(), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := env.store.GetByID(context.Background(), tk.ID)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestRegenerateTask(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	parent := domain.NewTask("image.png")
	require.NoError(t, env.store.Create(context.Background(), parent))

	payload := `{"model":"custom-model","extend":false}`
	req := httptest.NewRequest(http.MethodPost,
		"/api/tasks/"+parent.ID.String()+"/regenerate", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		ID           string `json:"id"`
		ParentTaskID string `json:"parent_task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, parent.ID.String(), resp.ParentTaskID)

	env.orchestrator.Wait()
	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	got, err := env.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", got.Model)
}

func TestCheckVideoEndpoint(t *testing.T) {
	t.Parallel()

	env := newHandlerEnv(t)
	tk := domain.NewTask("image.png")
	tk.Status = domain.TaskStatusWaitingForVideo
	tk.JobID = "job-1"
	require.NoError(t, env.store.Create(context.Background(), tk))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/"+tk.ID.String()+"/check", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Updated bool `json:"updated"`
		Task    struct {
			Status string `json:"status"`
		} `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Updated)
	assert.Equal(t, "completed", resp.Task.Status)
}

func TestMergeEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("rejects fewer than two IDs", func(t *testing.T) {
		t.Parallel()
		env := newHandlerEnv(t)
		payload := `{"task_ids":["` + uuid.NewString() + `"]}`
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/merge", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects malformed ID", func(t *testing.T) {
		t.Parallel()
		env := newHandlerEnv(t)
		payload := `{"task_ids":["not-a-uuid","also-bad"]}`
		req := httptest.NewRequest(http.MethodPost, "/api/tasks/merge", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCheckAPIKeyEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("valid key", func(t *testing.T) {
		t.Parallel()
		env := newHandlerEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/api/check_api_key",
			strings.NewReader(`{"api_key":"sk-good"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Valid bool `json:"valid"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
	})

	t.Run("invalid key", func(t *testing.T) {
		t.Parallel()
		env := newHandlerEnv(t)
		env.media.CheckKeyFn = func(ctx context.Context, apiKey string) error {
			return media.ErrInvalidCredential
		}
		req := httptest.NewRequest(http.MethodPost, "/api/check_api_key",
			strings.NewReader(`{"api_key":"sk-bad"}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Valid bool `json:"valid"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
	})

	t.Run("missing key", func(t *testing.T) {
		t.Parallel()
		env := newHandlerEnv(t)
		req := httptest.NewRequest(http.MethodPost, "/api/check_api_key", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
