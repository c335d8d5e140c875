package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"reelforge/internal/config"
	"reelforge/internal/model"
	"reelforge/internal/resolver"
	"reelforge/internal/service"
)

type stubStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*model.Job
}

func newStubStore() *stubStore { return &stubStore{jobs: make(map[uuid.UUID]*model.Job)} }

func (s *stubStore) put(j model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := j
	s.jobs[j.ID] = &cp
}

func (s *stubStore) CreateJob(_ context.Context, id uuid.UUID, userID string, priority int32, payload json.RawMessage) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := model.Job{
		ID:        id,
		UserID:    userID,
		Status:    model.StatusPending,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.jobs[id] = &j
	return j, nil
}

func (s *stubStore) GetJob(_ context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return *j, nil
}

func (s *stubStore) ListJobs(_ context.Context, userID string, limit, offset int32) ([]model.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	return out, int64(len(out)), nil
}

func (s *stubStore) CountByStatus(_ context.Context) (map[model.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.Status]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *stubStore) RequestCancel(_ context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	if j.Status.Terminal() {
		return model.Job{}, model.ErrConflict
	}
	j.CancelRequested = true
	return *j, nil
}

func (s *stubStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *stubStore) CancelPending(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != model.StatusPending {
		return model.ErrConflict
	}
	j.Status = model.StatusCancelled
	return nil
}

type stubQueue struct {
	mu      sync.Mutex
	entries map[string]int32
}

func newStubQueue() *stubQueue { return &stubQueue{entries: make(map[string]int32)} }

func (q *stubQueue) Enqueue(_ context.Context, jobID string, priority int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[jobID] = priority
	return nil
}

func (q *stubQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, jobID)
	return nil
}

func (q *stubQueue) Depths(_ context.Context) (int64, int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), 0, 0, nil
}

func testServer(t *testing.T) (*fiber.App, *stubStore, *stubQueue) {
	t.Helper()
	st := newStubStore()
	q := newStubQueue()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(st, q, logger)
	res := resolver.NewWithGateway("/v1/videos", "https://media.example.com")
	srv := NewServer(&config.Config{}, svc, res, nil, nil, logger)
	return srv.App(), st, q
}

func doJSON(t *testing.T, app *fiber.App, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-Forwarded-User", user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitVideo(t *testing.T) {
	app, _, q := testServer(t)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/videos", "alice", SubmitVideoRequest{
		Script:   "a short script",
		Priority: 9,
	})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	body := decode[SubmitVideoResponse](t, resp)
	require.True(t, body.Success)
	require.NotNil(t, body.Job)
	require.Equal(t, "pending", body.Job.Status)
	require.Equal(t, int32(9), body.Job.Priority)
	require.Nil(t, body.Job.Result)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Contains(t, q.entries, body.Job.ID)
}

func TestSubmitVideo_ValidationFailed(t *testing.T) {
	app, st, _ := testServer(t)

	resp := doJSON(t, app, fiber.MethodPost, "/v1/videos", "alice", SubmitVideoRequest{})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body := decode[SubmitVideoResponse](t, resp)
	require.False(t, body.Success)
	require.Equal(t, "VALIDATION_FAILED", body.Code)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Empty(t, st.jobs, "rejected submission must create no job")
}

func TestSubmitVideo_MalformedBody(t *testing.T) {
	app, _, _ := testServer(t)

	req := httptest.NewRequest(fiber.MethodPost, "/v1/videos", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "alice")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUnauthenticated(t *testing.T) {
	app, _, _ := testServer(t)

	for _, path := range []string{"/v1/videos", "/v1/stats"} {
		resp := doJSON(t, app, fiber.MethodGet, path, "", nil)
		require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestVideoStatus(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{
		ID:       id,
		UserID:   "alice",
		Status:   model.StatusProcessing,
		Progress: 0.6,
		Stage:    "rendering",
	})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/status", "alice", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode[JobStatusResponse](t, resp)
	require.True(t, body.Success)
	require.Equal(t, "processing", body.Job.Status)
	require.Equal(t, 0.6, body.Job.Progress)
	require.Nil(t, body.Job.Result, "no resolved result before success")
}

func TestVideoStatus_SuccessIncludesResolvedResult(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{
		ID:       id,
		UserID:   "alice",
		Status:   model.StatusSuccess,
		Progress: 1.0,
		Result: &model.Result{
			VideoLocator:   "vault://videos/" + id.String() + ".mp4",
			PreviewLocator: "vault://previews/" + id.String() + ".jpg",
			Resolution:     "720p",
		},
	})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/status", "alice", nil)
	body := decode[JobStatusResponse](t, resp)
	require.NotNil(t, body.Job.Result)
	require.Equal(t, "/v1/videos/"+id.String()+"/download", body.Job.Result.DownloadPath)
	require.Equal(t, "/v1/videos/"+id.String()+"/preview", body.Job.Result.PreviewPath)
	require.NotContains(t, body.Job.Result.DownloadPath, "vault://")
}

// Status reads are side-effect free: back-to-back requests with no
// worker activity in between return byte-identical bodies.
func TestVideoStatus_ConsecutiveReadsIdentical(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{
		ID:       id,
		UserID:   "alice",
		Status:   model.StatusSuccess,
		Progress: 1.0,
		Result:   &model.Result{VideoLocator: "vault://videos/" + id.String() + ".mp4"},
	})

	read := func() string {
		resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/status", "alice", nil)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}

	require.Equal(t, read(), read())
}

func TestVideoStatus_NotFound(t *testing.T) {
	app, _, _ := testServer(t)

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+uuid.NewString()+"/status", "alice", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, app, fiber.MethodGet, "/v1/videos/not-a-uuid/status", "alice", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestVideoStatus_OtherUsersJobHidden(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{ID: id, UserID: "bob", Status: model.StatusPending})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/status", "alice", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCancelVideo(t *testing.T) {
	app, st, q := testServer(t)
	id := uuid.New()
	st.put(model.Job{ID: id, UserID: "alice", Status: model.StatusPending})
	require.NoError(t, q.Enqueue(context.Background(), id.String(), 0))

	resp := doJSON(t, app, fiber.MethodPost, "/v1/videos/"+id.String()+"/cancel", "alice", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode[CancelResponse](t, resp)
	require.True(t, body.Success)
	require.True(t, body.Accepted)

	st.mu.Lock()
	require.Equal(t, model.StatusCancelled, st.jobs[id].Status)
	st.mu.Unlock()
	q.mu.Lock()
	require.Empty(t, q.entries)
	q.mu.Unlock()
}

func TestCancelVideo_TerminalConflicts(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{ID: id, UserID: "alice", Status: model.StatusSuccess})

	resp := doJSON(t, app, fiber.MethodPost, "/v1/videos/"+id.String()+"/cancel", "alice", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	body := decode[CancelResponse](t, resp)
	require.Equal(t, "CONFLICT", body.Code)
}

func TestCancelVideo_NotFound(t *testing.T) {
	app, _, _ := testServer(t)
	resp := doJSON(t, app, fiber.MethodPost, "/v1/videos/"+uuid.NewString()+"/cancel", "alice", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestListVideos(t *testing.T) {
	app, st, _ := testServer(t)
	st.put(model.Job{ID: uuid.New(), UserID: "alice", Status: model.StatusPending})
	st.put(model.Job{ID: uuid.New(), UserID: "alice", Status: model.StatusSuccess})
	st.put(model.Job{ID: uuid.New(), UserID: "bob", Status: model.StatusPending})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos", "alice", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode[ListVideosResponse](t, resp)
	require.True(t, body.Success)
	require.Equal(t, int64(2), body.Total)
	require.Len(t, body.Jobs, 2)
}

func TestListVideos_BadPaging(t *testing.T) {
	app, _, _ := testServer(t)
	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos?page=0", "alice", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestDownloadRedirect(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{
		ID:     id,
		UserID: "alice",
		Status: model.StatusSuccess,
		Result: &model.Result{VideoLocator: "vault://videos/" + id.String() + ".mp4"},
	})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/download", "alice", nil)
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	require.Equal(t,
		"https://media.example.com/videos/"+id.String()+".mp4",
		resp.Header.Get("Location"))
}

func TestDownload_NotReady(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{ID: id, UserID: "alice", Status: model.StatusProcessing})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/download", "alice", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestPreview_MissingArtifact(t *testing.T) {
	app, st, _ := testServer(t)
	id := uuid.New()
	st.put(model.Job{
		ID:     id,
		UserID: "alice",
		Status: model.StatusSuccess,
		Result: &model.Result{VideoLocator: "vault://videos/x.mp4"},
	})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/videos/"+id.String()+"/preview", "alice", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	app, st, _ := testServer(t)
	st.put(model.Job{ID: uuid.New(), UserID: "alice", Status: model.StatusPending})
	st.put(model.Job{ID: uuid.New(), UserID: "alice", Status: model.StatusSuccess})

	resp := doJSON(t, app, fiber.MethodGet, "/v1/stats", "alice", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body := decode[StatsResponse](t, resp)
	require.True(t, body.Success)
	require.Equal(t, int64(1), body.Counts["pending"])
	require.Equal(t, int64(1), body.Counts["success"])
}

func TestHealthz(t *testing.T) {
	app, _, _ := testServer(t)
	resp := doJSON(t, app, fiber.MethodGet, "/healthz", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app, _, _ := testServer(t)
	resp := doJSON(t, app, fiber.MethodGet, "/metrics", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), "reelforge_")
}
