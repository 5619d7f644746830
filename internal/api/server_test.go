package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"audio-render-pipeline/internal/config"
	"audio-render-pipeline/internal/models"
	"audio-render-pipeline/internal/store"
)

type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]models.Job)}
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	priority := p.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	job := models.Job{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Payload:    p.Payload,
		Status:     models.StatusPending,
		Priority:   priority,
		Stage:      models.StagePreparing,
		MaxRetries: p.MaxRetries,
		CreatedAt:  time.Now(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) CancelJob(_ context.Context, id, _ string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	if models.IsTerminal(job.Status) {
		return models.Job{}, store.ErrInvalidState
	}
	job.Status = models.StatusCancelled
	f.jobs[id] = job
	return job, nil
}

func (f *fakeStore) ListJobs(_ context.Context, _ store.ListFilter, _ string, _ int) ([]models.Job, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, "", nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, jobID)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, jobID)
	return nil
}

func (q *fakeQueue) DLQPeek(context.Context, int64) ([]string, error) {
	return []string{}, nil
}

func testServer(st *fakeStore, q *fakeQueue) *Server {
	cfg := config.Config{MaxRetries: 3}
	return New(cfg, st, q, nil, nil, nil, zap.NewNop())
}

func validSubmitBody() map[string]any {
	return map[string]any{
		"userId": "user-1",
		"payload": map[string]any{
			"jobType":         "render",
			"script":          "Let your shoulders soften.",
			"durationMinutes": 5,
			"pauseSeconds":    3,
			"loopMode":        "repeat",
			"layers": map[string]any{
				"voice": map[string]any{
					"enabled":  true,
					"provider": "openai",
					"voiceId":  "alloy",
				},
				"gains": map[string]any{
					"voice":      -1,
					"background": -10,
					"solfeggio":  -16,
					"binaural":   -18,
				},
			},
			"output": map[string]any{
				"format":     "mp3",
				"quality":    "standard",
				"visibility": "private",
			},
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAcceptsValidJob(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", validSubmitBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Status != models.StatusPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}
	if job.Progress != 0 {
		t.Fatalf("new job progress = %d, want 0", job.Progress)
	}
	if job.Priority != models.PriorityNormal {
		t.Fatalf("default priority = %s, want normal", job.Priority)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != job.ID {
		t.Fatalf("job not enqueued: %v", q.enqueued)
	}
}

func TestSubmitOmittedGainsPersistDefaults(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	body := validSubmitBody()
	delete(body["payload"].(map[string]any)["layers"].(map[string]any), "gains")

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	stored, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("load stored job: %v", err)
	}
	if stored.Payload.Layers.Gains != models.DefaultGains() {
		t.Fatalf("persisted gains = %+v, want defaults %+v",
			stored.Payload.Layers.Gains, models.DefaultGains())
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	// Binaural alone is an illegal composition.
	body := validSubmitBody()
	body["payload"].(map[string]any)["layers"] = map[string]any{
		"binaural": map[string]any{
			"enabled":   true,
			"band":      "alpha",
			"beatHz":    10,
			"carrierHz": 220,
		},
		"gains": map[string]any{
			"voice":      -1,
			"background": -10,
			"solfeggio":  -16,
			"binaural":   -18,
		},
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Error  string `json:"error"`
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "validation failed" || len(resp.Fields) == 0 {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	// No row and no queue entry for a rejected submission.
	if len(st.jobs) != 0 {
		t.Fatalf("rejected submission created %d jobs", len(st.jobs))
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("rejected submission enqueued: %v", q.enqueued)
	}
}

func TestSubmitRequiresUser(t *testing.T) {
	router := testServer(newFakeStore(), &fakeQueue{}).Router()

	body := validSubmitBody()
	delete(body, "userId")
	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitRejectsUnknownPriority(t *testing.T) {
	router := testServer(newFakeStore(), &fakeQueue{}).Router()

	body := validSubmitBody()
	body["priority"] = "asap"
	rec := doJSON(t, router, http.MethodPost, "/v1/jobs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router := testServer(newFakeStore(), &fakeQueue{}).Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	router := testServer(st, q).Router()

	job, err := st.CreateJob(context.Background(), store.CreateJobParams{
		UserID: "user-1", MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", map[string]any{"reason": "changed my mind"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if len(q.removed) != 1 || q.removed[0] != job.ID {
		t.Fatalf("cancelled job not removed from queue: %v", q.removed)
	}
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	st := newFakeStore()
	router := testServer(st, &fakeQueue{}).Router()

	job, _ := st.CreateJob(context.Background(), store.CreateJobParams{UserID: "user-1"})
	st.mu.Lock()
	done := st.jobs[job.ID]
	done.Status = models.StatusCompleted
	st.jobs[job.ID] = done
	st.mu.Unlock()

	rec := doJSON(t, router, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	got, _ := st.GetJob(context.Background(), job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("terminal status overwritten: %s", got.Status)
	}
}

func TestListRejectsBadLimit(t *testing.T) {
	router := testServer(newFakeStore(), &fakeQueue{}).Router()

	for _, limit := range []string{"0", "51", "abc"} {
		rec := doJSON(t, router, http.MethodGet, "/v1/jobs?limit="+limit, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit %s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestListReturnsJobs(t *testing.T) {
	st := newFakeStore()
	router := testServer(st, &fakeQueue{}).Router()

	if _, err := st.CreateJob(context.Background(), store.CreateJobParams{UserID: "user-1"}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/jobs?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Jobs       []models.Job `json:"jobs"`
		NextCursor string       `json:"nextCursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(resp.Jobs))
	}
}
