package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golfarena/arena-be/internal/api/domain"
	"github.com/golfarena/arena-be/internal/api/dto"
	"github.com/golfarena/arena-be/internal/api/storage"
	"github.com/golfarena/arena-be/internal/ratelimit"
	"github.com/golfarena/arena-be/internal/taskclient"
)

type fakeSubmissionStore struct {
	jobs        map[string]*domain.SubmissionJob
	byDedup     map[string]string
	enqueueErr  error
	leaderboard []storage.LeaderboardEntry
}

func newFakeSubmissionStore() *fakeSubmissionStore {
	return &fakeSubmissionStore{
		jobs:    make(map[string]*domain.SubmissionJob),
		byDedup: make(map[string]string),
	}
}

func (s *fakeSubmissionStore) EnqueueSubmission(_ context.Context, job *domain.SubmissionJob) (string, bool, error) {
	if s.enqueueErr != nil {
		return "", false, s.enqueueErr
	}
	if existing, ok := s.byDedup[job.DedupKey]; ok {
		return existing, false, nil
	}
	job.Status = domain.JobStatusQueued
	s.jobs[job.ID] = job
	s.byDedup[job.DedupKey] = job.ID
	return job.ID, true, nil
}

func (s *fakeSubmissionStore) GetJobForOwner(_ context.Context, jobID, userID, taskID string) (*domain.SubmissionJob, error) {
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID || job.TaskID != taskID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeSubmissionStore) Leaderboard(_ context.Context, taskID string, limit int) ([]storage.LeaderboardEntry, error) {
	return s.leaderboard, nil
}

type fakeTaskFetcher struct {
	task *taskclient.TaskDefinition
	err  error
}

func (f *fakeTaskFetcher) GetTask(_ context.Context, taskID string) (*taskclient.TaskDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.task, nil
}

type fakeNotifier struct {
	published [][]byte
	err       error
}

func (f *fakeNotifier) Publish(_ context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, body)
	return nil
}

type stubLimiter struct {
	decision ratelimit.Decision
}

func (l *stubLimiter) Allow(context.Context, ratelimit.Scope, string) ratelimit.Decision {
	return l.decision
}

func sumTask() *taskclient.TaskDefinition {
	return &taskclient.TaskDefinition{
		ID:         "sum",
		ParamNames: []string{"a", "b"},
		Tests: []taskclient.TestCase{
			{Args: []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, Expected: json.RawMessage("3")},
		},
	}
}

type handlerFixture struct {
	store    *fakeSubmissionStore
	tasks    *fakeTaskFetcher
	notifier *fakeNotifier
	limiter  *stubLimiter
	router   *gin.Engine
}

func newFixture() *handlerFixture {
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		store:    newFakeSubmissionStore(),
		tasks:    &fakeTaskFetcher{task: sumTask()},
		notifier: &fakeNotifier{},
		limiter:  &stubLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 4}},
	}

	h := NewSubmissionHandler(&Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:   f.store,
		Tasks:   f.tasks,
		Notify:  f.notifier,
		Limiter: f.limiter,
	})

	r := gin.New()
	r.POST("/api/v1/submissions", h.Submit)
	r.GET("/api/v1/submissions/:job_id", h.Poll)
	r.GET("/api/v1/tasks/:task_id/leaderboard", h.Leaderboard)
	f.router = r
	return f
}

func (f *handlerFixture) submit(t *testing.T, userID, taskID, code string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(dto.SubmitRequest{TaskID: taskID, Code: code})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSubmit(t *testing.T) {
	t.Run("accepted submission returns job id and notifies", func(t *testing.T) {
		f := newFixture()

		w := f.submit(t, "alice", "sum", "a+b")

		require.Equal(t, http.StatusAccepted, w.Code)
		var resp dto.SubmitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.JobID)
		assert.Equal(t, domain.JobStatusQueued, resp.Status)
		assert.False(t, resp.Deduplicated)
		assert.Len(t, f.notifier.published, 1)
	})

	t.Run("duplicate submission returns the same job id", func(t *testing.T) {
		f := newFixture()

		first := f.submit(t, "alice", "sum", "a+b")
		second := f.submit(t, "alice", "sum", "a+b")

		var r1, r2 dto.SubmitResponse
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
		assert.Equal(t, r1.JobID, r2.JobID)
		assert.False(t, r1.Deduplicated)
		assert.True(t, r2.Deduplicated)
		// only the first enqueue wakes the workers
		assert.Len(t, f.notifier.published, 1)
	})

	t.Run("same code from another user is a fresh job", func(t *testing.T) {
		f := newFixture()

		first := f.submit(t, "alice", "sum", "a+b")
		second := f.submit(t, "bob", "sum", "a+b")

		var r1, r2 dto.SubmitResponse
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
		assert.NotEqual(t, r1.JobID, r2.JobID)
	})

	t.Run("missing identity", func(t *testing.T) {
		f := newFixture()

		w := f.submit(t, "", "sum", "a+b")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("dangerous code rejected before queueing", func(t *testing.T) {
		f := newFixture()

		w := f.submit(t, "alice", "sum", "__import__('os').system('rm -rf /')")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, f.store.jobs)
		assert.Empty(t, f.notifier.published)
	})

	t.Run("task denied token rejected", func(t *testing.T) {
		f := newFixture()
		f.tasks.task.Constraints.DeniedTokens = []string{"sorted"}

		w := f.submit(t, "alice", "sum", "sorted([a,b])[0]")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "sorted")
	})

	t.Run("unknown task", func(t *testing.T) {
		f := newFixture()
		f.tasks.err = taskclient.ErrTaskNotFound

		w := f.submit(t, "alice", "sum", "a+b")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("queue full is backpressure", func(t *testing.T) {
		f := newFixture()
		f.store.enqueueErr = domain.ErrQueueFull

		w := f.submit(t, "alice", "sum", "a+b")

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotEmpty(t, w.Header().Get("Retry-After"))
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture()
		f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}

		w := f.submit(t, "alice", "sum", "a+b")

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "30", w.Header().Get("Retry-After"))
		assert.Empty(t, f.store.jobs)
	})

	t.Run("notification failure does not fail the request", func(t *testing.T) {
		f := newFixture()
		f.notifier.err = assert.AnError

		w := f.submit(t, "alice", "sum", "a+b")

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Len(t, f.store.jobs, 1)
	})
}

func TestPoll(t *testing.T) {
	poll := func(t *testing.T, f *handlerFixture, userID, jobID, taskID string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+jobID+"?task_id="+taskID, nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		return w
	}

	submitJob := func(t *testing.T, f *handlerFixture) string {
		t.Helper()
		w := f.submit(t, "alice", "sum", "a+b")
		require.Equal(t, http.StatusAccepted, w.Code)
		var resp dto.SubmitResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp.JobID
	}

	t.Run("queued job", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)

		w := poll(t, f, "alice", jobID, "sum")

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.PollResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.JobStatusQueued, resp.Status)
		assert.Nil(t, resp.Result)
	})

	t.Run("done job carries the result", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)
		f.store.jobs[jobID].Status = domain.JobStatusDone
		f.store.jobs[jobID].Result = json.RawMessage(`{"outcome":"pass"}`)

		w := poll(t, f, "alice", jobID, "sum")

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.PollResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.JobStatusDone, resp.Status)
		assert.JSONEq(t, `{"outcome":"pass"}`, string(resp.Result))
	})

	t.Run("failed job carries the error", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)
		msg := "execution time budget exceeded"
		f.store.jobs[jobID].Status = domain.JobStatusFailed
		f.store.jobs[jobID].ErrorMessage = &msg

		w := poll(t, f, "alice", jobID, "sum")

		require.Equal(t, http.StatusOK, w.Code)
		var resp dto.PollResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, domain.JobStatusFailed, resp.Status)
		assert.Equal(t, msg, resp.Error)
	})

	t.Run("other user's job is invisible", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)

		w := poll(t, f, "mallory", jobID, "sum")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("wrong task is invisible", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)

		w := poll(t, f, "alice", jobID, "other-task")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing task_id", func(t *testing.T) {
		f := newFixture()
		jobID := submitJob(t, f)

		w := poll(t, f, "alice", jobID, "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed job id", func(t *testing.T) {
		f := newFixture()

		w := poll(t, f, "alice", "not-a-uuid", "sum")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLeaderboard(t *testing.T) {
	f := newFixture()
	f.store.leaderboard = []storage.LeaderboardEntry{
		{Rank: 1, UserID: "bob", CodeLength: 30},
		{Rank: 2, UserID: "alice", CodeLength: 42},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/sum/leaderboard", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bob"`)
	assert.Contains(t, w.Body.String(), `"alice"`)
}
