package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golfarena/arena-be/internal/ranking"
	"github.com/golfarena/arena-be/internal/sandbox"
	"github.com/golfarena/arena-be/internal/taskclient"
	"github.com/golfarena/arena-be/internal/worker/domain"
)

type fakeStore struct {
	mu            sync.Mutex
	job           *domain.Job
	claimErr      error
	claimFailures int
	completed     map[string]json.RawMessage
	failed        map[string]string
	heartbeats    int
	claimCalls    int
	oldestCalls   int
}

func newFakeStore(job *domain.Job) *fakeStore {
	return &fakeStore{
		job:       job,
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]string),
	}
}

func (s *fakeStore) ClaimJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if s.claimFailures > 0 {
		s.claimFailures--
		return nil, errors.New("connection reset by peer")
	}
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if s.job == nil || s.job.ID != jobID {
		return nil, domain.ErrJobAlreadyClaimed
	}
	return s.job, nil
}

func (s *fakeStore) ClaimOldestQueued(_ context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oldestCalls++
	return s.job, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, jobID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[jobID] = result
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, jobID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[jobID] = errorMsg
	return nil
}

func (s *fakeStore) Heartbeat(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeStore) RecoverStale(_ context.Context, staleAfterSeconds, maxAttempts int) (int64, int64, error) {
	return 0, 0, nil
}

type fakeRunner struct {
	result *sandbox.BatchResult
	err    error
	spec   sandbox.BatchSpec
}

func (r *fakeRunner) RunBatch(_ context.Context, spec sandbox.BatchSpec) (*sandbox.BatchResult, error) {
	r.spec = spec
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

type fakeTasks struct {
	task *taskclient.TaskDefinition
	err  error
}

func (f *fakeTasks) GetTask(_ context.Context, taskID string) (*taskclient.TaskDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.task, nil
}

type fakeScorer struct {
	mu      sync.Mutex
	applied []*ranking.Submission
	result  *ranking.ApplyResult
	err     error
}

func (f *fakeScorer) Apply(_ context.Context, sub *ranking.Submission, tier string) (*ranking.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, sub)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testJob(t *testing.T) *domain.Job {
	t.Helper()
	payload, err := json.Marshal(domain.JobPayload{Code: "a+b", TaskID: "sum"})
	require.NoError(t, err)
	return &domain.Job{
		ID:           "7f4df016-7f66-4873-a6b8-3e81cfc107f8",
		UserID:       "alice",
		TaskID:       "sum",
		Payload:      payload,
		AttemptCount: 1,
	}
}

func testTask() *taskclient.TaskDefinition {
	return &taskclient.TaskDefinition{
		ID:         "sum",
		ParamNames: []string{"a", "b"},
		Tests: []taskclient.TestCase{
			{Args: []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")}, Expected: json.RawMessage("3")},
			{Args: []json.RawMessage{json.RawMessage("2"), json.RawMessage("3")}, Expected: json.RawMessage("5"), Hidden: true},
		},
		Constraints: taskclient.Constraints{AllowedImports: []string{"math"}},
		Tier:        "gold",
	}
}

func newTestWorker(store JobStore, runner BatchRunner, tasks TaskFetcher, scorer Scorer) *Worker {
	return NewWorker(&Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:             store,
		Runner:            runner,
		Tasks:             tasks,
		Scorer:            scorer,
		Concurrency:       1,
		PollInterval:      time.Second,
		HeartbeatInterval: time.Hour,
		StaleAfter:        time.Minute,
		SweepInterval:     time.Minute,
		MaxAttempts:       3,
		ClaimRetries:      3,
	})
}

func TestProcessJob_PassingSubmission(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	runner := &fakeRunner{result: &sandbox.BatchResult{
		Outcome:     sandbox.OutcomePass,
		TestsPassed: 2,
		TestsTotal:  2,
		Tests:       []sandbox.TestReport{{Index: 0, Pass: true}, {Index: 1, Pass: true, Hidden: true}},
		RuntimeMs:   37,
	}}
	scorer := &fakeScorer{result: &ranking.ApplyResult{Rank: 1, BestLength: 3, Improved: true, PointsAwarded: 50}}
	w := newTestWorker(store, runner, &fakeTasks{task: testTask()}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.NoError(t, err)
	require.Contains(t, store.completed, job.ID)
	assert.Empty(t, store.failed)

	var result jobResult
	require.NoError(t, json.Unmarshal(store.completed[job.ID], &result))
	assert.Equal(t, sandbox.OutcomePass, result.Outcome)
	assert.Equal(t, 2, result.TestsPassed)
	require.NotNil(t, result.Ranking)
	assert.Equal(t, 1, result.Ranking.Rank)

	require.Len(t, scorer.applied, 1)
	assert.Equal(t, "pass", scorer.applied[0].Outcome)
	assert.Equal(t, len("a+b"), scorer.applied[0].CodeLength)

	// constraints flowed through to the sandbox spec
	assert.Equal(t, []string{"a", "b"}, runner.spec.ParamNames)
	assert.Len(t, runner.spec.Cases, 2)
	assert.True(t, runner.spec.Cases[1].Hidden)
	assert.Equal(t, []string{"math"}, runner.spec.AllowedImports)
}

func TestProcessJob_FailingSubmissionHasNoRanking(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	runner := &fakeRunner{result: &sandbox.BatchResult{
		Outcome:     sandbox.OutcomeFail,
		TestsPassed: 1,
		TestsTotal:  2,
	}}
	scorer := &fakeScorer{result: &ranking.ApplyResult{}}
	w := newTestWorker(store, runner, &fakeTasks{task: testTask()}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.NoError(t, err)
	var result jobResult
	require.NoError(t, json.Unmarshal(store.completed[job.ID], &result))
	assert.Equal(t, sandbox.OutcomeFail, result.Outcome)
	assert.Nil(t, result.Ranking)
}

func TestProcessJob_ClaimLostIsNotAnError(t *testing.T) {
	store := newFakeStore(nil)
	scorer := &fakeScorer{}
	w := newTestWorker(store, &fakeRunner{}, &fakeTasks{}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: "already-claimed"})

	require.NoError(t, err)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
	assert.Empty(t, scorer.applied)
}

func TestProcessJob_TransientClaimFailureRetried(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	store.claimFailures = 1
	runner := &fakeRunner{result: &sandbox.BatchResult{Outcome: sandbox.OutcomePass, TestsPassed: 2, TestsTotal: 2}}
	scorer := &fakeScorer{result: &ranking.ApplyResult{Rank: 1}}
	w := newTestWorker(store, runner, &fakeTasks{task: testTask()}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.NoError(t, err)
	assert.Equal(t, 2, store.claimCalls)
	assert.Contains(t, store.completed, job.ID)
}

func TestProcessJob_ClaimRetriesExhausted(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	store.claimFailures = 10
	w := newTestWorker(store, &fakeRunner{}, &fakeTasks{}, &fakeScorer{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.Error(t, err)
	assert.Equal(t, 3, store.claimCalls)
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
}

func TestProcessJob_NoQueuedJobs(t *testing.T) {
	store := newFakeStore(nil)
	w := newTestWorker(store, &fakeRunner{}, &fakeTasks{}, &fakeScorer{})

	err := w.processJob(context.Background(), &domain.JobMessage{})

	require.NoError(t, err)
	assert.Equal(t, 1, store.oldestCalls)
	assert.Zero(t, store.claimCalls)
}

func TestProcessJob_InvalidPayload(t *testing.T) {
	job := testJob(t)
	job.Payload = json.RawMessage(`{"code":`)
	store := newFakeStore(job)
	w := newTestWorker(store, &fakeRunner{}, &fakeTasks{}, &fakeScorer{})

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.Contains(t, store.failed, job.ID)
}

func TestProcessJob_SandboxErrorRecordsAttempt(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	runner := &fakeRunner{err: fmt.Errorf("%w: wall clock exceeded", sandbox.ErrTimeout)}
	scorer := &fakeScorer{result: &ranking.ApplyResult{}}
	w := newTestWorker(store, runner, &fakeTasks{task: testTask()}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.NoError(t, err)
	require.Contains(t, store.failed, job.ID)
	assert.Contains(t, store.failed[job.ID], "wall clock exceeded")

	// the attempt is still visible as an error-outcome submission
	require.Len(t, scorer.applied, 1)
	assert.Equal(t, string(sandbox.OutcomeError), scorer.applied[0].Outcome)
	assert.Empty(t, store.completed)
}

func TestProcessJob_TaskServiceDown(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	scorer := &fakeScorer{result: &ranking.ApplyResult{}}
	w := newTestWorker(store, &fakeRunner{}, &fakeTasks{err: errors.New("connection refused")}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.NoError(t, err)
	require.Contains(t, store.failed, job.ID)
	assert.Contains(t, store.failed[job.ID], "task definition unavailable")
}

func TestProcessJob_ScorerFailureFailsJob(t *testing.T) {
	job := testJob(t)
	store := newFakeStore(job)
	runner := &fakeRunner{result: &sandbox.BatchResult{Outcome: sandbox.OutcomePass, TestsPassed: 2, TestsTotal: 2}}
	scorer := &fakeScorer{err: errors.New("deadlock detected")}
	w := newTestWorker(store, runner, &fakeTasks{task: testTask()}, scorer)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: job.ID})

	require.Error(t, err)
	assert.Contains(t, store.failed, job.ID)
	assert.Empty(t, store.completed)
}
