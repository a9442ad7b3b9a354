package ranking

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store/Tx with the same conflict semantics as the
// SQL layer: primary-key conflicts lose, improvements require a strictly
// shorter length.
type memStore struct {
	submissions []*Submission
	best        map[string]*BestSubmission
	points      map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		best:   make(map[string]*BestSubmission),
		points: make(map[string]int),
	}
}

func bestKey(taskID, userID string) string { return taskID + "|" + userID }

func (s *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return fn(s)
}

func (s *memStore) InsertSubmission(_ context.Context, sub *Submission) error {
	s.submissions = append(s.submissions, sub)
	return nil
}

func (s *memStore) InsertBest(_ context.Context, best *BestSubmission) (UpsertOutcome, error) {
	key := bestKey(best.TaskID, best.UserID)
	if _, ok := s.best[key]; ok {
		return OutcomeAlreadyExists, nil
	}
	cp := *best
	s.best[key] = &cp
	return OutcomeCreated, nil
}

func (s *memStore) GetBest(_ context.Context, taskID, userID string) (*BestSubmission, error) {
	return s.best[bestKey(taskID, userID)], nil
}

func (s *memStore) ImproveBest(_ context.Context, best *BestSubmission) (bool, error) {
	existing, ok := s.best[bestKey(best.TaskID, best.UserID)]
	if !ok || best.CodeLength >= existing.CodeLength {
		return false, nil
	}
	cp := *best
	s.best[bestKey(best.TaskID, best.UserID)] = &cp
	return true, nil
}

func (s *memStore) Rank(_ context.Context, taskID, userID string) (int, error) {
	var entries []*BestSubmission
	for _, b := range s.best {
		if b.TaskID == taskID {
			entries = append(entries, b)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CodeLength != entries[j].CodeLength {
			return entries[i].CodeLength < entries[j].CodeLength
		}
		if !entries[i].AchievedAt.Equal(entries[j].AchievedAt) {
			return entries[i].AchievedAt.Before(entries[j].AchievedAt)
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i, b := range entries {
		if b.UserID == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (s *memStore) InsertPoints(_ context.Context, taskID, userID string, points int) (UpsertOutcome, error) {
	key := bestKey(taskID, userID)
	if _, ok := s.points[key]; ok {
		return OutcomeAlreadyExists, nil
	}
	s.points[key] = points
	return OutcomeCreated, nil
}

func passing(user string, length int, at time.Time) *Submission {
	return &Submission{
		ID:         user + "-" + at.Format("150405"),
		JobID:      "job-" + user,
		UserID:     user,
		TaskID:     "fizzbuzz",
		Code:       "x",
		CodeLength: length,
		Outcome:    "pass",
		CreatedAt:  at,
	}
}

func newEngine(store Store) *Engine {
	return NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEngine_Apply(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("first pass creates best and awards points", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)

		result, err := engine.Apply(context.Background(), passing("alice", 42, base), "")

		require.NoError(t, err)
		assert.True(t, result.Improved)
		assert.Equal(t, 42, result.BestLength)
		assert.Equal(t, 1, result.Rank)
		assert.Equal(t, 10, result.PointsAwarded)
		assert.Len(t, store.submissions, 1)
	})

	t.Run("shorter solution improves best without new points", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		ctx := context.Background()

		_, err := engine.Apply(ctx, passing("alice", 42, base), "")
		require.NoError(t, err)

		result, err := engine.Apply(ctx, passing("alice", 30, base.Add(time.Hour)), "")

		require.NoError(t, err)
		assert.True(t, result.Improved)
		assert.Equal(t, 30, result.BestLength)
		assert.Equal(t, 0, result.PointsAwarded)
	})

	t.Run("equal length keeps the earlier achievement", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		ctx := context.Background()

		_, err := engine.Apply(ctx, passing("alice", 42, base), "")
		require.NoError(t, err)

		result, err := engine.Apply(ctx, passing("alice", 42, base.Add(time.Hour)), "")

		require.NoError(t, err)
		assert.False(t, result.Improved)
		assert.Equal(t, 42, result.BestLength)
		assert.Equal(t, base, store.best[bestKey("fizzbuzz", "alice")].AchievedAt)
	})

	t.Run("longer solution never regresses best", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		ctx := context.Background()

		_, err := engine.Apply(ctx, passing("alice", 30, base), "")
		require.NoError(t, err)

		result, err := engine.Apply(ctx, passing("alice", 50, base.Add(time.Hour)), "")

		require.NoError(t, err)
		assert.False(t, result.Improved)
		assert.Equal(t, 30, result.BestLength)
		assert.Equal(t, 30, store.best[bestKey("fizzbuzz", "alice")].CodeLength)
	})

	t.Run("failing submission only records the attempt", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		sub := passing("alice", 42, base)
		sub.Outcome = "fail"

		result, err := engine.Apply(context.Background(), sub, "")

		require.NoError(t, err)
		assert.Equal(t, &ApplyResult{}, result)
		assert.Len(t, store.submissions, 1)
		assert.Empty(t, store.best)
		assert.Empty(t, store.points)
	})

	t.Run("rank orders by length then time then user", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		ctx := context.Background()

		_, err := engine.Apply(ctx, passing("alice", 42, base), "")
		require.NoError(t, err)
		_, err = engine.Apply(ctx, passing("bob", 30, base.Add(time.Minute)), "")
		require.NoError(t, err)

		// same length as alice but later: alice ranks ahead
		result, err := engine.Apply(ctx, passing("carol", 42, base.Add(2*time.Minute)), "")
		require.NoError(t, err)
		assert.Equal(t, 3, result.Rank)

		// shorter than everyone takes first place
		result, err = engine.Apply(ctx, passing("dave", 20, base.Add(3*time.Minute)), "")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Rank)
	})

	t.Run("tier points", func(t *testing.T) {
		store := newMemStore()
		engine := newEngine(store)
		ctx := context.Background()

		result, err := engine.Apply(ctx, passing("alice", 42, base), "gold")
		require.NoError(t, err)
		assert.Equal(t, 50, result.PointsAwarded)

		result, err = engine.Apply(ctx, passing("bob", 42, base), "silver")
		require.NoError(t, err)
		assert.Equal(t, 25, result.PointsAwarded)
	})
}

func TestPointsForTier(t *testing.T) {
	assert.Equal(t, 10, PointsForTier(""))
	assert.Equal(t, 10, PointsForTier("bronze"))
	assert.Equal(t, 25, PointsForTier("silver"))
	assert.Equal(t, 50, PointsForTier("gold"))
	assert.Equal(t, 10, PointsForTier("unknown"))
}
