package transition

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitus-home/habitus-platform/internal/bucket"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// memStore is an in-memory Store with the same optimistic-version
// semantics as the Postgres implementation.
type memStore struct {
	mu   sync.Mutex
	rows map[string]model.ActionTransition
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.ActionTransition)}
}

func storeKey(personID, from, to, bucketKey string) string {
	return personID + "|" + from + "|" + to + "|" + bucketKey
}

func (m *memStore) GetOrCreate(_ context.Context, personID, from, to, bucketKey string) (model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := storeKey(personID, from, to, bucketKey)
	if t, ok := m.rows[k]; ok {
		return t, nil
	}
	t := model.ActionTransition{
		ID:         uuid.New().String(),
		PersonID:   personID,
		FromAction: from,
		ToAction:   to,
		BucketKey:  bucketKey,
	}
	m.rows[k] = t
	return t, nil
}

func (m *memStore) Update(_ context.Context, t model.ActionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := storeKey(t.PersonID, t.FromAction, t.ToAction, t.BucketKey)
	current, ok := m.rows[k]
	if !ok || current.Version != t.Version {
		return model.ErrConflict
	}
	t.Version++
	m.rows[k] = t
	return nil
}

func (m *memStore) ListByPerson(_ context.Context, personID string) ([]model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionTransition
	for _, t := range m.rows {
		if t.PersonID == personID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListObservedBefore(_ context.Context, cutoff time.Time, limit int) ([]model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionTransition
	for _, t := range m.rows {
		if !t.LastObserved.IsZero() && t.LastObserved.Before(cutoff) {
			out = append(out, t)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func morningContext() model.ActionContext {
	return model.ActionContext{TimeBucket: "morning", DayType: "weekday", Location: "kitchen"}
}

func eventAt(person, action string, ts time.Time) model.ActionEvent {
	return model.ActionEvent{
		PersonID:   person,
		ActionType: action,
		Timestamp:  ts,
		Context:    morningContext(),
	}
}

func newTestLearner(store Store) *Learner {
	clk := clock.NewFake(time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC))
	return NewLearner(store, clk, config.DefaultPolicy(), testLogger())
}

func TestObserveCreatesAndReinforces(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	prev := eventAt("alice", "wakeUp", start)
	next := eventAt("alice", "makeCoffee", start.Add(5*time.Minute))

	tr, err := learner.Observe(ctx, prev, next)
	require.NoError(t, err)

	assert.Equal(t, 1, tr.OccurrenceCount)
	assert.Equal(t, 5*time.Minute, tr.AverageDelay)
	assert.Equal(t, bucket.Key(morningContext()), tr.BucketKey)
	assert.Equal(t, next.Timestamp, tr.LastObserved)
	assert.Greater(t, tr.Confidence, 0.0)
}

func TestObserveMorningRoutineTenDays(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	// wakeUp then makeCoffee five minutes later, ten mornings in a row.
	var tr model.ActionTransition
	var err error
	for day := 0; day < 10; day++ {
		wake := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC).AddDate(0, 0, day)
		tr, err = learner.Observe(ctx,
			eventAt("alice", "wakeUp", wake),
			eventAt("alice", "makeCoffee", wake.Add(5*time.Minute)))
		require.NoError(t, err)
	}

	assert.Equal(t, 10, tr.OccurrenceCount)
	assert.Equal(t, 5*time.Minute, tr.AverageDelay)
	assert.GreaterOrEqual(t, tr.OccurrenceCount, config.DefaultPolicy().EstablishedCount)
	assert.Equal(t, model.TransitionEstablished, learner.State(tr, tr.LastObserved))
	assert.Greater(t, tr.Confidence, 0.5)
}

func TestObserveRunningMeanDelay(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	delays := []time.Duration{4 * time.Minute, 6 * time.Minute, 5 * time.Minute}
	var tr model.ActionTransition
	var err error
	for day, d := range delays {
		wake := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC).AddDate(0, 0, day)
		tr, err = learner.Observe(ctx,
			eventAt("alice", "wakeUp", wake),
			eventAt("alice", "makeCoffee", wake.Add(d)))
		require.NoError(t, err)
	}

	assert.InDelta(t, float64(5*time.Minute), float64(tr.AverageDelay), float64(time.Second))
}

func TestObserveRejectsOutOfOrder(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	prev := eventAt("alice", "wakeUp", ts)
	next := eventAt("alice", "makeCoffee", ts.Add(-time.Minute))

	_, err := learner.Observe(ctx, prev, next)

	var violation *model.OrderingViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "alice", violation.PersonID)

	// Nothing was learned.
	transitions, err := store.ListByPerson(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

func TestObserveRejectsInvalidEvents(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)

	_, err := learner.Observe(ctx, eventAt("", "wakeUp", ts), eventAt("alice", "makeCoffee", ts))
	var validation *model.ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = learner.Observe(ctx, eventAt("alice", "wakeUp", ts), eventAt("bob", "makeCoffee", ts.Add(time.Minute)))
	assert.ErrorAs(t, err, &validation)
}

func TestObserveConcurrentReinforcementMerges(t *testing.T) {
	store := newMemStore()
	learner := newTestLearner(store)
	ctx := context.Background()

	const workers = 16
	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wake := base.AddDate(0, 0, i)
			_, err := learner.Observe(ctx,
				eventAt("alice", "wakeUp", wake),
				eventAt("alice", "makeCoffee", wake.Add(5*time.Minute)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	transitions, err := store.ListByPerson(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, workers, transitions[0].OccurrenceCount, "no reinforcement may be lost")
}

func TestStateLifecycle(t *testing.T) {
	learner := newTestLearner(newMemStore())
	policy := config.DefaultPolicy()
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

	learning := model.ActionTransition{OccurrenceCount: 1, LastObserved: now}
	assert.Equal(t, model.TransitionLearning, learner.State(learning, now))

	established := model.ActionTransition{OccurrenceCount: policy.EstablishedCount, LastObserved: now}
	assert.Equal(t, model.TransitionEstablished, learner.State(established, now))

	stale := model.ActionTransition{
		OccurrenceCount: policy.EstablishedCount,
		LastObserved:    now.Add(-policy.StalenessWindow - time.Hour),
	}
	assert.Equal(t, model.TransitionStale, learner.State(stale, now))
}

func TestAgeReducesConfidenceAndFloorsCount(t *testing.T) {
	policy := config.DefaultPolicy()
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

	tr := model.ActionTransition{
		OccurrenceCount: 2,
		Confidence:      0.5,
		LastObserved:    now.Add(-policy.StalenessWindow - time.Hour),
	}

	Age(&tr, now, policy)
	assert.Equal(t, 1, tr.OccurrenceCount)
	assert.Less(t, tr.Confidence, 0.5)

	// Count never drops below the floor no matter how many passes run.
	for i := 0; i < 10; i++ {
		Age(&tr, now, policy)
	}
	assert.Equal(t, policy.OccurrenceFloor, tr.OccurrenceCount)
}

func TestAgeFreshTransitionUntouched(t *testing.T) {
	policy := config.DefaultPolicy()
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

	tr := model.ActionTransition{
		OccurrenceCount: 5,
		Confidence:      0.6,
		LastObserved:    now,
	}

	Age(&tr, now, policy)
	assert.Equal(t, 5, tr.OccurrenceCount)
	assert.Equal(t, 0.6, tr.Confidence)
}
