package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitus-home/habitus-platform/internal/reminder"
	"github.com/habitus-home/habitus-platform/internal/routine"
	"github.com/habitus-home/habitus-platform/internal/signal"
	"github.com/habitus-home/habitus-platform/internal/transition"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/mqtt"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// fakeMQTT records published messages.
type fakeMQTT struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{published: make(map[string][][]byte)}
}

func (f *fakeMQTT) Connect(context.Context) error { return nil }
func (f *fakeMQTT) Disconnect()                   {}
func (f *fakeMQTT) IsConnected() bool             { return true }
func (f *fakeMQTT) Subscribe(string, byte, mqtt.MessageHandler) error {
	return nil
}

func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeMQTT) messages(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[topic]
}

// memEventStore is an in-memory append-only event record.
type memEventStore struct {
	mu     sync.Mutex
	events map[string][]model.ActionEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string][]model.ActionEvent)}
}

func (m *memEventStore) Append(_ context.Context, event model.ActionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.PersonID] = append(m.events[event.PersonID], event)
	return nil
}

func (m *memEventStore) Latest(_ context.Context, personID string) (model.ActionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest model.ActionEvent
	found := false
	for _, e := range m.events[personID] {
		if !found || e.Timestamp.After(latest.Timestamp) {
			latest = e
			found = true
		}
	}
	if !found {
		return model.ActionEvent{}, fmt.Errorf("no events for %s: %w", personID, model.ErrNotFound)
	}
	return latest, nil
}

func (m *memEventStore) LatestBefore(_ context.Context, personID string, before time.Time) (model.ActionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest model.ActionEvent
	found := false
	for _, e := range m.events[personID] {
		if e.Timestamp.Before(before) && (!found || e.Timestamp.After(latest.Timestamp)) {
			latest = e
			found = true
		}
	}
	if !found {
		return model.ActionEvent{}, fmt.Errorf("no prior event for %s: %w", personID, model.ErrNotFound)
	}
	return latest, nil
}

func (m *memEventStore) ListRange(_ context.Context, personID string, from, to time.Time) ([]model.ActionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionEvent
	for _, e := range m.events[personID] {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// memTransitionStore mirrors the optimistic-version semantics of the
// Postgres transition store.
type memTransitionStore struct {
	mu   sync.Mutex
	rows map[string]model.ActionTransition
}

func newMemTransitionStore() *memTransitionStore {
	return &memTransitionStore{rows: make(map[string]model.ActionTransition)}
}

func transitionKey(personID, from, to, bucketKey string) string {
	return personID + "|" + from + "|" + to + "|" + bucketKey
}

func (m *memTransitionStore) GetOrCreate(_ context.Context, personID, from, to, bucketKey string) (model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := transitionKey(personID, from, to, bucketKey)
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

func (m *memTransitionStore) Update(_ context.Context, t model.ActionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := transitionKey(t.PersonID, t.FromAction, t.ToAction, t.BucketKey)
	current, ok := m.rows[k]
	if !ok {
		return fmt.Errorf("transition %s: %w", t.ID, model.ErrNotFound)
	}
	if current.Version != t.Version {
		return fmt.Errorf("transition %s: %w", t.ID, model.ErrConflict)
	}
	t.Version++
	m.rows[k] = t
	return nil
}

func (m *memTransitionStore) ListByPerson(_ context.Context, personID string) ([]model.ActionTransition, error) {
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

func (m *memTransitionStore) ListObservedBefore(_ context.Context, cutoff time.Time, limit int) ([]model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionTransition
	for _, t := range m.rows {
		if !t.LastObserved.IsZero() && t.LastObserved.Before(cutoff) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// memCandidateStore mirrors the optimistic-version semantics of the
// Postgres candidate store.
type memCandidateStore struct {
	mu   sync.Mutex
	rows map[string]model.ReminderCandidate
}

func newMemCandidateStore() *memCandidateStore {
	return &memCandidateStore{rows: make(map[string]model.ReminderCandidate)}
}

func (m *memCandidateStore) Create(_ context.Context, cand model.ReminderCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[cand.ID] = cand
	return nil
}

func (m *memCandidateStore) Get(_ context.Context, id string) (model.ReminderCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cand, ok := m.rows[id]
	if !ok {
		return model.ReminderCandidate{}, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	return cand, nil
}

func (m *memCandidateStore) ListPending(_ context.Context, personID string) ([]model.ReminderCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReminderCandidate
	for _, cand := range m.rows {
		if cand.PersonID == personID && cand.Status == model.ReminderPending {
			out = append(out, cand)
		}
	}
	return out, nil
}

func (m *memCandidateStore) ListDue(_ context.Context, cutoff time.Time, limit int) ([]model.ReminderCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReminderCandidate
	for _, cand := range m.rows {
		if cand.Status == model.ReminderPending && !cand.CheckAt.After(cutoff) {
			out = append(out, cand)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memCandidateStore) Update(_ context.Context, cand model.ReminderCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.rows[cand.ID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", cand.ID, model.ErrNotFound)
	}
	if current.Version != cand.Version {
		return fmt.Errorf("candidate %s: %w", cand.ID, model.ErrConflict)
	}
	cand.Version++
	m.rows[cand.ID] = cand
	return nil
}

// stubPrefs resolves fixed preferences for everyone.
type stubPrefs struct {
	prefs model.UserReminderPreferences
}

func (s stubPrefs) Resolve(_ context.Context, personID string) model.UserReminderPreferences {
	p := s.prefs
	p.PersonID = personID
	return p
}

// recordingRoutines records routine observations.
type recordingRoutines struct {
	mu      sync.Mutex
	intents []string
	actions []string
}

func (r *recordingRoutines) Observe(_ context.Context, _, intentType, suggestedAction string, _ time.Time) (routine.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intentType)
	r.actions = append(r.actions, suggestedAction)
	return routine.Reminder{}, nil
}

type agentFixture struct {
	agent      *Agent
	mqtt       *fakeMQTT
	events     *memEventStore
	candidates *memCandidateStore
	routines   *recordingRoutines
	clock      *clock.Fake
}

func newAgentFixture(t *testing.T) *agentFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClientFromAddr(mr.Addr(), testLogger())
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.NewConfig()
	policy := config.DefaultPolicy()
	logger := testLogger()
	fake := clock.NewFake(time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC))

	bus := newFakeMQTT()
	events := newMemEventStore()
	candidateStore := newMemCandidateStore()
	routines := &recordingRoutines{}

	// Generous budget so pipeline tests exercise the flow, not the caps.
	prefs := stubPrefs{prefs: model.UserReminderPreferences{
		DefaultStyle: model.StyleNormal,
		DailyLimit:   1000,
		Enabled:      true,
	}}

	agent := NewAgent(Deps{
		MQTT:       bus,
		Redis:      rdb,
		Events:     events,
		Learner:    transition.NewLearner(newMemTransitionStore(), fake, policy, logger),
		Normalizer: signal.NewNormalizer(),
		Evaluator:  reminder.NewPolicyEvaluator(rdb, fake, policy, logger),
		Matcher:    reminder.NewMatcher(candidateStore, policy, logger),
		Candidates: reminder.NewCandidates(candidateStore, fake, logger),
		Prefs:      prefs,
		Routines:   routines,
		Clock:      fake,
	}, cfg, policy, logger)

	return &agentFixture{
		agent:      agent,
		mqtt:       bus,
		events:     events,
		candidates: candidateStore,
		routines:   routines,
		clock:      fake,
	}
}

func morningEvent(action string, at time.Time) model.ActionEvent {
	return model.ActionEvent{
		PersonID:   "alice",
		ActionType: action,
		Timestamp:  at,
		Context: model.ActionContext{
			TimeBucket: "morning",
			DayType:    "weekday",
			Location:   "kitchen",
		},
		Signals: []model.RawSignal{
			{SensorID: "kitchen_motion", Value: model.BooleanValue(true)},
		},
	}
}

// Ten mornings of wake_up followed by make_coffee five minutes later; the
// eleventh wake_up must yield a make_coffee candidate about five minutes
// out.
func TestElevenMorningsScheduleCoffeeReminder(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		wake := day.Add(time.Duration(i) * 24 * time.Hour)
		fx.clock.Set(wake)
		require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", wake)))

		coffee := wake.Add(5 * time.Minute)
		fx.clock.Set(coffee)
		require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("make_coffee", coffee)))
	}

	eleventh := day.Add(10 * 24 * time.Hour)
	fx.clock.Set(eleventh)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", eleventh)))

	pending, err := fx.candidates.ListPending(ctx, "alice")
	require.NoError(t, err)

	var coffee *model.ReminderCandidate
	for i := range pending {
		if pending[i].SuggestedAction == "make_coffee" {
			coffee = &pending[i]
		}
	}
	require.NotNil(t, coffee, "the learned follow-up must be scheduled")
	assert.WithinDuration(t, eleventh.Add(5*time.Minute), coffee.CheckAt, time.Second)
	assert.Greater(t, coffee.Confidence, 0.6, "ten reinforcements establish the transition")

	notices := fx.mqtt.messages(mqtt.ReminderTopic("alice"))
	require.NotEmpty(t, notices)

	var notice ReminderNotice
	require.NoError(t, json.Unmarshal(notices[len(notices)-1], &notice))
	assert.Equal(t, "make_coffee", notice.SuggestedAction)
	assert.Contains(t, notice.Reason, "wake_up")
}

func TestIngestEventStoresOutOfOrderWithoutLearning(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", base)))

	err := fx.agent.IngestEvent(ctx, morningEvent("make_coffee", base.Add(-time.Hour)))
	require.Error(t, err)

	var ov *model.OrderingViolation
	assert.True(t, errors.As(err, &ov))

	// Stored for the record even though nothing was learned from it.
	stored, err := fx.events.ListRange(ctx, "alice", base.Add(-2*time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// Only the in-order event reached the routine learner.
	fx.routines.mu.Lock()
	defer fx.routines.mu.Unlock()
	assert.Equal(t, []string{"wake_up"}, fx.routines.actions)
}

func TestIngestEventAutoConfirmsMatchingCandidate(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 10, 7, 5, 0, 0, time.UTC)
	cand := model.ReminderCandidate{
		ID:              "c-1",
		PersonID:        "alice",
		SuggestedAction: "make_coffee",
		CheckAt:         at,
		Status:          model.ReminderPending,
		Context: model.ActionContext{
			TimeBucket: "morning",
			DayType:    "weekday",
			Location:   "kitchen",
		},
	}
	require.NoError(t, fx.candidates.Create(ctx, cand))

	fx.clock.Set(at.Add(10 * time.Minute))
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("make_coffee", at.Add(10*time.Minute))))

	stored, err := fx.candidates.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderConfirmed, stored.Status)
}

func TestIngestEventFeedsRoutineLearning(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", at)))

	require.Len(t, fx.routines.intents, 1)
	assert.Equal(t, "morning_weekday", fx.routines.intents[0])
	assert.Equal(t, "wake_up", fx.routines.actions[0])
}

func TestIngestEventRecordsTimeline(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	at := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", at)))

	count, err := redisTimelineCount(ctx, fx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func redisTimelineCount(ctx context.Context, fx *agentFixture, personID string) (int64, error) {
	return fx.agent.redis.ZCard(ctx, redis.TimelineKey(personID))
}

func TestIngestEventDoesNotRescheduleDuplicates(t *testing.T) {
	fx := newAgentFixture(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		wake := day.Add(time.Duration(i) * 24 * time.Hour)
		fx.clock.Set(wake)
		require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", wake)))

		coffee := wake.Add(5 * time.Minute)
		fx.clock.Set(coffee)
		require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("make_coffee", coffee)))
	}

	// Two wake_up events moments apart: the second must reuse the open
	// candidate instead of scheduling another.
	eleventh := day.Add(10 * 24 * time.Hour)
	fx.clock.Set(eleventh)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", eleventh)))
	second := eleventh.Add(time.Minute)
	fx.clock.Set(second)
	require.NoError(t, fx.agent.IngestEvent(ctx, morningEvent("wake_up", second)))

	pending, err := fx.candidates.ListPending(ctx, "alice")
	require.NoError(t, err)

	coffeeCandidates := 0
	for _, cand := range pending {
		if cand.SuggestedAction == "make_coffee" {
			coffeeCandidates++
		}
	}
	assert.Equal(t, 1, coffeeCandidates)
}
