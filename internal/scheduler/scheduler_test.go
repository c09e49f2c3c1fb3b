package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/mqtt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memTransitionStore mirrors the optimistic-version semantics of the
// Postgres transition store.
type memTransitionStore struct {
	mu   sync.Mutex
	rows map[string]model.ActionTransition

	failOn map[string]bool // ids whose Update fails
}

func newMemTransitionStore() *memTransitionStore {
	return &memTransitionStore{
		rows:   make(map[string]model.ActionTransition),
		failOn: make(map[string]bool),
	}
}

func (m *memTransitionStore) put(t model.ActionTransition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.ID] = t
}

func (m *memTransitionStore) get(id string) model.ActionTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memTransitionStore) GetOrCreate(_ context.Context, personID, from, to, bucketKey string) (model.ActionTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.PersonID == personID && t.FromAction == from && t.ToAction == to && t.BucketKey == bucketKey {
			return t, nil
		}
	}
	t := model.ActionTransition{
		ID: fmt.Sprintf("t-%d", len(m.rows)+1), PersonID: personID,
		FromAction: from, ToAction: to, BucketKey: bucketKey,
	}
	m.rows[t.ID] = t
	return t, nil
}

func (m *memTransitionStore) Update(_ context.Context, t model.ActionTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[t.ID] {
		return fmt.Errorf("induced failure on %s", t.ID)
	}
	current, ok := m.rows[t.ID]
	if !ok {
		return fmt.Errorf("transition %s: %w", t.ID, model.ErrNotFound)
	}
	if current.Version != t.Version {
		return fmt.Errorf("transition %s: %w", t.ID, model.ErrConflict)
	}
	t.Version++
	m.rows[t.ID] = t
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

// stubCooler is a RoutineCooler returning canned counts.
type stubCooler struct {
	cooled, failed int
	err            error
}

func (s stubCooler) Decay(context.Context, time.Time, int) (int, int, error) {
	return s.cooled, s.failed, s.err
}

// fakeMQTT records published messages.
type fakeMQTT struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{published: make(map[string][][]byte)}
}

func (f *fakeMQTT) Connect(context.Context) error                      { return nil }
func (f *fakeMQTT) Disconnect()                                        {}
func (f *fakeMQTT) IsConnected() bool                                  { return true }
func (f *fakeMQTT) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }

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
