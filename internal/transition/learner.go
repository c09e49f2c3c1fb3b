// Package transition maintains the incremental, decaying model of which
// actions follow which other actions in which context bucket.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/internal/bucket"
	"github.com/habitus-home/habitus-platform/internal/keylock"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// Store is the persistence capability the learner consumes. Updates are
// optimistic: Update must fail with model.ErrConflict when the stored
// version no longer matches the one being written.
type Store interface {
	// GetOrCreate returns the transition for the composite key, creating
	// a zero-count row if none exists.
	GetOrCreate(ctx context.Context, personID, fromAction, toAction, bucketKey string) (model.ActionTransition, error)

	// Update writes back a mutated transition, guarded by its version.
	Update(ctx context.Context, t model.ActionTransition) error

	// ListByPerson enumerates a person's learned transitions.
	ListByPerson(ctx context.Context, personID string) ([]model.ActionTransition, error)

	// ListObservedBefore returns transitions last observed before the
	// cutoff, up to limit rows. Used by the decay pass.
	ListObservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.ActionTransition, error)
}

// updateRetries bounds the optimistic retry loop; the per-key lock makes
// in-process conflicts impossible, so retries only fire when another
// process raced on the same row.
const updateRetries = 5

// Learner folds consecutive action events into the transition model. It is
// the exclusive owner of reinforcement writes; only the decay pass touches
// transitions otherwise.
type Learner struct {
	store  Store
	clock  clock.Clock
	policy config.Policy
	logger *slog.Logger
	locks  keylock.Striped
}

// NewLearner creates a transition learner.
func NewLearner(store Store, clk clock.Clock, policy config.Policy, logger *slog.Logger) *Learner {
	return &Learner{
		store:  store,
		clock:  clk,
		policy: policy,
		logger: logger,
	}
}

// Observe reinforces the transition (prev.ActionType → next.ActionType)
// under the context bucket of the *preceding* event. The caller supplies
// the prior event explicitly; the learner holds no ambient per-person
// state.
//
// Returns an OrderingViolation without touching the model when next
// precedes prev; delay statistics must never see out-of-order samples.
func (l *Learner) Observe(ctx context.Context, prev, next model.ActionEvent) (model.ActionTransition, error) {
	if err := prev.Validate(); err != nil {
		return model.ActionTransition{}, err
	}
	if err := next.Validate(); err != nil {
		return model.ActionTransition{}, err
	}
	if prev.PersonID != next.PersonID {
		return model.ActionTransition{}, &model.ValidationError{
			Field: "person_id", Reason: "prev and next events belong to different people",
		}
	}
	if next.Timestamp.Before(prev.Timestamp) {
		return model.ActionTransition{}, &model.OrderingViolation{
			PersonID:  next.PersonID,
			Timestamp: next.Timestamp,
			LastSeen:  prev.Timestamp,
		}
	}

	key := bucket.Key(prev.Context)
	lockKey := fmt.Sprintf("%s|%s|%s|%s", prev.PersonID, prev.ActionType, next.ActionType, key)

	mu := l.locks.Lock(lockKey)
	defer mu.Unlock()

	delay := next.Timestamp.Sub(prev.Timestamp)

	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		t, err := l.store.GetOrCreate(ctx, prev.PersonID, prev.ActionType, next.ActionType, key)
		if err != nil {
			return model.ActionTransition{}, fmt.Errorf("failed to load transition: %w", err)
		}

		reinforce(&t, delay, next.Timestamp, l.policy)

		if err := l.store.Update(ctx, t); err != nil {
			if errors.Is(err, model.ErrConflict) {
				lastErr = err
				l.logger.Debug("Transition update conflict, retrying",
					"key", lockKey, "attempt", attempt+1)
				continue
			}
			return model.ActionTransition{}, fmt.Errorf("failed to update transition: %w", err)
		}

		l.logger.Debug("Transition reinforced",
			"person", t.PersonID,
			"from", t.FromAction,
			"to", t.ToAction,
			"bucket", t.BucketKey,
			"count", t.OccurrenceCount,
			"avg_delay", t.AverageDelay,
			"confidence", t.Confidence)

		return t, nil
	}

	return model.ActionTransition{}, fmt.Errorf("transition update exhausted retries: %w", lastErr)
}

// reinforce applies the merge: increment the count, fold the new delay into
// the running mean, and recompute confidence. The recency discount uses the
// elapsed time since the previous observation, measured before this update.
func reinforce(t *model.ActionTransition, delay time.Duration, observedAt time.Time, policy config.Policy) {
	var elapsed time.Duration
	if t.OccurrenceCount > 0 && observedAt.After(t.LastObserved) {
		elapsed = observedAt.Sub(t.LastObserved)
	}

	t.OccurrenceCount++
	t.AverageDelay += (delay - t.AverageDelay) / time.Duration(t.OccurrenceCount)
	t.LastObserved = observedAt
	t.Confidence = Confidence(t.OccurrenceCount, elapsed, policy.ConfidenceSaturationK, policy.ConfidenceHalfLife)
}

// State derives the lifecycle state of a transition at the given instant.
func (l *Learner) State(t model.ActionTransition, now time.Time) model.TransitionState {
	if t.OccurrenceCount > 0 && now.Sub(t.LastObserved) > l.policy.StalenessWindow {
		return model.TransitionStale
	}
	if t.OccurrenceCount >= l.policy.EstablishedCount {
		return model.TransitionEstablished
	}
	return model.TransitionLearning
}

// Age applies one decay step to a transition, recomputing confidence from
// elapsed time and easing the occurrence count toward the floor once the
// transition has gone stale. It mutates only the decay-relevant fields.
func Age(t *model.ActionTransition, now time.Time, policy config.Policy) {
	if t.OccurrenceCount <= 0 {
		return
	}

	elapsed := now.Sub(t.LastObserved)
	if elapsed <= 0 {
		return
	}

	if elapsed > policy.StalenessWindow && t.OccurrenceCount > policy.OccurrenceFloor {
		t.OccurrenceCount--
	}

	t.Confidence = Confidence(t.OccurrenceCount, elapsed, policy.ConfidenceSaturationK, policy.ConfidenceHalfLife)
}

// Snapshot returns a read-only copy of a person's transitions, suitable
// for matching and evaluation. Staleness up to one decay cycle is
// acceptable to readers.
func (l *Learner) Snapshot(ctx context.Context, personID string) ([]model.ActionTransition, error) {
	return l.store.ListByPerson(ctx, personID)
}
