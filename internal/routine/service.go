package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/internal/keylock"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// Store is the persistence capability the routine service consumes.
// UpdateReminder is optimistic: it fails with model.ErrConflict when the
// stored version moved.
type Store interface {
	// GetOrOpenRoutine returns the routine whose observation window
	// contains observedAt, opening a new window when none does.
	GetOrOpenRoutine(ctx context.Context, personID, intentType string, observedAt time.Time, window time.Duration) (Routine, error)

	// GetOrCreateReminder returns the reminder for (routine, action),
	// creating an empty-statistics row when none exists.
	GetOrCreateReminder(ctx context.Context, routineID, suggestedAction string) (Reminder, error)

	// UpdateReminder writes back mutated statistics, guarded by version.
	UpdateReminder(ctx context.Context, r Reminder) error

	// ListReminders enumerates the learned reminders of a person's
	// routines for one intent type.
	ListReminders(ctx context.Context, personID, intentType string) ([]Reminder, error)

	// ListUpdatedBefore returns reminders last updated before the cutoff,
	// up to limit rows. Used by the decay pass.
	ListUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Reminder, error)
}

// updateRetries bounds the optimistic retry loop.
const updateRetries = 5

// varianceInflation is how much each cooling pass widens the variance of
// an unreinforced reminder.
const varianceInflation = 1.5

// Service folds qualifying observations into per-routine delay statistics
// and cools them down when they go unreinforced. It is the exclusive
// owner of RoutineReminder writes apart from the decay pass.
type Service struct {
	store  Store
	redis  redis.Client
	clock  clock.Clock
	policy config.Policy
	logger *slog.Logger
	locks  keylock.Striped
}

// NewService creates a routine learning service.
func NewService(store Store, redisClient redis.Client, clk clock.Clock, policy config.Policy, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		redis:  redisClient,
		clock:  clk,
		policy: policy,
		logger: logger,
	}
}

// Observe folds one observation of a suggested action into the routine
// for (person, intent). The first observation in a window opens it and
// seeds the reminder; subsequent ones feed the inter-occurrence delay
// into the statistics. Out-of-order observations are rejected with an
// OrderingViolation and leave the statistics untouched.
func (s *Service) Observe(ctx context.Context, personID, intentType, suggestedAction string, observedAt time.Time) (Reminder, error) {
	if personID == "" {
		return Reminder{}, &model.ValidationError{Field: "person_id", Reason: "missing"}
	}
	if intentType == "" {
		return Reminder{}, &model.ValidationError{Field: "intent_type", Reason: "missing"}
	}
	if suggestedAction == "" {
		return Reminder{}, &model.ValidationError{Field: "suggested_action", Reason: "missing"}
	}
	if observedAt.IsZero() {
		return Reminder{}, &model.ValidationError{Field: "observed_at", Reason: "missing or zero"}
	}

	lockKey := fmt.Sprintf("%s|%s|%s", personID, intentType, suggestedAction)
	mu := s.locks.Lock(lockKey)
	defer mu.Unlock()

	routine, err := s.store.GetOrOpenRoutine(ctx, personID, intentType, observedAt, s.policy.RoutineWindow)
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to open routine window: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		rem, err := s.store.GetOrCreateReminder(ctx, routine.ID, suggestedAction)
		if err != nil {
			return Reminder{}, fmt.Errorf("failed to load routine reminder: %w", err)
		}

		if !rem.LastUpdate.IsZero() && observedAt.Before(rem.LastUpdate) {
			return Reminder{}, &model.OrderingViolation{
				PersonID:  personID,
				Timestamp: observedAt,
				LastSeen:  rem.LastUpdate,
			}
		}

		if rem.Stats == nil {
			rem.Stats = NewDelayStats()
		}

		var delay time.Duration
		if rem.LastUpdate.IsZero() {
			// First occurrence in the window: nothing to measure yet,
			// the sample only anchors the next delay.
			rem.Stats.SampleCount++
			rem.Stats.EffectiveWeight++
		} else {
			delay = observedAt.Sub(rem.LastUpdate)
			rem.Stats.Observe(delay, s.policy.RoutineAlpha)
		}
		rem.LastUpdate = observedAt

		if err := s.store.UpdateReminder(ctx, rem); err != nil {
			if errors.Is(err, model.ErrConflict) {
				lastErr = err
				continue
			}
			return Reminder{}, fmt.Errorf("failed to update routine reminder: %w", err)
		}

		s.appendEvidence(ctx, routine.ID, Evidence{
			PersonID:   personID,
			Action:     suggestedAction,
			ObservedAt: observedAt,
			Delay:      delay,
		})

		s.logger.Debug("Routine observation folded",
			"person", personID,
			"intent", intentType,
			"action", suggestedAction,
			"samples", rem.Stats.SampleCount,
			"mean_delay", rem.Stats.Mean())

		return rem, nil
	}

	return Reminder{}, fmt.Errorf("routine update for %s exhausted retries: %w", lockKey, lastErr)
}

// Reminders returns a read-only snapshot of a person's learned reminders
// for one intent type.
func (s *Service) Reminders(ctx context.Context, personID, intentType string) ([]Reminder, error) {
	return s.store.ListReminders(ctx, personID, intentType)
}

// Evidence returns a reminder's recent evidence buffer, newest first.
func (s *Service) Evidence(ctx context.Context, routineID, action string) ([]Evidence, error) {
	raw, err := s.redis.LRange(ctx, redis.EvidenceKey(routineID, action), 0, int64(s.policy.EvidenceBufferSize)-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read evidence buffer: %w", err)
	}

	out := make([]Evidence, 0, len(raw))
	for _, entry := range raw {
		var ev Evidence
		if err := json.Unmarshal([]byte(entry), &ev); err != nil {
			s.logger.Warn("Skipping corrupt evidence entry", "routine", routineID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Decay cools reminders not reinforced within the decay interval: the
// variance widens and the effective sample weight shrinks, but the
// reminder is never deleted. Returns how many reminders were cooled and
// how many individual failures were skipped over.
func (s *Service) Decay(ctx context.Context, now time.Time, limit int) (cooled, failed int, err error) {
	cutoff := now.Add(-s.policy.RoutineDecayInterval)

	reminders, err := s.store.ListUpdatedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list decay-eligible reminders: %w", err)
	}

	for _, rem := range reminders {
		if ctx.Err() != nil {
			return cooled, failed, ctx.Err()
		}

		// Already cooled since it last went quiet.
		if !rem.LastDecay.IsZero() && rem.LastDecay.After(cutoff) {
			continue
		}

		if err := s.coolOne(ctx, rem, now); err != nil {
			failed++
			s.logger.Warn("Failed to cool routine reminder",
				"reminder", rem.ID, "error", err)
			continue
		}
		cooled++
	}

	return cooled, failed, nil
}

func (s *Service) coolOne(ctx context.Context, rem Reminder, now time.Time) error {
	mu := s.locks.Lock(rem.RoutineID + "|" + rem.SuggestedAction)
	defer mu.Unlock()

	if rem.Stats == nil {
		rem.Stats = NewDelayStats()
	}
	rem.Stats.Cool(varianceInflation)
	rem.LastDecay = now

	if err := s.store.UpdateReminder(ctx, rem); err != nil {
		// A concurrent reinforcement beat the cooling; its update is the
		// fresher one, so losing this cool pass is correct.
		if errors.Is(err, model.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) appendEvidence(ctx context.Context, routineID string, ev Evidence) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return
	}

	key := redis.EvidenceKey(routineID, ev.Action)
	if err := s.redis.LPush(ctx, key, string(encoded)); err != nil {
		s.logger.Warn("Failed to append evidence", "key", key, "error", err)
		return
	}
	if err := s.redis.LTrim(ctx, key, 0, int64(s.policy.EvidenceBufferSize)-1); err != nil {
		s.logger.Warn("Failed to trim evidence buffer", "key", key, "error", err)
	}
}
