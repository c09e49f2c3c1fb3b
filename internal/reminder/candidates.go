package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// CandidateStore is the persistence capability for reminder candidates.
// Update is optimistic: it fails with model.ErrConflict when the stored
// version moved.
type CandidateStore interface {
	Create(ctx context.Context, cand model.ReminderCandidate) error
	Get(ctx context.Context, id string) (model.ReminderCandidate, error)

	// ListPending enumerates a person's candidates still awaiting feedback.
	ListPending(ctx context.Context, personID string) ([]model.ReminderCandidate, error)

	// ListDue returns pending candidates whose check time passed the
	// cutoff, up to limit rows. Used by the advancement pass.
	ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ReminderCandidate, error)

	Update(ctx context.Context, cand model.ReminderCandidate) error
}

// FeedbackKind is the explicit user response to a reminder.
type FeedbackKind string

const (
	FeedbackConfirm FeedbackKind = "confirm"
	FeedbackDismiss FeedbackKind = "dismiss"
	FeedbackSnooze  FeedbackKind = "snooze"
)

// Feedback is an external yes/no/later response to a candidate.
type Feedback struct {
	CandidateID string        `json:"candidate_id"`
	Kind        FeedbackKind  `json:"kind"`
	SnoozeFor   time.Duration `json:"snooze_for,omitempty"`
}

// defaultSnooze applies when a snooze arrives without a duration.
const defaultSnooze = 15 * time.Minute

// feedbackRetries bounds the optimistic retry loop on feedback application.
const feedbackRetries = 3

// Candidates wraps a CandidateStore with the status machine rules.
type Candidates struct {
	store  CandidateStore
	clock  clock.Clock
	logger *slog.Logger
}

// NewCandidates creates the candidate service.
func NewCandidates(store CandidateStore, clk clock.Clock, logger *slog.Logger) *Candidates {
	return &Candidates{store: store, clock: clk, logger: logger}
}

// Store exposes the underlying store for read paths.
func (c *Candidates) Store() CandidateStore { return c.store }

// ApplyFeedback transitions a candidate according to explicit feedback.
// Snoozing re-enters Pending with a recomputed check time. Illegal
// transitions (feedback on a terminal candidate) are rejected.
func (c *Candidates) ApplyFeedback(ctx context.Context, fb Feedback) (model.ReminderCandidate, error) {
	target, err := statusForFeedback(fb.Kind)
	if err != nil {
		return model.ReminderCandidate{}, err
	}

	var lastErr error
	for attempt := 0; attempt < feedbackRetries; attempt++ {
		cand, err := c.store.Get(ctx, fb.CandidateID)
		if err != nil {
			return model.ReminderCandidate{}, fmt.Errorf("failed to load candidate %s: %w", fb.CandidateID, err)
		}

		if !model.CanTransition(cand.Status, target) {
			return model.ReminderCandidate{}, &model.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("cannot %s a %s candidate", fb.Kind, cand.Status),
			}
		}

		now := c.clock.Now()
		cand.Status = target
		cand.UpdatedAt = now

		if target == model.ReminderSnoozed {
			// Snooze is transient: the candidate immediately re-enters
			// Pending at the pushed-back check time.
			snooze := fb.SnoozeFor
			if snooze <= 0 {
				snooze = defaultSnooze
			}
			cand.Status = model.ReminderPending
			cand.CheckAt = now.Add(snooze)
		}

		if err := c.store.Update(ctx, cand); err != nil {
			if errors.Is(err, model.ErrConflict) {
				lastErr = err
				continue
			}
			return model.ReminderCandidate{}, fmt.Errorf("failed to update candidate %s: %w", fb.CandidateID, err)
		}

		c.logger.Info("Feedback applied",
			"candidate", cand.ID,
			"person", cand.PersonID,
			"kind", fb.Kind,
			"status", cand.Status,
			"check_at", cand.CheckAt.Format(time.RFC3339))

		return cand, nil
	}

	return model.ReminderCandidate{}, fmt.Errorf("feedback on %s exhausted retries: %w", fb.CandidateID, lastErr)
}

// Expire marks a pending candidate expired. Used by the advancement pass
// once the grace period after the check time runs out with no feedback.
func (c *Candidates) Expire(ctx context.Context, cand model.ReminderCandidate) error {
	if !model.CanTransition(cand.Status, model.ReminderExpired) {
		return &model.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("cannot expire a %s candidate", cand.Status),
		}
	}

	cand.Status = model.ReminderExpired
	cand.UpdatedAt = c.clock.Now()

	if err := c.store.Update(ctx, cand); err != nil {
		return fmt.Errorf("failed to expire candidate %s: %w", cand.ID, err)
	}
	return nil
}

func statusForFeedback(kind FeedbackKind) (model.ReminderStatus, error) {
	switch kind {
	case FeedbackConfirm:
		return model.ReminderConfirmed, nil
	case FeedbackDismiss:
		return model.ReminderDismissed, nil
	case FeedbackSnooze:
		return model.ReminderSnoozed, nil
	default:
		return "", &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown feedback kind %q", kind)}
	}
}
