package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

func newTestCandidates(t *testing.T) (*Candidates, *memCandidateStore, *clock.Fake) {
	t.Helper()
	store := newMemCandidateStore()
	fake := clock.NewFake(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	return NewCandidates(store, fake, testLogger()), store, fake
}

func TestApplyFeedbackConfirm(t *testing.T) {
	svc, store, fake := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	cand, err := svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: FeedbackConfirm})
	require.NoError(t, err)
	assert.Equal(t, model.ReminderConfirmed, cand.Status)
	assert.Equal(t, fake.Now(), cand.UpdatedAt)

	stored, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderConfirmed, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestApplyFeedbackDismiss(t *testing.T) {
	svc, store, _ := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	cand, err := svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: FeedbackDismiss})
	require.NoError(t, err)
	assert.Equal(t, model.ReminderDismissed, cand.Status)
}

func TestApplyFeedbackSnoozeReentersPending(t *testing.T) {
	svc, store, fake := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	cand, err := svc.ApplyFeedback(ctx, Feedback{
		CandidateID: "c-1",
		Kind:        FeedbackSnooze,
		SnoozeFor:   30 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, model.ReminderPending, cand.Status, "snooze re-enters pending")
	assert.Equal(t, fake.Now().Add(30*time.Minute), cand.CheckAt)
}

func TestApplyFeedbackSnoozeDefaultDuration(t *testing.T) {
	svc, store, fake := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	cand, err := svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: FeedbackSnooze})
	require.NoError(t, err)
	assert.Equal(t, fake.Now().Add(defaultSnooze), cand.CheckAt)
}

func TestApplyFeedbackOnTerminalCandidate(t *testing.T) {
	svc, store, _ := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	_, err := svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: FeedbackDismiss})
	require.NoError(t, err)

	_, err = svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: FeedbackConfirm})
	require.Error(t, err)

	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr), "terminal transition yields a validation error")
}

func TestApplyFeedbackUnknownKind(t *testing.T) {
	svc, store, _ := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	_, err := svc.ApplyFeedback(ctx, Feedback{CandidateID: "c-1", Kind: "shout"})
	require.Error(t, err)
}

func TestApplyFeedbackMissingCandidate(t *testing.T) {
	svc, _, _ := newTestCandidates(t)

	_, err := svc.ApplyFeedback(context.Background(), Feedback{CandidateID: "nope", Kind: FeedbackConfirm})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestExpirePendingCandidate(t *testing.T) {
	svc, store, _ := newTestCandidates(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, pendingCandidate("c-1")))

	cand, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	require.NoError(t, svc.Expire(ctx, cand))

	stored, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderExpired, stored.Status)
}

func TestExpireConfirmedCandidateRejected(t *testing.T) {
	svc, store, _ := newTestCandidates(t)
	ctx := context.Background()

	confirmed := pendingCandidate("c-1")
	confirmed.Status = model.ReminderConfirmed
	require.NoError(t, store.Create(ctx, confirmed))

	cand, err := store.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Error(t, svc.Expire(ctx, cand))
}

func TestStatusMachine(t *testing.T) {
	assert.True(t, model.CanTransition(model.ReminderPending, model.ReminderConfirmed))
	assert.True(t, model.CanTransition(model.ReminderPending, model.ReminderExpired))
	assert.True(t, model.CanTransition(model.ReminderSnoozed, model.ReminderPending))
	assert.False(t, model.CanTransition(model.ReminderConfirmed, model.ReminderPending))
	assert.False(t, model.CanTransition(model.ReminderExpired, model.ReminderSnoozed))

	assert.True(t, model.ReminderConfirmed.IsTerminal())
	assert.True(t, model.ReminderDismissed.IsTerminal())
	assert.True(t, model.ReminderExpired.IsTerminal())
	assert.False(t, model.ReminderPending.IsTerminal())
	assert.False(t, model.ReminderSnoozed.IsTerminal())
}
