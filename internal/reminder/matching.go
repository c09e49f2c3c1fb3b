package reminder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/habitus-home/habitus-platform/internal/signal"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// Criteria toggles the predicates a candidate must satisfy to match an
// observed event. A disabled predicate is vacuously true; an enabled one
// must hold. All enabled predicates must hold for a match.
type Criteria struct {
	SameAction        bool
	SameDayType       bool
	SameTimeBucket    bool
	SameLocation      bool
	OverlappingPeople bool
	SignalSimilarity  bool
	TimeWindow        bool
}

// DefaultCriteria matches the way ingestion auto-confirms candidates: the
// person performed the suggested action, in the right daypart, around the
// predicted time.
func DefaultCriteria() Criteria {
	return Criteria{
		SameAction:     true,
		SameTimeBucket: true,
		TimeWindow:     true,
	}
}

// Matcher finds previously scheduled candidates whose learned context
// matches a newly observed event, so they can be confirmed, suppressed, or
// reused instead of duplicated.
type Matcher struct {
	candidates CandidateStore
	policy     config.Policy
	logger     *slog.Logger
}

// NewMatcher creates a matching service.
func NewMatcher(candidates CandidateStore, policy config.Policy, logger *slog.Logger) *Matcher {
	return &Matcher{
		candidates: candidates,
		policy:     policy,
		logger:     logger,
	}
}

// similarityLister is implemented by stores that can prefilter pending
// candidates by embedding distance before exact predicate evaluation.
type similarityLister interface {
	ListSimilar(ctx context.Context, personID string, profile model.SignalProfile, limit int) ([]model.ReminderCandidate, error)
}

// prefilterLimit bounds the vector prefilter result set.
const prefilterLimit = 64

// FindMatches returns the person's pending candidates that satisfy every
// enabled criterion against the event. The event's signal profile is only
// consulted when the SignalSimilarity criterion is enabled.
func (m *Matcher) FindMatches(ctx context.Context, event model.ActionEvent, profile model.SignalProfile, criteria Criteria) ([]model.ReminderCandidate, error) {
	pending, err := m.listCandidates(ctx, event.PersonID, profile, criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending candidates: %w", err)
	}

	var matches []model.ReminderCandidate
	for _, cand := range pending {
		if m.matches(cand, event, profile, criteria) {
			matches = append(matches, cand)
		}
	}

	m.logger.Debug("Candidate matching completed",
		"person", event.PersonID,
		"action", event.ActionType,
		"pending", len(pending),
		"matches", len(matches))

	return matches, nil
}

// listCandidates narrows the pending set through the vector prefilter when
// the store supports it and signal similarity is part of the criteria. The
// exact predicates still run on whatever comes back.
func (m *Matcher) listCandidates(ctx context.Context, personID string, profile model.SignalProfile, c Criteria) ([]model.ReminderCandidate, error) {
	if c.SignalSimilarity && len(profile) > 0 {
		if lister, ok := m.candidates.(similarityLister); ok {
			return lister.ListSimilar(ctx, personID, profile, prefilterLimit)
		}
	}
	return m.candidates.ListPending(ctx, personID)
}

func (m *Matcher) matches(cand model.ReminderCandidate, event model.ActionEvent, profile model.SignalProfile, c Criteria) bool {
	if c.SameAction && cand.SuggestedAction != event.ActionType {
		return false
	}
	if c.SameDayType && cand.Context.DayType != event.Context.DayType {
		return false
	}
	if c.SameTimeBucket && cand.Context.TimeBucket != event.Context.TimeBucket {
		return false
	}
	if c.SameLocation && cand.Context.Location != event.Context.Location {
		return false
	}
	if c.OverlappingPeople && !peopleOverlap(cand.Context.PresentPeople, event.Context.PresentPeople) {
		return false
	}
	if c.SignalSimilarity {
		if signal.Similarity(cand.Baseline, profile) < m.policy.SimilarityThreshold {
			return false
		}
	}
	if c.TimeWindow {
		offset := event.Timestamp.Sub(cand.CheckAt)
		if offset < 0 {
			offset = -offset
		}
		if offset > m.policy.MatchWindow {
			return false
		}
	}
	return true
}

// peopleOverlap holds when the sets intersect, or when both are empty
// (nothing recorded on either side is not a mismatch).
func peopleOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}
