// Package reminder decides when learned transitions become scheduled
// reminder candidates, and correlates later events against open candidates.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// Decision is a positive policy outcome. A nil decision (not an error)
// means "do not remind".
type Decision struct {
	ShouldSchedule bool
	Style          model.ReminderStyle
	CheckAt        time.Time
	Reason         string
}

// PolicyEvaluator turns a learned transition plus current context and user
// preferences into a schedule-or-not decision. Daily counters and
// last-reminded marks live in Redis so every agent instance sees the same
// budget.
type PolicyEvaluator struct {
	redis  redis.Client
	clock  clock.Clock
	policy config.Policy
	logger *slog.Logger
}

// NewPolicyEvaluator creates a policy evaluator.
func NewPolicyEvaluator(redisClient redis.Client, clk clock.Clock, policy config.Policy, logger *slog.Logger) *PolicyEvaluator {
	return &PolicyEvaluator{
		redis:  redisClient,
		clock:  clk,
		policy: policy,
		logger: logger,
	}
}

// Evaluate returns nil when reminders are disabled, confidence is below
// the floor, the person's daily budget is spent, or the target action was
// reminded too recently. Otherwise it returns when and how to remind, with
// a human-auditable reason naming the transition and confidence that drove
// the decision.
func (p *PolicyEvaluator) Evaluate(ctx context.Context, t model.ActionTransition, current model.ActionContext, prefs model.UserReminderPreferences) (*Decision, error) {
	if !prefs.Enabled {
		p.logger.Debug("Reminders disabled", "person", t.PersonID)
		return nil, nil
	}

	if t.Confidence < p.policy.ConfidenceFloor {
		p.logger.Debug("Confidence below floor",
			"person", t.PersonID,
			"transition", t.Key(),
			"confidence", t.Confidence,
			"floor", p.policy.ConfidenceFloor)
		return nil, nil
	}

	now := p.clock.Now()

	used, err := p.dailyCount(ctx, t.PersonID, now)
	if err != nil {
		// Budget state unavailable: remind rather than go silent, the
		// counter converges again once Redis returns.
		p.logger.Warn("Daily counter unavailable, continuing", "person", t.PersonID, "error", err)
	} else if prefs.DailyLimit > 0 && used >= prefs.DailyLimit {
		p.logger.Debug("Daily limit reached",
			"person", t.PersonID, "used", used, "limit", prefs.DailyLimit)
		return nil, nil
	}

	last, err := p.lastReminded(ctx, t.PersonID, t.ToAction)
	if err == nil && prefs.MinimumInterval > 0 && now.Sub(last) < prefs.MinimumInterval {
		p.logger.Debug("Action reminded too recently",
			"person", t.PersonID,
			"action", t.ToAction,
			"last", last.Format(time.RFC3339))
		return nil, nil
	}

	delay := t.AverageDelay
	if p.policy.MaxCheckAtHorizon > 0 && delay > p.policy.MaxCheckAtHorizon {
		delay = p.policy.MaxCheckAtHorizon
	}
	if delay < 0 {
		delay = 0
	}

	return &Decision{
		ShouldSchedule: true,
		Style:          styleFor(current, prefs.DefaultStyle),
		CheckAt:        now.Add(delay),
		Reason: fmt.Sprintf("%s→%s in bucket %q reinforced %d times, confidence %.2f (%s)",
			t.FromAction, t.ToAction, t.BucketKey, t.OccurrenceCount, t.Confidence, t.Label()),
	}, nil
}

// RecordScheduled charges a scheduled reminder against the person's daily
// budget and marks the action as recently reminded.
func (p *PolicyEvaluator) RecordScheduled(ctx context.Context, personID, action string) error {
	now := p.clock.Now()
	countKey := redis.DailyCountKey(personID, now.Format("2006-01-02"))

	if _, err := p.redis.Incr(ctx, countKey); err != nil {
		return fmt.Errorf("failed to charge daily budget: %w", err)
	}
	// Counter keys only matter for their own day; expire after two to
	// survive clock skew around midnight.
	if err := p.redis.Expire(ctx, countKey, 48*time.Hour); err != nil {
		p.logger.Warn("Failed to expire daily counter", "key", countKey, "error", err)
	}

	lastKey := redis.LastRemindKey(personID, action)
	if err := p.redis.Set(ctx, lastKey, now.Format(time.RFC3339Nano), 0); err != nil {
		return fmt.Errorf("failed to record last reminder: %w", err)
	}
	return nil
}

func (p *PolicyEvaluator) dailyCount(ctx context.Context, personID string, now time.Time) (int, error) {
	key := redis.DailyCountKey(personID, now.Format("2006-01-02"))
	val, err := p.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrKeyMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("malformed daily counter %s: %w", key, err)
	}
	return count, nil
}

func (p *PolicyEvaluator) lastReminded(ctx context.Context, personID, action string) (time.Time, error) {
	val, err := p.redis.Get(ctx, redis.LastRemindKey(personID, action))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// styleFor applies context overrides on top of the user's preferred style.
// A sleeping or quiet household softens the reminder; an explicit urgency
// signal escalates it.
func styleFor(current model.ActionContext, preferred model.ReminderStyle) model.ReminderStyle {
	if preferred == "" {
		preferred = model.StyleNormal
	}

	switch current.StateSignals["urgency"] {
	case "high":
		return model.StyleUrgent
	case "low":
		return model.StyleGentle
	}

	switch current.StateSignals["household_mode"] {
	case "sleeping", "quiet":
		return model.StyleGentle
	}

	return preferred
}
