package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/internal/reminder"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/mqtt"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// notifiedTTL keeps delivery markers around long past the grace period.
const notifiedTTL = 24 * time.Hour

// AdvanceReport summarizes one advancement pass.
type AdvanceReport struct {
	Delivered int
	Expired   int
	Failures  int
}

// DueNotice is the payload published when a candidate's check time
// arrives without the action having been observed.
type DueNotice struct {
	CandidateID     string              `json:"candidate_id"`
	PersonID        string              `json:"person_id"`
	SuggestedAction string              `json:"suggested_action"`
	CheckAt         time.Time           `json:"check_at"`
	Style           model.ReminderStyle `json:"style"`
	Confidence      float64             `json:"confidence"`
}

// Advancer moves due candidates along: a pending candidate past its check
// time is delivered once over the bus, and one past the grace period with
// no feedback is expired.
type Advancer struct {
	candidates *reminder.Candidates
	mqtt       mqtt.Client
	redis      redis.Client
	clock      clock.Clock
	policy     config.Policy
	logger     *slog.Logger
}

// NewAdvancer creates the advancement pass.
func NewAdvancer(candidates *reminder.Candidates, mqttClient mqtt.Client, redisClient redis.Client, clk clock.Clock, policy config.Policy, logger *slog.Logger) *Advancer {
	return &Advancer{
		candidates: candidates,
		mqtt:       mqttClient,
		redis:      redisClient,
		clock:      clk,
		policy:     policy,
		logger:     logger,
	}
}

// Run executes one advancement pass. Per-candidate failures are logged
// and skipped; they never abort the rest of the pass.
func (a *Advancer) Run(ctx context.Context) (AdvanceReport, error) {
	now := a.clock.Now()
	var report AdvanceReport

	due, err := a.candidates.Store().ListDue(ctx, now, batchLimit)
	if err != nil {
		return report, fmt.Errorf("failed to list due candidates: %w", err)
	}

	for _, cand := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if now.After(cand.CheckAt.Add(a.policy.CandidateGrace)) {
			if err := a.candidates.Expire(ctx, cand); err != nil {
				report.Failures++
				a.logger.Warn("Failed to expire candidate",
					"candidate", cand.ID, "error", err)
				continue
			}
			report.Expired++
			a.logger.Info("Candidate expired without feedback",
				"candidate", cand.ID,
				"person", cand.PersonID,
				"action", cand.SuggestedAction)
			continue
		}

		delivered, err := a.deliverOnce(ctx, cand)
		if err != nil {
			report.Failures++
			a.logger.Warn("Failed to deliver due reminder",
				"candidate", cand.ID, "error", err)
			continue
		}
		if delivered {
			report.Delivered++
		}
	}

	a.logger.Info("Advance pass completed",
		"delivered", report.Delivered,
		"expired", report.Expired,
		"failures", report.Failures)

	return report, nil
}

// deliverOnce publishes the due reminder unless an earlier pass already
// did; the Redis marker makes redelivery across ticks a no-op.
func (a *Advancer) deliverOnce(ctx context.Context, cand model.ReminderCandidate) (bool, error) {
	key := redis.NotifiedKey(cand.ID)

	if _, err := a.redis.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, redis.ErrKeyMissing) {
		return false, fmt.Errorf("failed to check delivery marker: %w", err)
	}

	payload, err := json.Marshal(DueNotice{
		CandidateID:     cand.ID,
		PersonID:        cand.PersonID,
		SuggestedAction: cand.SuggestedAction,
		CheckAt:         cand.CheckAt,
		Style:           cand.Style,
		Confidence:      cand.Confidence,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode due notice: %w", err)
	}
	if err := a.mqtt.Publish(mqtt.ReminderTopic(cand.PersonID), 1, false, payload); err != nil {
		return false, fmt.Errorf("failed to publish due notice: %w", err)
	}

	if err := a.redis.Set(ctx, key, a.clock.Now().Format(time.RFC3339Nano), notifiedTTL); err != nil {
		a.logger.Warn("Failed to set delivery marker", "candidate", cand.ID, "error", err)
	}

	a.logger.Info("Due reminder delivered",
		"candidate", cand.ID,
		"person", cand.PersonID,
		"action", cand.SuggestedAction,
		"style", cand.Style)

	return true, nil
}
