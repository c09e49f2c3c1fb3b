package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/habitus-home/habitus-platform/internal/bucket"
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

// timelineRetention bounds the per-person Redis timeline.
const timelineRetention = 7 * 24 * time.Hour

// PreferencesSource resolves a person's reminder preferences.
type PreferencesSource interface {
	Resolve(ctx context.Context, personID string) model.UserReminderPreferences
}

// RoutineLearner folds qualifying observations into routine statistics.
type RoutineLearner interface {
	Observe(ctx context.Context, personID, intentType, suggestedAction string, observedAt time.Time) (routine.Reminder, error)
}

// ReminderNotice is the payload published for a newly scheduled reminder.
type ReminderNotice struct {
	CandidateID     string              `json:"candidate_id"`
	PersonID        string              `json:"person_id"`
	SuggestedAction string              `json:"suggested_action"`
	CheckAt         time.Time           `json:"check_at"`
	Style           model.ReminderStyle `json:"style"`
	Confidence      float64             `json:"confidence"`
	Reason          string              `json:"reason"`
}

// Agent is the learner agent: it ingests action events from the bus,
// reinforces the transition model, folds observations into routines, and
// schedules reminder candidates when the policy allows.
type Agent struct {
	mqtt       mqtt.Client
	redis      redis.Client
	processor  *Processor
	events     EventStore
	learner    *transition.Learner
	normalizer *signal.Normalizer
	evaluator  *reminder.PolicyEvaluator
	matcher    *reminder.Matcher
	candidates *reminder.Candidates
	prefs      PreferencesSource
	routines   RoutineLearner
	clock      clock.Clock
	policy     config.Policy
	cfg        *config.Config
	logger     *slog.Logger
}

// Deps bundles the collaborators of the learner agent.
type Deps struct {
	MQTT       mqtt.Client
	Redis      redis.Client
	Events     EventStore
	Learner    *transition.Learner
	Normalizer *signal.Normalizer
	Evaluator  *reminder.PolicyEvaluator
	Matcher    *reminder.Matcher
	Candidates *reminder.Candidates
	Prefs      PreferencesSource
	Routines   RoutineLearner
	Clock      clock.Clock
}

// NewAgent creates a learner agent.
func NewAgent(deps Deps, cfg *config.Config, policy config.Policy, logger *slog.Logger) *Agent {
	return &Agent{
		mqtt:       deps.MQTT,
		redis:      deps.Redis,
		processor:  NewProcessor(cfg, logger),
		events:     deps.Events,
		learner:    deps.Learner,
		normalizer: deps.Normalizer,
		evaluator:  deps.Evaluator,
		matcher:    deps.Matcher,
		candidates: deps.Candidates,
		prefs:      deps.Prefs,
		routines:   deps.Routines,
		clock:      deps.Clock,
		policy:     policy,
		cfg:        cfg,
		logger:     logger,
	}
}

// Start connects to the bus, subscribes to action and feedback topics and
// blocks until the context is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting learner agent",
		"service_name", a.cfg.ServiceName,
		"mqtt_broker", a.cfg.MQTTAddress())

	if err := a.mqtt.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	if err := a.redis.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	if mgr, ok := a.clock.(*clock.Manager); ok {
		if err := mgr.ConfigureFromMQTT(a.mqtt); err != nil {
			a.logger.Warn("Failed to subscribe to time config", "error", err)
		}
	}

	if err := a.mqtt.Subscribe(mqtt.TopicActionEvents, 1, a.handleAction); err != nil {
		return fmt.Errorf("failed to subscribe to action events: %w", err)
	}
	if err := a.mqtt.Subscribe(mqtt.TopicReminderFeedback, 1, a.handleFeedback); err != nil {
		return fmt.Errorf("failed to subscribe to feedback: %w", err)
	}

	a.logger.Info("Learner agent ready",
		"action_topic", mqtt.TopicActionEvents,
		"feedback_topic", mqtt.TopicReminderFeedback)

	<-ctx.Done()
	a.logger.Info("Learner agent stopping")
	return nil
}

// Stop disconnects from the bus.
func (a *Agent) Stop() error {
	a.logger.Info("Stopping learner agent")
	a.mqtt.Disconnect()
	return nil
}

func (a *Agent) handleAction(msg mqtt.Message) {
	event, err := a.processor.ParseActionMessage(msg.Topic(), msg.Payload())
	if err != nil {
		a.logger.Error("Rejected action message", "topic", msg.Topic(), "error", err)
		return
	}

	if err := a.IngestEvent(context.Background(), event); err != nil {
		a.logger.Error("Failed to ingest event",
			"person", event.PersonID,
			"action", event.ActionType,
			"error", err)
	}
}

func (a *Agent) handleFeedback(msg mqtt.Message) {
	personID, fb, err := a.processor.ParseFeedbackMessage(msg.Topic(), msg.Payload())
	if err != nil {
		a.logger.Error("Rejected feedback message", "topic", msg.Topic(), "error", err)
		return
	}

	cand, err := a.candidates.ApplyFeedback(context.Background(), fb)
	if err != nil {
		a.logger.Error("Failed to apply feedback",
			"person", personID,
			"candidate", fb.CandidateID,
			"kind", fb.Kind,
			"error", err)
		return
	}

	a.logger.Info("Reminder feedback processed",
		"person", personID,
		"candidate", cand.ID,
		"status", cand.Status)
}

// IngestEvent runs the full learning pipeline for one validated event:
// it is recorded unconditionally and confirms matching open candidates.
// In-order events additionally reinforce the transition model, feed the
// routine statistics, and may schedule a new reminder candidate.
func (a *Agent) IngestEvent(ctx context.Context, event model.ActionEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	latest, latestErr := a.events.Latest(ctx, event.PersonID)
	hasLatest := latestErr == nil
	if latestErr != nil && !errors.Is(latestErr, model.ErrNotFound) {
		return fmt.Errorf("failed to fetch latest event: %w", latestErr)
	}

	prev, prevErr := a.events.LatestBefore(ctx, event.PersonID, event.Timestamp)
	hasPrev := prevErr == nil
	if prevErr != nil && !errors.Is(prevErr, model.ErrNotFound) {
		return fmt.Errorf("failed to fetch prior event: %w", prevErr)
	}

	// The record is kept even when learning below is skipped.
	if err := a.events.Append(ctx, event); err != nil {
		return err
	}
	a.recordTimeline(ctx, event)

	profile := a.normalizer.Normalize(event.Signals, a.policy.TopKSignals)

	a.confirmMatching(ctx, event, profile)

	// An event that lands behind the person's newest recorded one is
	// stored above but kept out of the delay statistics.
	if hasLatest && event.Timestamp.Before(latest.Timestamp) {
		a.logger.Warn("Out-of-order event stored without learning",
			"person", event.PersonID,
			"action", event.ActionType,
			"timestamp", event.Timestamp.Format(time.RFC3339),
			"last_seen", latest.Timestamp.Format(time.RFC3339))
		return &model.OrderingViolation{
			PersonID:  event.PersonID,
			Timestamp: event.Timestamp,
			LastSeen:  latest.Timestamp,
		}
	}

	if err := a.LearnRoutine(ctx, event); err != nil {
		a.logger.Warn("Routine learning failed",
			"person", event.PersonID, "action", event.ActionType, "error", err)
	}

	if !hasPrev {
		a.logger.Debug("First event for person, nothing to reinforce",
			"person", event.PersonID, "action", event.ActionType)
		return nil
	}

	if _, err := a.learner.Observe(ctx, prev, event); err != nil {
		return fmt.Errorf("failed to reinforce transition: %w", err)
	}

	return a.EvaluateTransitions(ctx, event, profile)
}

// EvaluateTransitions predicts what tends to follow the event's action in
// its context bucket and runs the reminder policy for each learned
// follow-up, scheduling candidates unless an equivalent one is open.
func (a *Agent) EvaluateTransitions(ctx context.Context, event model.ActionEvent, profile model.SignalProfile) error {
	key := bucket.Key(event.Context)

	transitions, err := a.learner.Snapshot(ctx, event.PersonID)
	if err != nil {
		return fmt.Errorf("failed to snapshot transitions: %w", err)
	}

	prefs := a.prefs.Resolve(ctx, event.PersonID)

	for _, t := range transitions {
		if t.FromAction != event.ActionType || t.BucketKey != key {
			continue
		}
		if err := a.scheduleFromTransition(ctx, t, event, profile, prefs); err != nil {
			a.logger.Warn("Failed to schedule from transition",
				"transition", t.Key(), "error", err)
		}
	}
	return nil
}

func (a *Agent) scheduleFromTransition(ctx context.Context, t model.ActionTransition, event model.ActionEvent, profile model.SignalProfile, prefs model.UserReminderPreferences) error {
	decision, err := a.evaluator.Evaluate(ctx, t, event.Context, prefs)
	if err != nil {
		return fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if decision == nil {
		return nil
	}

	duplicates, err := a.FindMatchingReminders(ctx, model.ActionEvent{
		PersonID:   t.PersonID,
		ActionType: t.ToAction,
		Timestamp:  decision.CheckAt,
		Context:    event.Context,
	}, profile)
	if err != nil {
		return err
	}
	if len(duplicates) > 0 {
		a.logger.Debug("Equivalent candidate already open, not rescheduling",
			"person", t.PersonID,
			"action", t.ToAction,
			"open", duplicates[0].ID)
		return nil
	}

	now := a.clock.Now()
	cand := model.ReminderCandidate{
		ID:              uuid.New().String(),
		PersonID:        t.PersonID,
		SuggestedAction: t.ToAction,
		CheckAt:         decision.CheckAt,
		Style:           decision.Style,
		Status:          model.ReminderPending,
		TransitionID:    t.ID,
		Confidence:      t.Confidence,
		Context:         event.Context,
		Baseline:        profile,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.candidates.Store().Create(ctx, cand); err != nil {
		return fmt.Errorf("failed to create candidate: %w", err)
	}

	if err := a.publishNotice(cand, decision.Reason); err != nil {
		a.logger.Warn("Failed to publish reminder notice",
			"candidate", cand.ID, "error", err)
	}

	if err := a.evaluator.RecordScheduled(ctx, cand.PersonID, cand.SuggestedAction); err != nil {
		a.logger.Warn("Failed to charge reminder budget",
			"candidate", cand.ID, "error", err)
	}

	a.logger.Info("Reminder candidate scheduled",
		"candidate", cand.ID,
		"person", cand.PersonID,
		"action", cand.SuggestedAction,
		"check_at", cand.CheckAt.Format(time.RFC3339),
		"reason", decision.Reason)

	return nil
}

// FindMatchingReminders returns the open candidates matching an event
// under the default criteria.
func (a *Agent) FindMatchingReminders(ctx context.Context, event model.ActionEvent, profile model.SignalProfile) ([]model.ReminderCandidate, error) {
	matches, err := a.matcher.FindMatches(ctx, event, profile, reminder.DefaultCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to match candidates: %w", err)
	}
	return matches, nil
}

// LearnRoutine folds the event into the routine of its daypart. Routines
// group recurring actions per (person, daypart-daytype) intent.
func (a *Agent) LearnRoutine(ctx context.Context, event model.ActionEvent) error {
	intent := event.Context.TimeBucket + "_" + event.Context.DayType
	_, err := a.routines.Observe(ctx, event.PersonID, intent, event.ActionType, event.Timestamp)
	return err
}

// confirmMatching auto-confirms open candidates the event satisfies: the
// person just performed the suggested action, so the prediction was right.
func (a *Agent) confirmMatching(ctx context.Context, event model.ActionEvent, profile model.SignalProfile) {
	matches, err := a.FindMatchingReminders(ctx, event, profile)
	if err != nil {
		a.logger.Warn("Candidate matching failed", "person", event.PersonID, "error", err)
		return
	}

	for _, cand := range matches {
		if _, err := a.candidates.ApplyFeedback(ctx, reminder.Feedback{
			CandidateID: cand.ID,
			Kind:        reminder.FeedbackConfirm,
		}); err != nil {
			a.logger.Warn("Failed to auto-confirm candidate",
				"candidate", cand.ID, "error", err)
			continue
		}
		a.logger.Info("Candidate auto-confirmed by observed action",
			"candidate", cand.ID,
			"person", event.PersonID,
			"action", event.ActionType)
	}
}

// recordTimeline appends the event to the person's Redis timeline and
// drops entries past the retention window.
func (a *Agent) recordTimeline(ctx context.Context, event model.ActionEvent) {
	key := redis.TimelineKey(event.PersonID)
	score := float64(event.Timestamp.UnixMilli())
	member := fmt.Sprintf("%s@%s", event.ActionType, event.Timestamp.Format(time.RFC3339Nano))

	if err := a.redis.ZAdd(ctx, key, score, member); err != nil {
		a.logger.Warn("Failed to record timeline entry", "key", key, "error", err)
		return
	}

	horizon := a.clock.Now().Add(-timelineRetention).UnixMilli()
	if err := a.redis.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", horizon)); err != nil {
		a.logger.Warn("Failed to trim timeline", "key", key, "error", err)
	}
}

func (a *Agent) publishNotice(cand model.ReminderCandidate, reason string) error {
	payload, err := json.Marshal(ReminderNotice{
		CandidateID:     cand.ID,
		PersonID:        cand.PersonID,
		SuggestedAction: cand.SuggestedAction,
		CheckAt:         cand.CheckAt,
		Style:           cand.Style,
		Confidence:      cand.Confidence,
		Reason:          reason,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reminder notice: %w", err)
	}
	return a.mqtt.Publish(mqtt.ReminderTopic(cand.PersonID), 1, false, payload)
}
