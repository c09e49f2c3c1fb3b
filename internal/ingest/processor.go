// Package ingest receives action events and reminder feedback from the
// message bus and drives the learning pipeline.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/habitus-home/habitus-platform/internal/bucket"
	"github.com/habitus-home/habitus-platform/internal/reminder"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// Processor parses bus messages into domain values and completes partial
// contexts from the event timestamp and configured coordinates.
type Processor struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewProcessor creates a message processor.
func NewProcessor(cfg *config.Config, logger *slog.Logger) *Processor {
	return &Processor{cfg: cfg, logger: logger}
}

// ParseActionMessage parses an action event from its topic and payload.
// Topic pattern: assistant/action/{person}. Payloads may arrive wrapped
// in {"data": {...}}; both forms are accepted. The person segment of the
// topic wins over any person_id in the payload.
func (p *Processor) ParseActionMessage(topic string, payload []byte) (model.ActionEvent, error) {
	personID, err := personFromTopic(topic, "action")
	if err != nil {
		return model.ActionEvent{}, err
	}

	var event model.ActionEvent
	if err := json.Unmarshal(unwrapData(payload), &event); err != nil {
		return model.ActionEvent{}, fmt.Errorf("failed to parse action payload: %w", err)
	}
	event.PersonID = personID
	event.Timestamp = event.Timestamp.UTC()

	p.completeContext(&event)

	if err := event.Validate(); err != nil {
		return model.ActionEvent{}, err
	}

	p.logger.Debug("Parsed action event",
		"person", event.PersonID,
		"action", event.ActionType,
		"bucket", bucket.Key(event.Context))

	return event, nil
}

// ParseFeedbackMessage parses reminder feedback from its topic and
// payload. Topic pattern: assistant/feedback/{person}.
func (p *Processor) ParseFeedbackMessage(topic string, payload []byte) (string, reminder.Feedback, error) {
	personID, err := personFromTopic(topic, "feedback")
	if err != nil {
		return "", reminder.Feedback{}, err
	}

	var raw struct {
		CandidateID string `json:"candidate_id"`
		Kind        string `json:"kind"`
		SnoozeForMs int64  `json:"snooze_for_ms"`
	}
	if err := json.Unmarshal(unwrapData(payload), &raw); err != nil {
		return "", reminder.Feedback{}, fmt.Errorf("failed to parse feedback payload: %w", err)
	}
	if raw.CandidateID == "" {
		return "", reminder.Feedback{}, &model.ValidationError{Field: "candidate_id", Reason: "missing"}
	}

	return personID, reminder.Feedback{
		CandidateID: raw.CandidateID,
		Kind:        reminder.FeedbackKind(raw.Kind),
		SnoozeFor:   time.Duration(raw.SnoozeForMs) * time.Millisecond,
	}, nil
}

// completeContext fills the derivable context fields producers often omit.
func (p *Processor) completeContext(event *model.ActionEvent) {
	if event.Timestamp.IsZero() {
		return
	}
	if event.Context.TimeBucket == "" {
		event.Context.TimeBucket = bucket.DeriveTimeBucket(event.Timestamp, p.cfg.Latitude, p.cfg.Longitude)
	}
	if event.Context.DayType == "" {
		event.Context.DayType = bucket.DeriveDayType(event.Timestamp)
	}
}

func personFromTopic(topic, kind string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "assistant" || parts[1] != kind || parts[2] == "" {
		return "", fmt.Errorf("invalid %s topic: %s", kind, topic)
	}
	return parts[2], nil
}

// unwrapData strips the optional {"data": {...}} envelope some producers
// wrap payloads in.
func unwrapData(payload []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return payload
}
