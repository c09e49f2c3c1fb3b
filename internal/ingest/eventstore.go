package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
)

// EventStore is the append-only record of ingested action events. Events
// are stored even when they violate per-person ordering; only the learning
// path skips them.
type EventStore interface {
	// Append records one event. Events are immutable once stored.
	Append(ctx context.Context, event model.ActionEvent) error

	// Latest returns the person's most recent event regardless of the
	// caller's reference time, or model.ErrNotFound when the person has
	// none. Ordering checks compare new arrivals against this.
	Latest(ctx context.Context, personID string) (model.ActionEvent, error)

	// LatestBefore returns the person's most recent event strictly before
	// the given time, or model.ErrNotFound when the person has none.
	LatestBefore(ctx context.Context, personID string, before time.Time) (model.ActionEvent, error)

	// ListRange returns a person's events in [from, to), oldest first.
	ListRange(ctx context.Context, personID string, from, to time.Time) ([]model.ActionEvent, error)
}

// PostgresEventStore persists events in the action_events table.
//
// Schema (migrations/005_events.sql):
//
//	CREATE TABLE action_events (
//	    id          UUID PRIMARY KEY,
//	    person_id   TEXT NOT NULL,
//	    action_type TEXT NOT NULL,
//	    occurred_at TIMESTAMPTZ NOT NULL,
//	    context     JSONB NOT NULL DEFAULT '{}',
//	    signals     JSONB NOT NULL DEFAULT '[]'
//	);
//	CREATE INDEX idx_action_events_person_time
//	    ON action_events (person_id, occurred_at DESC);
type PostgresEventStore struct {
	pg postgres.Client
}

// NewPostgresEventStore creates an event store backed by Postgres.
func NewPostgresEventStore(pg postgres.Client) *PostgresEventStore {
	return &PostgresEventStore{pg: pg}
}

// Append records one event.
func (s *PostgresEventStore) Append(ctx context.Context, event model.ActionEvent) error {
	contextJSON, err := json.Marshal(event.Context)
	if err != nil {
		return fmt.Errorf("failed to encode event context: %w", err)
	}
	signals := event.Signals
	if signals == nil {
		signals = []model.RawSignal{}
	}
	signalsJSON, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to encode event signals: %w", err)
	}

	_, err = s.pg.Exec(ctx, `
		INSERT INTO action_events (id, person_id, action_type, occurred_at, context, signals)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), event.PersonID, event.ActionType, event.Timestamp,
		contextJSON, signalsJSON)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const eventColumns = `person_id, action_type, occurred_at, context, signals`

// Latest returns the person's most recent event.
func (s *PostgresEventStore) Latest(ctx context.Context, personID string) (model.ActionEvent, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM action_events
		WHERE person_id = $1
		ORDER BY occurred_at DESC
		LIMIT 1`,
		personID)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActionEvent{}, fmt.Errorf("no events for %s: %w", personID, model.ErrNotFound)
	}
	return event, err
}

// LatestBefore returns the person's most recent event strictly before the
// given time.
func (s *PostgresEventStore) LatestBefore(ctx context.Context, personID string, before time.Time) (model.ActionEvent, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM action_events
		WHERE person_id = $1 AND occurred_at < $2
		ORDER BY occurred_at DESC
		LIMIT 1`,
		personID, before)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ActionEvent{}, fmt.Errorf("no prior event for %s: %w", personID, model.ErrNotFound)
	}
	return event, err
}

// ListRange returns a person's events in [from, to), oldest first.
func (s *PostgresEventStore) ListRange(ctx context.Context, personID string, from, to time.Time) ([]model.ActionEvent, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+eventColumns+`
		FROM action_events
		WHERE person_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at ASC`,
		personID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", personID, err)
	}
	defer rows.Close()

	var events []model.ActionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (model.ActionEvent, error) {
	var event model.ActionEvent
	var contextJSON, signalsJSON []byte

	err := row.Scan(&event.PersonID, &event.ActionType, &event.Timestamp, &contextJSON, &signalsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ActionEvent{}, err
		}
		return model.ActionEvent{}, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Timestamp = event.Timestamp.UTC()
	if err := json.Unmarshal(contextJSON, &event.Context); err != nil {
		return model.ActionEvent{}, fmt.Errorf("failed to decode event context: %w", err)
	}
	if err := json.Unmarshal(signalsJSON, &event.Signals); err != nil {
		return model.ActionEvent{}, fmt.Errorf("failed to decode event signals: %w", err)
	}
	return event, nil
}
