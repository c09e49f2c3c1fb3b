package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
)

// PostgresStore persists transitions in the action_transitions table.
//
// Schema (migrations/001_transitions.sql):
//
//	CREATE TABLE action_transitions (
//	    id               UUID PRIMARY KEY,
//	    person_id        TEXT NOT NULL,
//	    from_action      TEXT NOT NULL,
//	    to_action        TEXT NOT NULL,
//	    bucket_key       TEXT NOT NULL,
//	    occurrence_count INTEGER NOT NULL DEFAULT 0,
//	    average_delay_ms BIGINT NOT NULL DEFAULT 0,
//	    confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    last_observed    TIMESTAMPTZ,
//	    version          BIGINT NOT NULL DEFAULT 0,
//	    UNIQUE (person_id, from_action, to_action, bucket_key)
//	);
type PostgresStore struct {
	pg postgres.Client
}

// NewPostgresStore creates a transition store backed by Postgres.
func NewPostgresStore(pg postgres.Client) *PostgresStore {
	return &PostgresStore{pg: pg}
}

const transitionColumns = `
	id, person_id, from_action, to_action, bucket_key,
	occurrence_count, average_delay_ms, confidence, last_observed, version`

// GetOrCreate returns the transition for the composite key, inserting a
// zero-count row when none exists. Insert-then-select keeps the operation
// race-safe under concurrent first observations of the same key.
func (s *PostgresStore) GetOrCreate(ctx context.Context, personID, fromAction, toAction, bucketKey string) (model.ActionTransition, error) {
	_, err := s.pg.Exec(ctx, `
		INSERT INTO action_transitions (id, person_id, from_action, to_action, bucket_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (person_id, from_action, to_action, bucket_key) DO NOTHING`,
		uuid.New().String(), personID, fromAction, toAction, bucketKey)
	if err != nil {
		return model.ActionTransition{}, fmt.Errorf("failed to ensure transition row: %w", err)
	}

	row := s.pg.QueryRow(ctx, `
		SELECT `+transitionColumns+`
		FROM action_transitions
		WHERE person_id = $1 AND from_action = $2 AND to_action = $3 AND bucket_key = $4`,
		personID, fromAction, toAction, bucketKey)

	return scanTransition(row)
}

// Update writes a transition back, guarded by its version. Returns
// model.ErrConflict when another writer advanced the row first.
func (s *PostgresStore) Update(ctx context.Context, t model.ActionTransition) error {
	res, err := s.pg.Exec(ctx, `
		UPDATE action_transitions
		SET occurrence_count = $1,
		    average_delay_ms = $2,
		    confidence = $3,
		    last_observed = $4,
		    version = version + 1
		WHERE id = $5 AND version = $6`,
		t.OccurrenceCount,
		t.AverageDelay.Milliseconds(),
		t.Confidence,
		nullableTime(t.LastObserved),
		t.ID,
		t.Version)
	if err != nil {
		return fmt.Errorf("failed to update transition %s: %w", t.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transition %s version %d: %w", t.ID, t.Version, model.ErrConflict)
	}
	return nil
}

// ListByPerson enumerates a person's transitions, most recently observed
// first.
func (s *PostgresStore) ListByPerson(ctx context.Context, personID string) ([]model.ActionTransition, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+transitionColumns+`
		FROM action_transitions
		WHERE person_id = $1
		ORDER BY last_observed DESC NULLS LAST`,
		personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions for %s: %w", personID, err)
	}
	defer rows.Close()

	var transitions []model.ActionTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// ListObservedBefore returns transitions last observed before the cutoff.
func (s *PostgresStore) ListObservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.ActionTransition, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+transitionColumns+`
		FROM action_transitions
		WHERE last_observed IS NOT NULL AND last_observed < $1
		ORDER BY last_observed ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decay-eligible transitions: %w", err)
	}
	defer rows.Close()

	var transitions []model.ActionTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransition(row rowScanner) (model.ActionTransition, error) {
	var t model.ActionTransition
	var delayMs int64
	var lastObserved *time.Time

	err := row.Scan(
		&t.ID,
		&t.PersonID,
		&t.FromAction,
		&t.ToAction,
		&t.BucketKey,
		&t.OccurrenceCount,
		&delayMs,
		&t.Confidence,
		&lastObserved,
		&t.Version,
	)
	if err != nil {
		return model.ActionTransition{}, fmt.Errorf("failed to scan transition: %w", err)
	}

	t.AverageDelay = time.Duration(delayMs) * time.Millisecond
	if lastObserved != nil {
		t.LastObserved = lastObserved.UTC()
	}
	return t, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
