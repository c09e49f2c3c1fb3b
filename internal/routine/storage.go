package routine

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

// PostgresStore persists routines and their reminders. Statistics travel
// as JSONB so the estimators round-trip without a column per marker.
//
// Schema (migrations/004_routines.sql):
//
//	CREATE TABLE routines (
//	    id           UUID PRIMARY KEY,
//	    person_id    TEXT NOT NULL,
//	    intent_type  TEXT NOT NULL,
//	    window_start TIMESTAMPTZ NOT NULL,
//	    window_end   TIMESTAMPTZ NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    version      BIGINT NOT NULL DEFAULT 0
//	);
//	CREATE TABLE routine_reminders (
//	    id               UUID PRIMARY KEY,
//	    routine_id       UUID NOT NULL REFERENCES routines(id),
//	    suggested_action TEXT NOT NULL,
//	    stats            JSONB NOT NULL DEFAULT '{}',
//	    last_update      TIMESTAMPTZ,
//	    last_decay       TIMESTAMPTZ,
//	    version          BIGINT NOT NULL DEFAULT 0,
//	    UNIQUE (routine_id, suggested_action)
//	);
type PostgresStore struct {
	pg postgres.Client
}

// NewPostgresStore creates a routine store backed by Postgres.
func NewPostgresStore(pg postgres.Client) *PostgresStore {
	return &PostgresStore{pg: pg}
}

// GetOrOpenRoutine returns the routine whose window contains observedAt
// for (person, intent), inserting a new window when none does.
func (s *PostgresStore) GetOrOpenRoutine(ctx context.Context, personID, intentType string, observedAt time.Time, window time.Duration) (Routine, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT id, person_id, intent_type, window_start, window_end, created_at, version
		FROM routines
		WHERE person_id = $1 AND intent_type = $2
		  AND window_start <= $3 AND window_end > $3
		ORDER BY window_start DESC
		LIMIT 1`,
		personID, intentType, observedAt)

	routine, err := scanRoutine(row)
	if err == nil {
		return routine, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Routine{}, err
	}

	routine = Routine{
		ID:          uuid.New().String(),
		PersonID:    personID,
		IntentType:  intentType,
		WindowStart: observedAt,
		WindowEnd:   observedAt.Add(window),
		CreatedAt:   observedAt,
	}
	_, err = s.pg.Exec(ctx, `
		INSERT INTO routines (id, person_id, intent_type, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		routine.ID, routine.PersonID, routine.IntentType,
		routine.WindowStart, routine.WindowEnd, routine.CreatedAt)
	if err != nil {
		return Routine{}, fmt.Errorf("failed to open routine window: %w", err)
	}
	return routine, nil
}

const reminderColumns = `
	id, routine_id, suggested_action, stats, last_update, last_decay, version`

// GetOrCreateReminder returns the reminder for (routine, action),
// inserting an empty-statistics row when none exists.
func (s *PostgresStore) GetOrCreateReminder(ctx context.Context, routineID, suggestedAction string) (Reminder, error) {
	_, err := s.pg.Exec(ctx, `
		INSERT INTO routine_reminders (id, routine_id, suggested_action, stats)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (routine_id, suggested_action) DO NOTHING`,
		uuid.New().String(), routineID, suggestedAction, mustEncodeStats(NewDelayStats()))
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to ensure reminder row: %w", err)
	}

	row := s.pg.QueryRow(ctx, `
		SELECT `+reminderColumns+`
		FROM routine_reminders
		WHERE routine_id = $1 AND suggested_action = $2`,
		routineID, suggestedAction)

	return scanReminder(row)
}

// UpdateReminder writes statistics back, guarded by version. Returns
// model.ErrConflict when another writer advanced the row first.
func (s *PostgresStore) UpdateReminder(ctx context.Context, r Reminder) error {
	statsJSON, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode reminder stats: %w", err)
	}

	res, err := s.pg.Exec(ctx, `
		UPDATE routine_reminders
		SET stats = $1,
		    last_update = $2,
		    last_decay = $3,
		    version = version + 1
		WHERE id = $4 AND version = $5`,
		statsJSON,
		nullableTime(r.LastUpdate),
		nullableTime(r.LastDecay),
		r.ID,
		r.Version)
	if err != nil {
		return fmt.Errorf("failed to update reminder %s: %w", r.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("reminder %s version %d: %w", r.ID, r.Version, model.ErrConflict)
	}
	return nil
}

// ListReminders enumerates the reminders of a person's routines for one
// intent type, most recently reinforced first.
func (s *PostgresStore) ListReminders(ctx context.Context, personID, intentType string) ([]Reminder, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT r.id, r.routine_id, r.suggested_action, r.stats, r.last_update, r.last_decay, r.version
		FROM routine_reminders r
		JOIN routines rt ON rt.id = r.routine_id
		WHERE rt.person_id = $1 AND rt.intent_type = $2
		ORDER BY r.last_update DESC NULLS LAST`,
		personID, intentType)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders for %s/%s: %w", personID, intentType, err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

// ListUpdatedBefore returns reminders last updated before the cutoff.
func (s *PostgresStore) ListUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Reminder, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM routine_reminders
		WHERE last_update IS NOT NULL AND last_update < $1
		ORDER BY last_update ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decay-eligible reminders: %w", err)
	}
	defer rows.Close()

	return collectReminders(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoutine(row rowScanner) (Routine, error) {
	var r Routine
	err := row.Scan(&r.ID, &r.PersonID, &r.IntentType, &r.WindowStart, &r.WindowEnd, &r.CreatedAt, &r.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Routine{}, err
		}
		return Routine{}, fmt.Errorf("failed to scan routine: %w", err)
	}
	r.WindowStart = r.WindowStart.UTC()
	r.WindowEnd = r.WindowEnd.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var statsJSON []byte
	var lastUpdate, lastDecay *time.Time

	err := row.Scan(&r.ID, &r.RoutineID, &r.SuggestedAction, &statsJSON, &lastUpdate, &lastDecay, &r.Version)
	if err != nil {
		return Reminder{}, fmt.Errorf("failed to scan reminder: %w", err)
	}

	r.Stats = NewDelayStats()
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, r.Stats); err != nil {
			return Reminder{}, fmt.Errorf("failed to decode reminder stats: %w", err)
		}
	}
	if lastUpdate != nil {
		r.LastUpdate = lastUpdate.UTC()
	}
	if lastDecay != nil {
		r.LastDecay = lastDecay.UTC()
	}
	return r, nil
}

func collectReminders(rows *sql.Rows) ([]Reminder, error) {
	var reminders []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func mustEncodeStats(s *DelayStats) []byte {
	encoded, err := json.Marshal(s)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
