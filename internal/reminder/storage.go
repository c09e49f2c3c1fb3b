package reminder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/habitus-home/habitus-platform/internal/signal"
	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
)

// PostgresCandidateStore persists candidates in the reminder_candidates
// table. Context and baseline travel as JSONB; the baseline also gets a
// hashed pgvector embedding so similarity prefilters can run server-side.
//
// Schema (migrations/002_reminders.sql):
//
//	CREATE TABLE reminder_candidates (
//	    id                 UUID PRIMARY KEY,
//	    person_id          TEXT NOT NULL,
//	    suggested_action   TEXT NOT NULL,
//	    check_at           TIMESTAMPTZ NOT NULL,
//	    style              TEXT NOT NULL,
//	    status             TEXT NOT NULL,
//	    transition_id      UUID,
//	    confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    context            JSONB NOT NULL DEFAULT '{}',
//	    baseline           JSONB NOT NULL DEFAULT '{}',
//	    baseline_embedding vector(64),
//	    created_at         TIMESTAMPTZ NOT NULL,
//	    updated_at         TIMESTAMPTZ NOT NULL,
//	    version            BIGINT NOT NULL DEFAULT 0
//	);
//	CREATE INDEX idx_reminder_candidates_due
//	    ON reminder_candidates (check_at) WHERE status = 'pending';
type PostgresCandidateStore struct {
	pg           postgres.Client
	embeddingDim int
}

// NewPostgresCandidateStore creates a candidate store backed by Postgres.
func NewPostgresCandidateStore(pg postgres.Client, embeddingDim int) *PostgresCandidateStore {
	return &PostgresCandidateStore{pg: pg, embeddingDim: embeddingDim}
}

const candidateColumns = `
	id, person_id, suggested_action, check_at, style, status,
	transition_id, confidence, context, baseline, created_at, updated_at, version`

// Create inserts a new candidate row.
func (s *PostgresCandidateStore) Create(ctx context.Context, cand model.ReminderCandidate) error {
	contextJSON, baselineJSON, err := marshalCandidate(cand)
	if err != nil {
		return err
	}

	_, err = s.pg.Exec(ctx, `
		INSERT INTO reminder_candidates
			(id, person_id, suggested_action, check_at, style, status,
			 transition_id, confidence, context, baseline, baseline_embedding,
			 created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cand.ID,
		cand.PersonID,
		cand.SuggestedAction,
		cand.CheckAt,
		cand.Style,
		cand.Status,
		nullableString(cand.TransitionID),
		cand.Confidence,
		contextJSON,
		baselineJSON,
		s.embedBaseline(cand.Baseline),
		cand.CreatedAt,
		cand.UpdatedAt,
		cand.Version)
	if err != nil {
		return fmt.Errorf("failed to insert candidate %s: %w", cand.ID, err)
	}
	return nil
}

// Get loads a candidate by id. Returns model.ErrNotFound when absent.
func (s *PostgresCandidateStore) Get(ctx context.Context, id string) (model.ReminderCandidate, error) {
	row := s.pg.QueryRow(ctx, `
		SELECT `+candidateColumns+`
		FROM reminder_candidates
		WHERE id = $1`,
		id)

	cand, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReminderCandidate{}, fmt.Errorf("candidate %s: %w", id, model.ErrNotFound)
	}
	return cand, err
}

// ListPending enumerates a person's candidates awaiting feedback, soonest
// check time first.
func (s *PostgresCandidateStore) ListPending(ctx context.Context, personID string) ([]model.ReminderCandidate, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM reminder_candidates
		WHERE person_id = $1 AND status = $2
		ORDER BY check_at ASC`,
		personID, model.ReminderPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending candidates for %s: %w", personID, err)
	}
	defer rows.Close()

	return collectCandidates(rows)
}

// ListDue returns pending candidates whose check time is at or before the
// cutoff, up to limit rows.
func (s *PostgresCandidateStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.ReminderCandidate, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM reminder_candidates
		WHERE status = $1 AND check_at <= $2
		ORDER BY check_at ASC
		LIMIT $3`,
		model.ReminderPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due candidates: %w", err)
	}
	defer rows.Close()

	return collectCandidates(rows)
}

// Update writes a candidate back, guarded by its version. Returns
// model.ErrConflict when another writer advanced the row first.
func (s *PostgresCandidateStore) Update(ctx context.Context, cand model.ReminderCandidate) error {
	contextJSON, baselineJSON, err := marshalCandidate(cand)
	if err != nil {
		return err
	}

	res, err := s.pg.Exec(ctx, `
		UPDATE reminder_candidates
		SET check_at = $1,
		    style = $2,
		    status = $3,
		    confidence = $4,
		    context = $5,
		    baseline = $6,
		    updated_at = $7,
		    version = version + 1
		WHERE id = $8 AND version = $9`,
		cand.CheckAt,
		cand.Style,
		cand.Status,
		cand.Confidence,
		contextJSON,
		baselineJSON,
		cand.UpdatedAt,
		cand.ID,
		cand.Version)
	if err != nil {
		return fmt.Errorf("failed to update candidate %s: %w", cand.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("candidate %s version %d: %w", cand.ID, cand.Version, model.ErrConflict)
	}
	return nil
}

// ListSimilar runs the coarse vector prefilter: pending candidates for a
// person ordered by embedding distance to the given profile. Candidates
// without an embedding are excluded; callers still apply the exact
// weighted similarity before treating anything as a match.
func (s *PostgresCandidateStore) ListSimilar(ctx context.Context, personID string, profile model.SignalProfile, limit int) ([]model.ReminderCandidate, error) {
	if len(profile) == 0 {
		return s.ListPending(ctx, personID)
	}

	rows, err := s.pg.Query(ctx, `
		SELECT `+candidateColumns+`
		FROM reminder_candidates
		WHERE person_id = $1 AND status = $2 AND baseline_embedding IS NOT NULL
		ORDER BY baseline_embedding <=> $3
		LIMIT $4`,
		personID, model.ReminderPending, signal.Embed(profile, s.embeddingDim), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list similar candidates for %s: %w", personID, err)
	}
	defer rows.Close()

	return collectCandidates(rows)
}

func (s *PostgresCandidateStore) embedBaseline(baseline model.SignalProfile) interface{} {
	if len(baseline) == 0 {
		return nil
	}
	return signal.Embed(baseline, s.embeddingDim)
}

func marshalCandidate(cand model.ReminderCandidate) ([]byte, []byte, error) {
	contextJSON, err := json.Marshal(cand.Context)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode candidate context: %w", err)
	}
	baseline := cand.Baseline
	if baseline == nil {
		baseline = model.SignalProfile{}
	}
	baselineJSON, err := json.Marshal(baseline)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode candidate baseline: %w", err)
	}
	return contextJSON, baselineJSON, nil
}

func collectCandidates(rows *sql.Rows) ([]model.ReminderCandidate, error) {
	var candidates []model.ReminderCandidate
	for rows.Next() {
		cand, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCandidate(row rowScanner) (model.ReminderCandidate, error) {
	var cand model.ReminderCandidate
	var transitionID sql.NullString
	var contextJSON, baselineJSON []byte

	err := row.Scan(
		&cand.ID,
		&cand.PersonID,
		&cand.SuggestedAction,
		&cand.CheckAt,
		&cand.Style,
		&cand.Status,
		&transitionID,
		&cand.Confidence,
		&contextJSON,
		&baselineJSON,
		&cand.CreatedAt,
		&cand.UpdatedAt,
		&cand.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ReminderCandidate{}, err
		}
		return model.ReminderCandidate{}, fmt.Errorf("failed to scan candidate: %w", err)
	}

	cand.TransitionID = transitionID.String
	cand.CheckAt = cand.CheckAt.UTC()
	cand.CreatedAt = cand.CreatedAt.UTC()
	cand.UpdatedAt = cand.UpdatedAt.UTC()

	if err := json.Unmarshal(contextJSON, &cand.Context); err != nil {
		return model.ReminderCandidate{}, fmt.Errorf("failed to decode candidate context: %w", err)
	}
	if err := json.Unmarshal(baselineJSON, &cand.Baseline); err != nil {
		return model.ReminderCandidate{}, fmt.Errorf("failed to decode candidate baseline: %w", err)
	}
	return cand, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
