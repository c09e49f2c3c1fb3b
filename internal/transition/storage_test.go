package transition

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresStore(postgres.NewClientFromDB(db, testLogger())), mock
}

func transitionRows(id string, count int, delayMs int64, confidence float64, observed time.Time, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "person_id", "from_action", "to_action", "bucket_key",
		"occurrence_count", "average_delay_ms", "confidence", "last_observed", "version",
	}).AddRow(id, "alice", "wakeUp", "makeCoffee", "morning|weekday|kitchen|none|none",
		count, delayMs, confidence, observed, version)
}

func TestPostgresGetOrCreate(t *testing.T) {
	store, mock := newMockStore(t)
	observed := time.Date(2025, 3, 10, 7, 5, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO action_transitions").
		WithArgs(sqlmock.AnyArg(), "alice", "wakeUp", "makeCoffee", "morning|weekday|kitchen|none|none").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM action_transitions").
		WithArgs("alice", "wakeUp", "makeCoffee", "morning|weekday|kitchen|none|none").
		WillReturnRows(transitionRows("t-1", 3, 300000, 0.5, observed, 3))

	tr, err := store.GetOrCreate(context.Background(), "alice", "wakeUp", "makeCoffee", "morning|weekday|kitchen|none|none")
	require.NoError(t, err)

	assert.Equal(t, "t-1", tr.ID)
	assert.Equal(t, 3, tr.OccurrenceCount)
	assert.Equal(t, 5*time.Minute, tr.AverageDelay)
	assert.Equal(t, int64(3), tr.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE action_transitions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), model.ActionTransition{
		ID:      "t-1",
		Version: 2,
	})

	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	observed := time.Date(2025, 3, 10, 7, 5, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE action_transitions").
		WithArgs(4, int64(300000), 0.6, observed, "t-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Update(context.Background(), model.ActionTransition{
		ID:              "t-1",
		OccurrenceCount: 4,
		AverageDelay:    5 * time.Minute,
		Confidence:      0.6,
		LastObserved:    observed,
		Version:         3,
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListObservedBefore(t *testing.T) {
	store, mock := newMockStore(t)
	observed := time.Date(2025, 2, 1, 7, 0, 0, 0, time.UTC)
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM action_transitions").
		WithArgs(cutoff, 100).
		WillReturnRows(transitionRows("t-old", 6, 240000, 0.4, observed, 9))

	transitions, err := store.ListObservedBefore(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "t-old", transitions[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
