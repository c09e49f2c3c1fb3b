package reminder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/pkg/model"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

// prefsCacheTTL bounds staleness of the Redis preferences cache.
const prefsCacheTTL = 10 * time.Minute

// PrefsSource resolves a person's reminder preferences: Redis cache first,
// then the user_reminder_prefs table, then documented defaults. A resolution
// failure never blocks a decision; the fallback is logged and applied.
//
// Schema (migrations/003_prefs.sql):
//
//	CREATE TABLE user_reminder_prefs (
//	    person_id        TEXT PRIMARY KEY,
//	    default_style    TEXT NOT NULL,
//	    daily_limit      INTEGER NOT NULL,
//	    minimum_interval_ms BIGINT NOT NULL,
//	    enabled          BOOLEAN NOT NULL
//	);
type PrefsSource struct {
	pg     postgres.Client
	redis  redis.Client
	logger *slog.Logger
}

// NewPrefsSource creates a preferences resolver.
func NewPrefsSource(pg postgres.Client, rdb redis.Client, logger *slog.Logger) *PrefsSource {
	return &PrefsSource{pg: pg, redis: rdb, logger: logger}
}

// Resolve returns the effective preferences for a person.
func (p *PrefsSource) Resolve(ctx context.Context, personID string) model.UserReminderPreferences {
	if prefs, ok := p.fromCache(ctx, personID); ok {
		return prefs
	}

	prefs, err := p.fromStore(ctx, personID)
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			p.logger.Warn("Preferences lookup failed, applying defaults",
				"person", personID,
				"error", err)
		}
		return model.DefaultPreferences(personID)
	}

	p.cache(ctx, prefs)
	return prefs
}

// Save upserts a person's preferences and refreshes the cache.
func (p *PrefsSource) Save(ctx context.Context, prefs model.UserReminderPreferences) error {
	if prefs.PersonID == "" {
		return &model.ValidationError{Field: "person_id", Reason: "missing"}
	}
	if prefs.DailyLimit < 0 {
		return &model.ValidationError{Field: "daily_limit", Reason: "negative"}
	}

	_, err := p.pg.Exec(ctx, `
		INSERT INTO user_reminder_prefs
			(person_id, default_style, daily_limit, minimum_interval_ms, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (person_id) DO UPDATE SET
			default_style = EXCLUDED.default_style,
			daily_limit = EXCLUDED.daily_limit,
			minimum_interval_ms = EXCLUDED.minimum_interval_ms,
			enabled = EXCLUDED.enabled`,
		prefs.PersonID,
		prefs.DefaultStyle,
		prefs.DailyLimit,
		prefs.MinimumInterval.Milliseconds(),
		prefs.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save preferences for %s: %w", prefs.PersonID, err)
	}

	p.cache(ctx, prefs)
	return nil
}

func (p *PrefsSource) fromCache(ctx context.Context, personID string) (model.UserReminderPreferences, bool) {
	raw, err := p.redis.Get(ctx, redis.PrefsKey(personID))
	if err != nil {
		if !errors.Is(err, redis.ErrKeyMissing) {
			p.logger.Warn("Preferences cache read failed",
				"person", personID,
				"error", err)
		}
		return model.UserReminderPreferences{}, false
	}

	var prefs model.UserReminderPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		p.logger.Warn("Preferences cache entry corrupt, ignoring",
			"person", personID,
			"error", err)
		return model.UserReminderPreferences{}, false
	}
	return prefs, true
}

func (p *PrefsSource) fromStore(ctx context.Context, personID string) (model.UserReminderPreferences, error) {
	row := p.pg.QueryRow(ctx, `
		SELECT person_id, default_style, daily_limit, minimum_interval_ms, enabled
		FROM user_reminder_prefs
		WHERE person_id = $1`,
		personID)

	var prefs model.UserReminderPreferences
	var intervalMs int64
	err := row.Scan(&prefs.PersonID, &prefs.DefaultStyle, &prefs.DailyLimit, &intervalMs, &prefs.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserReminderPreferences{}, fmt.Errorf("preferences for %s: %w", personID, model.ErrNotFound)
	}
	if err != nil {
		return model.UserReminderPreferences{}, fmt.Errorf("failed to scan preferences: %w", err)
	}

	prefs.MinimumInterval = time.Duration(intervalMs) * time.Millisecond
	return prefs, nil
}

func (p *PrefsSource) cache(ctx context.Context, prefs model.UserReminderPreferences) {
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := p.redis.Set(ctx, redis.PrefsKey(prefs.PersonID), string(encoded), prefsCacheTTL); err != nil {
		p.logger.Warn("Preferences cache write failed",
			"person", prefs.PersonID,
			"error", err)
	}
}
