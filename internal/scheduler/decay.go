// Package scheduler runs the periodic background passes: aging stale
// transitions and routines, and advancing reminder candidates.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitus-home/habitus-platform/internal/transition"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/model"
)

// batchLimit bounds how many rows one pass touches; anything left over is
// picked up by the next pass.
const batchLimit = 500

// RoutineCooler is the routine-side decay entry point.
type RoutineCooler interface {
	Decay(ctx context.Context, now time.Time, limit int) (cooled, failed int, err error)
}

// DecayReport summarizes one decay pass.
type DecayReport struct {
	TransitionsAged    int
	TransitionFailures int
	RoutinesCooled     int
	RoutineFailures    int
}

// Decayer ages transitions whose last reinforcement fell out of the
// staleness window and cools unreinforced routine statistics. The pass is
// idempotent and interval-independent: aging is computed from elapsed
// time, so running it more or less often changes latency, not outcomes.
type Decayer struct {
	transitions transition.Store
	routines    RoutineCooler
	clock       clock.Clock
	policy      config.Policy
	logger      *slog.Logger
}

// NewDecayer creates the decay pass.
func NewDecayer(transitions transition.Store, routines RoutineCooler, clk clock.Clock, policy config.Policy, logger *slog.Logger) *Decayer {
	return &Decayer{
		transitions: transitions,
		routines:    routines,
		clock:       clk,
		policy:      policy,
		logger:      logger,
	}
}

// Run executes one decay pass. A failure on one entity is logged and
// skipped; it never aborts the rest of the pass.
func (d *Decayer) Run(ctx context.Context) (DecayReport, error) {
	now := d.clock.Now()
	var report DecayReport

	cutoff := now.Add(-d.policy.StalenessWindow)
	stale, err := d.transitions.ListObservedBefore(ctx, cutoff, batchLimit)
	if err != nil {
		return report, fmt.Errorf("failed to list stale transitions: %w", err)
	}

	for _, t := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if err := d.ageOne(ctx, t, now); err != nil {
			report.TransitionFailures++
			d.logger.Warn("Failed to age transition",
				"transition", t.Key(), "error", err)
			continue
		}
		report.TransitionsAged++
	}

	cooled, failed, err := d.routines.Decay(ctx, now, batchLimit)
	report.RoutinesCooled = cooled
	report.RoutineFailures = failed
	if err != nil {
		return report, fmt.Errorf("routine decay failed: %w", err)
	}

	d.logger.Info("Decay pass completed",
		"transitions_aged", report.TransitionsAged,
		"transition_failures", report.TransitionFailures,
		"routines_cooled", report.RoutinesCooled,
		"routine_failures", report.RoutineFailures)

	return report, nil
}

func (d *Decayer) ageOne(ctx context.Context, t model.ActionTransition, now time.Time) error {
	transition.Age(&t, now, d.policy)

	if err := d.transitions.Update(ctx, t); err != nil {
		// A concurrent reinforcement won the race; the row is fresher
		// than our snapshot, so skipping this aging step is correct.
		if errors.Is(err, model.ErrConflict) {
			return nil
		}
		return err
	}
	return nil
}
