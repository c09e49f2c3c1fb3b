// Package bucket canonicalizes situational context into stable lookup keys.
// A bucket key is part of a transition's identity, so the derivation must be
// deterministic across process restarts and independent of the iteration
// order of unordered collections.
package bucket

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/habitus-home/habitus-platform/pkg/model"
)

const (
	// sentinel replaces absent optional fields so that absent and empty
	// normalize to the same token.
	sentinel = "none"

	fieldSep = "|"
	listSep  = ","
	pairSep  = "="
)

// Key derives the canonical bucket key of a context. Pure and total:
// every context, however sparse, yields a key. Field order is fixed;
// multi-valued fields are sorted before joining.
func Key(ctx model.ActionContext) string {
	var b strings.Builder

	b.WriteString(orSentinel(ctx.TimeBucket))
	b.WriteString(fieldSep)
	b.WriteString(orSentinel(ctx.DayType))
	b.WriteString(fieldSep)
	b.WriteString(orSentinel(ctx.Location))
	b.WriteString(fieldSep)

	if len(ctx.PresentPeople) == 0 {
		b.WriteString(sentinel)
	} else {
		people := append([]string(nil), ctx.PresentPeople...)
		sort.Strings(people)
		b.WriteString(strings.Join(people, listSep))
	}
	b.WriteString(fieldSep)

	if len(ctx.StateSignals) == 0 {
		b.WriteString(sentinel)
	} else {
		keys := make([]string, 0, len(ctx.StateSignals))
		for k := range ctx.StateSignals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+pairSep+ctx.StateSignals[k])
		}
		b.WriteString(strings.Join(pairs, listSep))
	}

	return b.String()
}

func orSentinel(s string) string {
	if s == "" {
		return sentinel
	}
	return s
}

// DeriveTimeBucket classifies an instant into a coarse daypart using the
// sun's altitude at the configured coordinates, so "morning" tracks actual
// daylight through the seasons. Falls back to fixed hours when the sun
// never rises or never sets (polar day/night).
func DeriveTimeBucket(t time.Time, lat, lon float64) string {
	position := suncalc.GetPosition(t, lat, lon)
	altitudeDegrees := position.Altitude * (180.0 / math.Pi)

	hour := t.Hour()

	if altitudeDegrees <= 0 {
		// Sun below the horizon
		if hour >= 4 && hour < 12 {
			return "early-morning"
		}
		if hour >= 17 && hour < 23 {
			return "evening"
		}
		return "night"
	}

	switch {
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

// DeriveDayType classifies an instant as weekday or weekend.
func DeriveDayType(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "weekday"
	}
}
