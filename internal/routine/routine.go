// Package routine detects recurring per-person action sequences and
// maintains decaying delay statistics for them.
package routine

import "time"

// Routine groups the learned reminders of one (person, intent) pair over
// a bounded observation window.
type Routine struct {
	ID          string
	PersonID    string
	IntentType  string
	WindowStart time.Time
	WindowEnd   time.Time
	CreatedAt   time.Time
	Version     int64
}

// Contains reports whether the observation falls inside the window.
// The end is exclusive so adjacent windows never overlap.
func (r Routine) Contains(t time.Time) bool {
	return !t.Before(r.WindowStart) && t.Before(r.WindowEnd)
}

// Reminder is one recurring suggested action within a routine, carrying
// the delay statistics learned from repeated observations.
type Reminder struct {
	ID              string
	RoutineID       string
	SuggestedAction string
	Stats           *DelayStats
	LastUpdate      time.Time
	LastDecay       time.Time
	Version         int64
}

// Evidence is one observation appended to a reminder's bounded evidence
// buffer in Redis.
type Evidence struct {
	PersonID   string        `json:"person_id"`
	Action     string        `json:"action"`
	ObservedAt time.Time     `json:"observed_at"`
	Delay      time.Duration `json:"delay_ms"`
}
