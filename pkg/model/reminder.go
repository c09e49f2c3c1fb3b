package model

import (
	"time"
)

// ReminderStatus is the state of a reminder candidate.
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderConfirmed ReminderStatus = "confirmed"
	ReminderDismissed ReminderStatus = "dismissed"
	ReminderSnoozed   ReminderStatus = "snoozed"
	ReminderExpired   ReminderStatus = "expired"
)

// reminderTransitions enumerates the legal status machine:
// Pending → {Confirmed, Dismissed, Snoozed, Expired}; Snoozed re-enters
// Pending with a recomputed check time. Confirmed, Dismissed and Expired
// are terminal.
var reminderTransitions = map[ReminderStatus][]ReminderStatus{
	ReminderPending: {ReminderConfirmed, ReminderDismissed, ReminderSnoozed, ReminderExpired},
	ReminderSnoozed: {ReminderPending},
}

// CanTransition reports whether the status machine allows from → to.
func CanTransition(from, to ReminderStatus) bool {
	for _, allowed := range reminderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions leave the status.
func (s ReminderStatus) IsTerminal() bool {
	return len(reminderTransitions[s]) == 0
}

// ReminderStyle is how a reminder should be delivered.
type ReminderStyle string

const (
	StyleGentle ReminderStyle = "gentle"
	StyleNormal ReminderStyle = "normal"
	StyleUrgent ReminderStyle = "urgent"
)

// ReminderCandidate is a scheduled, status-tracked suggestion to perform
// an action at a predicted time.
type ReminderCandidate struct {
	ID              string
	PersonID        string
	SuggestedAction string
	CheckAt         time.Time
	Style           ReminderStyle
	Status          ReminderStatus
	TransitionID    string
	Confidence      float64

	// Context and Baseline carry the situation the candidate was learned
	// in; the matching service compares later events against them.
	Context  ActionContext
	Baseline SignalProfile

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// UserReminderPreferences is external configuration consumed by the
// policy evaluator. Defaults apply when a person has no stored row.
type UserReminderPreferences struct {
	PersonID        string        `json:"person_id" yaml:"person_id"`
	DefaultStyle    ReminderStyle `json:"default_style" yaml:"default_style"`
	DailyLimit      int           `json:"daily_limit" yaml:"daily_limit"`
	MinimumInterval time.Duration `json:"minimum_interval" yaml:"minimum_interval"`
	Enabled         bool          `json:"enabled" yaml:"enabled"`
}

// DefaultPreferences returns the documented fallback preferences applied
// when no row exists for the person.
func DefaultPreferences(personID string) UserReminderPreferences {
	return UserReminderPreferences{
		PersonID:        personID,
		DefaultStyle:    StyleNormal,
		DailyLimit:      8,
		MinimumInterval: 2 * time.Hour,
		Enabled:         true,
	}
}
