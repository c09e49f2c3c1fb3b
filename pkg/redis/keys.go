package redis

import "fmt"

// Key construction helpers for the reminder engine's hot state.

// TimelineKey returns the key of a person's recent action timeline
// (sorted set scored by unix milliseconds).
// Pattern: person:timeline:{person}
func TimelineKey(personID string) string {
	return fmt.Sprintf("person:timeline:%s", personID)
}

// DailyCountKey returns the key of a person's reminder counter for one
// UTC day (plain counter with a TTL).
// Pattern: reminder:count:{person}:{yyyy-mm-dd}
func DailyCountKey(personID, day string) string {
	return fmt.Sprintf("reminder:count:%s:%s", personID, day)
}

// LastRemindKey returns the key holding when a person was last reminded
// of a specific action (string, RFC3339).
// Pattern: reminder:last:{person}:{action}
func LastRemindKey(personID, action string) string {
	return fmt.Sprintf("reminder:last:%s:%s", personID, action)
}

// PrefsKey returns the preferences cache key for a person (JSON string).
// Pattern: prefs:{person}
func PrefsKey(personID string) string {
	return fmt.Sprintf("prefs:%s", personID)
}

// NotifiedKey returns the key marking that a due candidate's reminder was
// already delivered (string with a TTL).
// Pattern: reminder:notified:{candidate}
func NotifiedKey(candidateID string) string {
	return fmt.Sprintf("reminder:notified:%s", candidateID)
}

// EvidenceKey returns the key of a routine reminder's evidence buffer
// (list, newest first).
// Pattern: routine:evidence:{routine}:{action}
func EvidenceKey(routineID, action string) string {
	return fmt.Sprintf("routine:evidence:%s:%s", routineID, action)
}
