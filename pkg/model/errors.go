package model

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed or incomplete event/context. The
// offending input is rejected before any learning occurs.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// OrderingViolation reports an event whose timestamp precedes the person's
// last recorded event. The event may still be stored as a record, but is
// never folded into transition or delay statistics.
type OrderingViolation struct {
	PersonID  string
	Timestamp time.Time
	LastSeen  time.Time
}

func (e *OrderingViolation) Error() string {
	return fmt.Sprintf("out-of-order event for %s: %s precedes last seen %s",
		e.PersonID, e.Timestamp.Format(time.RFC3339), e.LastSeen.Format(time.RFC3339))
}

// ErrConflict signals that two writers raced on the same transition or
// routine key. Callers retry the read-modify-write with merge semantics;
// neither side's contribution is dropped.
var ErrConflict = errors.New("concurrent update conflict")

// ErrNotFound is returned by stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ConfigurationError reports missing preferences or thresholds. It is
// logged and replaced by documented defaults, never fatal to ingestion.
type ConfigurationError struct {
	What string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration missing: %s (defaults applied)", e.What)
}
