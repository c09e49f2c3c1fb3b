package model

import (
	"fmt"
	"sort"
	"time"
)

// SignalKind identifies the variant carried by a SignalValue.
type SignalKind string

const (
	SignalString  SignalKind = "string"
	SignalNumber  SignalKind = "number"
	SignalBoolean SignalKind = "boolean"
)

// SignalValue is a closed tagged variant for raw sensor/state values.
// Exactly one of Str, Num, Bool is meaningful, selected by Kind.
type SignalValue struct {
	Kind SignalKind `json:"kind"`
	Str  string     `json:"str,omitempty"`
	Num  float64    `json:"num,omitempty"`
	Bool bool       `json:"bool,omitempty"`
}

// StringValue wraps a categorical value.
func StringValue(s string) SignalValue {
	return SignalValue{Kind: SignalString, Str: s}
}

// NumberValue wraps a numeric value.
func NumberValue(n float64) SignalValue {
	return SignalValue{Kind: SignalNumber, Num: n}
}

// BooleanValue wraps a boolean value.
func BooleanValue(b bool) SignalValue {
	return SignalValue{Kind: SignalBoolean, Bool: b}
}

// RawSignal is a single sensor/state reading attached to an action event.
// Importance is an optional hint; the normalizer assigns a default when nil.
type RawSignal struct {
	SensorID   string       `json:"sensor_id"`
	Value      SignalValue  `json:"value"`
	Importance *float64     `json:"importance,omitempty"`
}

// ProfileEntry is one dimension of a signal profile.
type ProfileEntry struct {
	Weight          float64 `json:"weight"`
	NormalizedValue float64 `json:"normalized_value"`
}

// SignalProfile is a normalized, weighted vector over sensor identifiers.
// Weights across entries sum to 1 for any non-empty profile.
type SignalProfile map[string]ProfileEntry

// ActionContext describes the situation an action was observed in.
// It is a value object: equality is structural, and the optional fields
// normalize absent and empty to the same canonical form.
type ActionContext struct {
	TimeBucket    string            `json:"time_bucket"`
	DayType       string            `json:"day_type"`
	Location      string            `json:"location,omitempty"`
	PresentPeople []string          `json:"present_people,omitempty"`
	StateSignals  map[string]string `json:"state_signals,omitempty"`
}

// Equal reports structural equality, ignoring ordering of PresentPeople.
func (c ActionContext) Equal(other ActionContext) bool {
	if c.TimeBucket != other.TimeBucket || c.DayType != other.DayType || c.Location != other.Location {
		return false
	}
	if len(c.PresentPeople) != len(other.PresentPeople) {
		return false
	}
	a := append([]string(nil), c.PresentPeople...)
	b := append([]string(nil), other.PresentPeople...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	if len(c.StateSignals) != len(other.StateSignals) {
		return false
	}
	for k, v := range c.StateSignals {
		if other.StateSignals[k] != v {
			return false
		}
	}
	return true
}

// ActionEvent is a single recorded action. Append-only and immutable once
// ingested; events must be processed in non-decreasing timestamp order per
// person because delay statistics depend on sequencing.
type ActionEvent struct {
	PersonID   string        `json:"person_id"`
	ActionType string        `json:"action_type"`
	Timestamp  time.Time     `json:"timestamp"`
	Context    ActionContext `json:"context"`
	Signals    []RawSignal   `json:"signals,omitempty"`
}

// Validate checks the required fields of an ingested event.
func (e ActionEvent) Validate() error {
	if e.PersonID == "" {
		return &ValidationError{Field: "person_id", Reason: "missing"}
	}
	if e.ActionType == "" {
		return &ValidationError{Field: "action_type", Reason: "missing"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "missing or zero"}
	}
	for i, s := range e.Signals {
		if s.SensorID == "" {
			return &ValidationError{Field: fmt.Sprintf("signals[%d].sensor_id", i), Reason: "missing"}
		}
	}
	return nil
}
