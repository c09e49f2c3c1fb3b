package model

import (
	"fmt"
	"time"
)

// TransitionState is the lifecycle state of a learned transition. It is
// derived from occurrence count and recency, never stored.
type TransitionState string

const (
	TransitionLearning    TransitionState = "learning"
	TransitionEstablished TransitionState = "established"
	TransitionStale       TransitionState = "stale"
)

// ConfidenceLabel is the qualitative display mapping over the confidence
// score. It is a fixed threshold mapping, never derived from the raw count.
type ConfidenceLabel string

const (
	ConfidenceLow    ConfidenceLabel = "low"
	ConfidenceMedium ConfidenceLabel = "medium"
	ConfidenceHigh   ConfidenceLabel = "high"
)

// LabelForConfidence maps a [0,1] confidence score to its display label.
func LabelForConfidence(confidence float64) ConfidenceLabel {
	switch {
	case confidence >= 0.75:
		return ConfidenceHigh
	case confidence >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ActionTransition is the learned association "FromAction is historically
// followed by ToAction under context bucket BucketKey" for one person.
// Identified by (PersonID, FromAction, ToAction, BucketKey). Mutated only
// by the transition learner (reinforcement) and the decay pass (aging).
type ActionTransition struct {
	ID              string
	PersonID        string
	FromAction      string
	ToAction        string
	BucketKey       string
	OccurrenceCount int
	AverageDelay    time.Duration
	Confidence      float64
	LastObserved    time.Time

	// Version guards optimistic read-modify-write updates.
	Version int64
}

// Key returns the composite identity of the transition.
func (t ActionTransition) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", t.PersonID, t.FromAction, t.ToAction, t.BucketKey)
}

// Label returns the qualitative confidence label.
func (t ActionTransition) Label() ConfidenceLabel {
	return LabelForConfidence(t.Confidence)
}
