package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the learning and reminder thresholds of the engine. Values
// ship with defaults and can be overridden from a YAML policy file, so
// tuning does not require a rebuild.
type Policy struct {
	// Signal normalization
	TopKSignals         int `yaml:"top_k_signals"`
	ProfileEmbeddingDim int `yaml:"profile_embedding_dim"`

	// Transition learning
	ConfidenceSaturationK float64       `yaml:"confidence_saturation_k"`
	ConfidenceHalfLife    time.Duration `yaml:"confidence_half_life"`
	ConfidenceFloor       float64       `yaml:"confidence_floor"`
	EstablishedCount      int           `yaml:"established_count"`
	StalenessWindow       time.Duration `yaml:"staleness_window"`
	OccurrenceFloor       int           `yaml:"occurrence_floor"`

	// Reminder policy
	MaxCheckAtHorizon   time.Duration `yaml:"max_check_at_horizon"`
	CandidateGrace      time.Duration `yaml:"candidate_grace"`
	MatchWindow         time.Duration `yaml:"match_window"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`

	// Routine learning
	RoutineAlpha         float64       `yaml:"routine_alpha"`
	RoutineWindow        time.Duration `yaml:"routine_window"`
	RoutineDecayInterval time.Duration `yaml:"routine_decay_interval"`
	EvidenceBufferSize   int           `yaml:"evidence_buffer_size"`
}

// DefaultPolicy returns the documented engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		TopKSignals:         8,
		ProfileEmbeddingDim: 64,

		ConfidenceSaturationK: 3.0,
		ConfidenceHalfLife:    7 * 24 * time.Hour,
		ConfidenceFloor:       0.3,
		EstablishedCount:      5,
		StalenessWindow:       14 * 24 * time.Hour,
		OccurrenceFloor:       1,

		MaxCheckAtHorizon:   12 * time.Hour,
		CandidateGrace:      30 * time.Minute,
		MatchWindow:         45 * time.Minute,
		SimilarityThreshold: 0.6,

		RoutineAlpha:         0.2,
		RoutineWindow:        24 * time.Hour,
		RoutineDecayInterval: 72 * time.Hour,
		EvidenceBufferSize:   20,
	}
}

// LoadPolicyFile overlays thresholds from a YAML file onto the current
// policy. Missing keys keep their current values.
func (c *Config) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.Policy); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	return nil
}

// Validate checks policy invariants.
func (p Policy) Validate() error {
	if p.TopKSignals <= 0 {
		return fmt.Errorf("top_k_signals must be positive")
	}
	if p.ProfileEmbeddingDim <= 0 {
		return fmt.Errorf("profile_embedding_dim must be positive")
	}
	if p.ConfidenceSaturationK <= 0 {
		return fmt.Errorf("confidence_saturation_k must be positive")
	}
	if p.ConfidenceHalfLife <= 0 {
		return fmt.Errorf("confidence_half_life must be positive")
	}
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1]")
	}
	if p.EstablishedCount <= 0 {
		return fmt.Errorf("established_count must be positive")
	}
	if p.RoutineAlpha <= 0 || p.RoutineAlpha >= 1 {
		return fmt.Errorf("routine_alpha must be in (0,1)")
	}
	if p.SimilarityThreshold < 0 || p.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1]")
	}
	if p.EvidenceBufferSize <= 0 {
		return fmt.Errorf("evidence_buffer_size must be positive")
	}
	return nil
}
