// Package signal converts raw sensor/state readings into bounded, weighted
// signal profiles and compares profiles for similarity.
package signal

import (
	"sort"

	"github.com/habitus-home/habitus-platform/pkg/model"
)

// defaultImportance is assigned when a raw signal carries no hint.
const defaultImportance = 1.0

// Range is the known numeric range of a sensor, used for min-max scaling.
type Range struct {
	Min float64
	Max float64
}

// Normalizer builds signal profiles. Known numeric sensor ranges can be
// registered; numeric values from unregistered sensors are squashed onto
// (0,1) instead.
type Normalizer struct {
	ranges map[string]Range
}

// NewNormalizer creates a normalizer with no registered ranges.
func NewNormalizer() *Normalizer {
	return &Normalizer{ranges: make(map[string]Range)}
}

// RegisterRange records the known value range of a numeric sensor.
func (n *Normalizer) RegisterRange(sensorID string, min, max float64) {
	if max > min {
		n.ranges[sensorID] = Range{Min: min, Max: max}
	}
}

// Normalize selects the topK most important signals (ties broken by sensor
// identifier for determinism), normalizes each value onto [0,1] by variant,
// and renormalizes importances to weights summing to 1 across the selected
// set. An empty input yields an empty profile, not an error.
func (n *Normalizer) Normalize(raw []model.RawSignal, topK int) model.SignalProfile {
	if len(raw) == 0 || topK <= 0 {
		return model.SignalProfile{}
	}

	type scored struct {
		signal     model.RawSignal
		importance float64
	}

	candidates := make([]scored, 0, len(raw))
	for _, s := range raw {
		importance := defaultImportance
		if s.Importance != nil {
			importance = *s.Importance
		}
		if importance < 0 {
			importance = 0
		}
		candidates = append(candidates, scored{signal: s, importance: importance})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].importance != candidates[j].importance {
			return candidates[i].importance > candidates[j].importance
		}
		return candidates[i].signal.SensorID < candidates[j].signal.SensorID
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	var totalImportance float64
	for _, c := range candidates {
		totalImportance += c.importance
	}

	profile := make(model.SignalProfile, len(candidates))
	for _, c := range candidates {
		weight := 0.0
		if totalImportance > 0 {
			weight = c.importance / totalImportance
		} else {
			// All-zero importance hints degrade to uniform weights.
			weight = 1.0 / float64(len(candidates))
		}
		profile[c.signal.SensorID] = model.ProfileEntry{
			Weight:          weight,
			NormalizedValue: n.normalizeValue(c.signal.SensorID, c.signal.Value),
		}
	}

	return profile
}

// normalizeValue maps a tagged value onto [0,1] according to its variant.
func (n *Normalizer) normalizeValue(sensorID string, v model.SignalValue) float64 {
	switch v.Kind {
	case model.SignalBoolean:
		if v.Bool {
			return 1.0
		}
		return 0.0

	case model.SignalNumber:
		if r, ok := n.ranges[sensorID]; ok {
			scaled := (v.Num - r.Min) / (r.Max - r.Min)
			if scaled < 0 {
				return 0
			}
			if scaled > 1 {
				return 1
			}
			return scaled
		}
		// No known range: bounded squash keeps the value comparable
		// without guessing units.
		return squash(v.Num)

	case model.SignalString:
		// Categorical values contribute presence only.
		if v.Str == "" {
			return 0.0
		}
		return 1.0

	default:
		return 0.0
	}
}

// squash maps any real number onto (0,1), monotonically.
func squash(x float64) float64 {
	return 0.5 + x/(2*(1+abs(x)))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
