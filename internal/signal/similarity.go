package signal

import (
	"math"

	"github.com/habitus-home/habitus-platform/pkg/model"
)

// Similarity computes weighted cosine similarity between a learned baseline
// profile and a candidate profile, in [0,1].
//
// Each dimension is weighted by the baseline's weight for that sensor: the
// baseline is the learned expectation, so a novel sensor present only in
// the candidate carries zero baseline weight and never penalizes the score.
// Missing entries on either side contribute zero. Returns exactly 0 when
// either profile is empty or the profiles share no sensor identifiers, and
// exactly 1 for identical profiles.
func Similarity(baseline, candidate model.SignalProfile) float64 {
	if len(baseline) == 0 || len(candidate) == 0 {
		return 0
	}

	shared := false
	for id := range baseline {
		if _, ok := candidate[id]; ok {
			shared = true
			break
		}
	}
	if !shared {
		return 0
	}

	if equalProfiles(baseline, candidate) {
		return 1
	}

	var dot, baseNorm, candNorm float64
	for id, b := range baseline {
		w := b.Weight
		bv := b.NormalizedValue
		cv := 0.0
		if c, ok := candidate[id]; ok {
			cv = c.NormalizedValue
		}
		dot += w * bv * cv
		baseNorm += w * bv * bv
		candNorm += w * cv * cv
	}

	if baseNorm == 0 || candNorm == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(baseNorm) * math.Sqrt(candNorm))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

func equalProfiles(a, b model.SignalProfile) bool {
	if len(a) != len(b) {
		return false
	}
	for id, ea := range a {
		eb, ok := b[id]
		if !ok || ea != eb {
			return false
		}
	}
	return true
}
