package signal

import (
	"hash/fnv"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/habitus-home/habitus-platform/pkg/model"
)

// Embed projects a sparse signal profile onto a fixed-dimension dense
// vector by feature hashing, L2-normalized. The embedding is deterministic,
// so the same profile always lands at the same point; it is stored with a
// candidate's baseline and used as a coarse nearest-profile prefilter in
// Postgres before exact similarity is evaluated.
func Embed(profile model.SignalProfile, dim int) pgvector.Vector {
	if dim <= 0 {
		dim = 64
	}

	dense := make([]float32, dim)
	if len(profile) == 0 {
		return pgvector.NewVector(dense)
	}

	for sensorID, entry := range profile {
		idx, sign := hashFeature(sensorID, dim)
		dense[idx] += float32(sign * entry.Weight * entry.NormalizedValue)
	}

	var norm float64
	for _, v := range dense {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for i := range dense {
			dense[i] *= scale
		}
	}

	return pgvector.NewVector(dense)
}

// hashFeature maps a sensor id to a bucket index and a ±1 sign. The sign
// bit reduces hash-collision bias, the usual hashing-trick construction.
func hashFeature(sensorID string, dim int) (int, float64) {
	h := fnv.New64a()
	h.Write([]byte(sensorID))
	sum := h.Sum64()

	idx := int(sum % uint64(dim))
	sign := 1.0
	if (sum>>63)&1 == 1 {
		sign = -1.0
	}
	return idx, sign
}
