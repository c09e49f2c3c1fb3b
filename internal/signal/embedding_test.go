package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habitus-home/habitus-platform/pkg/model"
)

func TestEmbedDeterminism(t *testing.T) {
	profile := model.SignalProfile{
		"motion": entry(0.6, 1.0),
		"tv":     entry(0.3, 0.5),
		"door":   entry(0.1, 0.0),
	}

	a := Embed(profile, 64)
	b := Embed(profile, 64)
	assert.Equal(t, a.Slice(), b.Slice(), "same profile must embed identically")
}

func TestEmbedDimensions(t *testing.T) {
	profile := model.SignalProfile{"a": entry(1.0, 1.0)}

	require.Len(t, Embed(profile, 64).Slice(), 64)
	require.Len(t, Embed(profile, 128).Slice(), 128)
}

func TestEmbedUnitNorm(t *testing.T) {
	profile := model.SignalProfile{
		"a": entry(0.5, 0.9),
		"b": entry(0.5, 0.4),
	}

	vec := Embed(profile, 64)
	var norm float64
	for _, v := range vec.Slice() {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
}

func TestEmbedEmptyProfile(t *testing.T) {
	vec := Embed(model.SignalProfile{}, 64)
	for _, v := range vec.Slice() {
		assert.Equal(t, float32(0), v)
	}
}

func TestEmbedDistinguishesProfiles(t *testing.T) {
	a := Embed(model.SignalProfile{"motion": entry(1.0, 1.0)}, 64)
	b := Embed(model.SignalProfile{"television": entry(1.0, 1.0)}, 64)

	assert.NotEqual(t, a.Slice(), b.Slice())
}
