package routine

import (
	"math"
	"sort"
	"time"
)

// QuantileEstimator is a streaming P² estimator for a single quantile.
// It keeps five markers regardless of how many samples it has seen, so
// memory stays constant while the estimate converges toward the true
// quantile as observations accumulate.
//
// Fields are exported so the estimator round-trips through the JSONB
// statistics column unchanged.
type QuantileEstimator struct {
	Quantile  float64   `json:"quantile"`
	Count     int       `json:"count"`
	Heights   []float64 `json:"heights"`
	Positions []int     `json:"positions"`
	Desired   []float64 `json:"desired"`
}

// NewQuantileEstimator creates an estimator for quantile q in (0,1).
func NewQuantileEstimator(q float64) *QuantileEstimator {
	return &QuantileEstimator{Quantile: q}
}

// Observe folds one sample into the estimate.
func (e *QuantileEstimator) Observe(x float64) {
	if e.Count < 5 {
		e.Heights = append(e.Heights, x)
		sort.Float64s(e.Heights)
		e.Count++
		if e.Count == 5 {
			e.Positions = []int{1, 2, 3, 4, 5}
			q := e.Quantile
			e.Desired = []float64{1, 1 + 2*q, 1 + 4*q, 3 + 2*q, 5}
		}
		return
	}

	// Locate the cell the sample falls into, extending the extremes.
	var k int
	switch {
	case x < e.Heights[0]:
		e.Heights[0] = x
		k = 0
	case x >= e.Heights[4]:
		e.Heights[4] = x
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if x < e.Heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.Positions[i]++
	}

	q := e.Quantile
	increments := [5]float64{0, q / 2, q, (1 + q) / 2, 1}
	for i := range e.Desired {
		e.Desired[i] += increments[i]
	}

	// Shift the three interior markers toward their desired positions.
	for i := 1; i <= 3; i++ {
		d := e.Desired[i] - float64(e.Positions[i])
		if (d >= 1 && e.Positions[i+1]-e.Positions[i] > 1) ||
			(d <= -1 && e.Positions[i-1]-e.Positions[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			h := e.parabolic(i, sign)
			if e.Heights[i-1] < h && h < e.Heights[i+1] {
				e.Heights[i] = h
			} else {
				e.Heights[i] = e.linear(i, sign)
			}
			e.Positions[i] += sign
		}
	}

	e.Count++
}

// Value returns the current quantile estimate. Before five samples it
// interpolates over the sorted observations seen so far.
func (e *QuantileEstimator) Value() float64 {
	if e.Count == 0 {
		return 0
	}
	if e.Count < 5 {
		idx := int(math.Round(e.Quantile * float64(e.Count-1)))
		return e.Heights[idx]
	}
	return e.Heights[2]
}

func (e *QuantileEstimator) parabolic(i, sign int) float64 {
	s := float64(sign)
	n := e.Positions
	h := e.Heights
	return h[i] + s/float64(n[i+1]-n[i-1])*
		((float64(n[i]-n[i-1])+s)*(h[i+1]-h[i])/float64(n[i+1]-n[i])+
			(float64(n[i+1]-n[i])-s)*(h[i]-h[i-1])/float64(n[i]-n[i-1]))
}

func (e *QuantileEstimator) linear(i, sign int) float64 {
	return e.Heights[i] + float64(sign)*(e.Heights[i+sign]-e.Heights[i])/
		float64(e.Positions[i+sign]-e.Positions[i])
}

// DelayStats carries the decaying inter-occurrence delay statistics of a
// routine reminder. Means and variances are exponentially weighted so
// recent behavior dominates; quantiles come from P² estimators. The
// effective weight shrinks when the decay pass cools unreinforced
// statistics, so a long-silent routine resumes learning conservatively
// instead of from scratch.
type DelayStats struct {
	SampleCount     int                `json:"sample_count"`
	DelayCount      int                `json:"delay_count"`
	EffectiveWeight float64            `json:"effective_weight"`
	MeanMs          float64            `json:"mean_ms"`
	VarianceMs2     float64            `json:"variance_ms2"`
	MedianEstimator *QuantileEstimator `json:"median_estimator"`
	P90Estimator    *QuantileEstimator `json:"p90_estimator"`
}

// NewDelayStats creates empty statistics.
func NewDelayStats() *DelayStats {
	return &DelayStats{
		MedianEstimator: NewQuantileEstimator(0.5),
		P90Estimator:    NewQuantileEstimator(0.9),
	}
}

// Observe folds one inter-occurrence delay into the statistics, with
// EWMA smoothing factor alpha in (0,1].
func (s *DelayStats) Observe(delay time.Duration, alpha float64) {
	x := float64(delay.Milliseconds())

	s.SampleCount++
	s.DelayCount++
	s.EffectiveWeight++

	if s.DelayCount == 1 {
		s.MeanMs = x
		s.VarianceMs2 = 0
	} else {
		diff := x - s.MeanMs
		s.MeanMs += alpha * diff
		s.VarianceMs2 = (1 - alpha) * (s.VarianceMs2 + alpha*diff*diff)
	}

	if s.MedianEstimator == nil {
		s.MedianEstimator = NewQuantileEstimator(0.5)
	}
	if s.P90Estimator == nil {
		s.P90Estimator = NewQuantileEstimator(0.9)
	}
	s.MedianEstimator.Observe(x)
	s.P90Estimator.Observe(x)
}

// Cool widens the variance and halves the effective sample weight. Called
// by the decay pass when a routine goes unreinforced; repeated cooling
// keeps the statistics usable but increasingly uncertain.
func (s *DelayStats) Cool(varianceInflation float64) {
	if s.SampleCount == 0 {
		return
	}
	if varianceInflation > 1 {
		s.VarianceMs2 *= varianceInflation
	}
	s.EffectiveWeight /= 2
	if s.EffectiveWeight < 1 {
		s.EffectiveWeight = 1
	}
}

// Mean returns the smoothed mean delay.
func (s *DelayStats) Mean() time.Duration {
	return time.Duration(s.MeanMs) * time.Millisecond
}

// StdDev returns the smoothed standard deviation of the delay.
func (s *DelayStats) StdDev() time.Duration {
	return time.Duration(math.Sqrt(s.VarianceMs2)) * time.Millisecond
}

// Median returns the approximate median delay.
func (s *DelayStats) Median() time.Duration {
	if s.MedianEstimator == nil {
		return 0
	}
	return time.Duration(s.MedianEstimator.Value()) * time.Millisecond
}

// P90 returns the approximate 90th-percentile delay.
func (s *DelayStats) P90() time.Duration {
	if s.P90Estimator == nil {
		return 0
	}
	return time.Duration(s.P90Estimator.Value()) * time.Millisecond
}
