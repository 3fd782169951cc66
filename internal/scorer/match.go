package scorer

import (
	"math"

	"keyprint/internal/features"
	"keyprint/internal/profile"
	"keyprint/internal/settings"
)

// Weights balance the dimensions in the distance.
type Weights struct {
	Dwell   float64
	Latency float64
	Speed   float64
	Digraph float64
}

// DefaultWeights favour the timing means over speed and digraphs.
var DefaultWeights = Weights{Dwell: 0.35, Latency: 0.35, Speed: 0.2, Digraph: 0.1}

// Spread floors keep a young profile with near-zero variance from
// turning every small deviation into a huge distance. Each floor is the
// larger of an absolute value and a fraction of the mean.
const (
	dwellFloorMs    = 10.0
	latencyFloorMs  = 15.0
	speedFloorKps   = 0.5
	digraphFloorMs  = 20.0
	relativeFloor   = 0.10
	baseSteepness   = 0.1
	minSensitivity  = 0.5
)

// Matcher turns a feature vector into a 0-100 score against a profile.
type Matcher interface {
	Score(p *profile.Profile, fv features.FeatureVector, s settings.Settings) float64
}

// ZMatcher scores by weighted RMS of per-dimension z-distances.
type ZMatcher struct {
	Weights Weights
}

// Score implements Matcher.
func (m ZMatcher) Score(p *profile.Profile, fv features.FeatureVector, s settings.Settings) float64 {
	return ScoreDistance(m.Distance(p, fv), s.AnomalyDetectionSensitivity)
}

// Distance is the weighted RMS z-distance of fv from the profile means.
// Digraphs only count when the sample shares at least one with the
// profile.
func (m ZMatcher) Distance(p *profile.Profile, fv features.FeatureVector) float64 {
	w := m.Weights
	if w == (Weights{}) {
		w = DefaultWeights
	}

	sum := 0.0
	total := 0.0
	add := func(weight, z float64) {
		sum += weight * z * z
		total += weight
	}

	add(w.Dwell, zscore(fv.MeanDwell, p.Dwell, dwellFloorMs))
	add(w.Latency, zscore(fv.MeanLatency, p.Latency, latencyFloorMs))
	add(w.Speed, zscore(fv.TypingSpeed, p.Speed, speedFloorKps))

	if w.Digraph > 0 {
		shared := 0
		dsum := 0.0
		for _, k := range fv.SortedDigraphs() {
			ref, ok := p.Digraphs[k]
			if !ok || ref.Count == 0 {
				continue
			}
			z := zscore(fv.Digraphs[k], ref, digraphFloorMs)
			dsum += z * z
			shared++
		}
		if shared > 0 {
			add(w.Digraph, math.Sqrt(dsum/float64(shared)))
		}
	}

	if total == 0 {
		return 0
	}
	return math.Sqrt(sum / total)
}

func zscore(x float64, ref profile.RunningStat, absFloor float64) float64 {
	spread := math.Max(ref.StdDev(), math.Max(absFloor, relativeFloor*math.Abs(ref.Mean)))
	return math.Abs(x-ref.Mean) / spread
}

// ScoreDistance maps a distance to 0-100 as 100*exp(-k*d^2). Higher
// sensitivity makes k larger, so the same distance scores lower. The
// result never increases with distance.
func ScoreDistance(d, sensitivity float64) float64 {
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	k := baseSteepness * (minSensitivity + sensitivity)
	return 100 * math.Exp(-k*d*d)
}
