// Package features reduces a buffer of key timings to a fixed-shape
// statistical summary of typing rhythm.
package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"keyprint/internal/capture"
)

// MinKeystrokes is the smallest buffer Extract will summarise.
const MinKeystrokes = 5

// RhythmBins is the number of 50ms latency bins in the rhythm histogram.
const RhythmBins = 16

const rhythmBinWidthMs = 50.0

var (
	// ErrInsufficientData is returned for buffers shorter than
	// MinKeystrokes. It means "no signal yet", not "anomalous signal".
	ErrInsufficientData = errors.New("features: insufficient data")

	// ErrInvalidTiming is returned when a timing violates its invariants.
	ErrInvalidTiming = errors.New("features: invalid timing")
)

// FeatureVector summarises one capture. All times are milliseconds.
type FeatureVector struct {
	KeyCount      int     `json:"key_count"`
	MeanDwell     float64 `json:"mean_dwell_ms"`
	StdDevDwell   float64 `json:"stddev_dwell_ms"`
	MeanLatency   float64 `json:"mean_latency_ms"`
	StdDevLatency float64 `json:"stddev_latency_ms"`
	// TypingSpeed is keystrokes per second over the session span.
	TypingSpeed float64 `json:"typing_speed_kps"`
	SpanMs      float64 `json:"span_ms"`
	// Digraphs maps "a>b" to the mean press-to-press interval.
	Digraphs map[string]float64 `json:"digraphs,omitempty"`
	// Rhythm is the normalised histogram of latencies.
	Rhythm [RhythmBins]float64 `json:"rhythm"`
}

// Extract computes the feature vector of timings, in buffer order.
func Extract(timings []capture.KeyTiming) (FeatureVector, error) {
	if len(timings) < MinKeystrokes {
		return FeatureVector{}, fmt.Errorf("%w: %d keystrokes, need %d", ErrInsufficientData, len(timings), MinKeystrokes)
	}
	for i, kt := range timings {
		if err := kt.Validate(); err != nil {
			return FeatureVector{}, fmt.Errorf("%w at %d: %v", ErrInvalidTiming, i, err)
		}
	}

	dwells := make([]float64, len(timings))
	latencies := make([]float64, 0, len(timings)-1)
	digraphs := make(map[string][]float64)
	for i, kt := range timings {
		dwells[i] = kt.Duration
		if i == 0 {
			continue
		}
		prev := timings[i-1]
		latencies = append(latencies, kt.PressTime-prev.ReleaseTime)
		key := DigraphKey(prev.Key, kt.Key)
		digraphs[key] = append(digraphs[key], kt.PressTime-prev.PressTime)
	}

	fv := FeatureVector{
		KeyCount:      len(timings),
		MeanDwell:     mean(dwells),
		StdDevDwell:   stddev(dwells),
		MeanLatency:   mean(latencies),
		StdDevLatency: stddev(latencies),
		SpanMs:        span(timings),
		Digraphs:      make(map[string]float64, len(digraphs)),
		Rhythm:        rhythm(latencies),
	}
	fv.TypingSpeed = speed(fv.KeyCount, fv.SpanMs, dwells)
	for k, v := range digraphs {
		fv.Digraphs[k] = mean(v)
	}
	if err := fv.Validate(); err != nil {
		return FeatureVector{}, err
	}
	return fv, nil
}

// Validate reports ErrInvalidTiming if any statistic is NaN or infinite.
func (fv FeatureVector) Validate() error {
	named := [...]struct {
		name string
		v    float64
	}{
		{"mean dwell", fv.MeanDwell},
		{"dwell deviation", fv.StdDevDwell},
		{"mean latency", fv.MeanLatency},
		{"latency deviation", fv.StdDevLatency},
		{"typing speed", fv.TypingSpeed},
		{"span", fv.SpanMs},
	}
	for _, n := range named {
		if !finite(n.v) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidTiming, n.name)
		}
	}
	for k, v := range fv.Digraphs {
		if !finite(v) {
			return fmt.Errorf("%w: digraph %s is not finite", ErrInvalidTiming, k)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DigraphKey names the ordered pair of keys a then b.
func DigraphKey(a, b string) string {
	return a + ">" + b
}

// span is the wall time from the first press to the last release.
func span(timings []capture.KeyTiming) float64 {
	first := timings[0].PressTime
	last := timings[0].ReleaseTime
	for _, kt := range timings {
		if kt.PressTime < first {
			first = kt.PressTime
		}
		if kt.ReleaseTime > last {
			last = kt.ReleaseTime
		}
	}
	return last - first
}

// speed is keys per second. A zero span (all events on one timestamp)
// falls back to the summed dwell, then to one millisecond, so the value
// is always finite.
func speed(count int, spanMs float64, dwells []float64) float64 {
	denom := spanMs
	if denom <= 0 {
		for _, d := range dwells {
			denom += d
		}
	}
	if denom <= 0 {
		denom = 1
	}
	return float64(count) / (denom / 1000)
}

func rhythm(latencies []float64) [RhythmBins]float64 {
	var sig [RhythmBins]float64
	if len(latencies) == 0 {
		return sig
	}
	for _, l := range latencies {
		bin := int(l / rhythmBinWidthMs)
		if bin < 0 {
			bin = 0
		}
		if bin >= RhythmBins {
			bin = RhythmBins - 1
		}
		sig[bin]++
	}
	total := float64(len(latencies))
	for i := range sig {
		sig[i] /= total
	}
	return sig
}

// SortedDigraphs returns the digraph names in lexical order.
func (fv FeatureVector) SortedDigraphs() []string {
	keys := make([]string, 0, len(fv.Digraphs))
	for k := range fv.Digraphs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - m
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)-1))
}
