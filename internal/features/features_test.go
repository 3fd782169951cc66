package features

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"keyprint/internal/capture"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func steadyTimings() []capture.KeyTiming {
	return []capture.KeyTiming{
		{Key: "a", PressTime: 0, ReleaseTime: 80, Duration: 80},
		{Key: "b", PressTime: 120, ReleaseTime: 210, Duration: 90},
		{Key: "c", PressTime: 260, ReleaseTime: 330, Duration: 70},
		{Key: "d", PressTime: 400, ReleaseTime: 470, Duration: 70},
		{Key: "e", PressTime: 510, ReleaseTime: 590, Duration: 80},
	}
}

func TestExtractSteadyRhythm(t *testing.T) {
	fv, err := Extract(steadyTimings())
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if fv.KeyCount != 5 {
		t.Errorf("KeyCount = %d, want 5", fv.KeyCount)
	}
	if !approx(fv.MeanDwell, 78, 1e-9) {
		t.Errorf("MeanDwell = %v, want 78", fv.MeanDwell)
	}
	// (40 + 50 + 70 + 40) / 4
	if !approx(fv.MeanLatency, 50, 1e-9) {
		t.Errorf("MeanLatency = %v, want 50", fv.MeanLatency)
	}
	if !approx(fv.SpanMs, 590, 1e-9) {
		t.Errorf("SpanMs = %v, want 590", fv.SpanMs)
	}
	if !approx(fv.TypingSpeed, 5/0.59, 1e-9) {
		t.Errorf("TypingSpeed = %v, want %v", fv.TypingSpeed, 5/0.59)
	}
	if got := fv.Digraphs[DigraphKey("a", "b")]; got != 120 {
		t.Errorf("digraph a>b = %v, want 120", got)
	}
	if len(fv.Digraphs) != 4 {
		t.Errorf("expected 4 digraphs, got %d", len(fv.Digraphs))
	}
}

func TestExtractTooFewKeystrokes(t *testing.T) {
	_, err := Extract(steadyTimings()[:4])
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

// TestInsufficientDataGate checks that every size below the threshold
// signals insufficient data and every size at or above it yields a vector.
func TestInsufficientDataGate(t *testing.T) {
	for n := 0; n <= 12; n++ {
		timings := make([]capture.KeyTiming, n)
		for i := range timings {
			p := float64(i * 100)
			timings[i] = capture.KeyTiming{Key: "k", PressTime: p, ReleaseTime: p + 60, Duration: 60}
		}

		fv, err := Extract(timings)
		if n < MinKeystrokes {
			if !errors.Is(err, ErrInsufficientData) {
				t.Errorf("n=%d: expected ErrInsufficientData, got %v", n, err)
			}
			if fv.KeyCount != 0 {
				t.Errorf("n=%d: returned a vector alongside the error", n)
			}
			continue
		}
		if err != nil {
			t.Errorf("n=%d: unexpected error %v", n, err)
		}
		if fv.KeyCount != n {
			t.Errorf("n=%d: KeyCount = %d", n, fv.KeyCount)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	a, err := Extract(steadyTimings())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Extract(steadyTimings())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("same buffer produced different vectors")
	}
}

func TestExtractRejectsInvalidTiming(t *testing.T) {
	timings := steadyTimings()
	timings[2].Duration = -5
	if _, err := Extract(timings); !errors.Is(err, ErrInvalidTiming) {
		t.Errorf("expected ErrInvalidTiming, got %v", err)
	}
}

func TestExtractRejectsNonFiniteTiming(t *testing.T) {
	for name, mutate := range map[string]func(*capture.KeyTiming){
		"nan release":  func(kt *capture.KeyTiming) { kt.ReleaseTime = math.NaN() },
		"inf press":    func(kt *capture.KeyTiming) { kt.PressTime = math.Inf(-1) },
		"huge release": func(kt *capture.KeyTiming) { kt.ReleaseTime = 1e308; kt.Duration = 1e308 },
	} {
		t.Run(name, func(t *testing.T) {
			timings := steadyTimings()
			mutate(&timings[3])
			fv, err := Extract(timings)
			if !errors.Is(err, ErrInvalidTiming) {
				t.Fatalf("expected ErrInvalidTiming, got %v (latency %v)", err, fv.MeanLatency)
			}
		})
	}
}

func TestFeatureVectorValidate(t *testing.T) {
	fv, err := Extract(steadyTimings())
	if err != nil {
		t.Fatal(err)
	}
	if err := fv.Validate(); err != nil {
		t.Fatalf("extracted vector rejected: %v", err)
	}

	bad := fv
	bad.TypingSpeed = math.Inf(1)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTiming) {
		t.Errorf("infinite speed accepted: %v", err)
	}

	bad = fv
	bad.Digraphs = map[string]float64{"a>b": math.NaN()}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTiming) {
		t.Errorf("NaN digraph accepted: %v", err)
	}
}

func TestExtractOverlappingKeys(t *testing.T) {
	// Rollover: each key is pressed before the previous is released.
	timings := []capture.KeyTiming{
		{Key: "t", PressTime: 0, ReleaseTime: 100, Duration: 100},
		{Key: "h", PressTime: 80, ReleaseTime: 170, Duration: 90},
		{Key: "e", PressTime: 150, ReleaseTime: 240, Duration: 90},
		{Key: " ", PressTime: 220, ReleaseTime: 300, Duration: 80},
		{Key: "c", PressTime: 290, ReleaseTime: 360, Duration: 70},
	}
	fv, err := Extract(timings)
	if err != nil {
		t.Fatal(err)
	}
	if fv.MeanLatency >= 0 {
		t.Errorf("rollover typing should produce negative latency, got %v", fv.MeanLatency)
	}
	if fv.Rhythm[0] != 1 {
		t.Errorf("negative latencies belong in the first rhythm bin, got %v", fv.Rhythm)
	}
}

func TestSpeedZeroSpan(t *testing.T) {
	if got := speed(5, 0, []float64{0, 0}); math.IsInf(got, 0) || math.IsNaN(got) {
		t.Errorf("speed with zero span and dwell is not finite: %v", got)
	}
	if got := speed(4, 0, []float64{100, 100}); !approx(got, 20, 1e-9) {
		t.Errorf("speed fallback to dwell = %v, want 20", got)
	}
}

func TestRhythmNormalised(t *testing.T) {
	sig := rhythm([]float64{10, 60, 60, 2000})
	total := 0.0
	for _, v := range sig {
		total += v
	}
	if !approx(total, 1, 1e-9) {
		t.Errorf("rhythm does not sum to 1: %v", total)
	}
	if sig[RhythmBins-1] != 0.25 {
		t.Errorf("long latency not clamped into last bin: %v", sig)
	}
}

func TestStdDev(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5}, 0},
		{"constant", []float64{3, 3, 3}, 0},
		{"pair", []float64{1, 3}, math.Sqrt2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stddev(tt.values); !approx(got, tt.want, 1e-9) {
				t.Errorf("stddev(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestSortedDigraphs(t *testing.T) {
	fv, _ := Extract(steadyTimings())
	want := []string{"a>b", "b>c", "c>d", "d>e"}
	if got := fv.SortedDigraphs(); !reflect.DeepEqual(got, want) {
		t.Errorf("SortedDigraphs = %v, want %v", got, want)
	}
}
