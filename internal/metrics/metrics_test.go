package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"keyprint/internal/profile"
	"keyprint/internal/scorer"
)

func TestLabelsString(t *testing.T) {
	l := Labels{"b": "2", "a": `x"y`}
	if got := l.String(); got != `{a="x\"y",b="2"}` {
		t.Errorf("Labels.String() = %s", got)
	}
	if got := Labels(nil).String(); got != "" {
		t.Errorf("empty labels = %q", got)
	}
}

func TestRegistrySeriesByLabels(t *testing.T) {
	r := NewRegistry("kp", "")
	a := r.RegisterCounter("hits_total", "hits", Labels{"route": "a"})
	b := r.RegisterCounter("hits_total", "hits", Labels{"route": "b"})
	if a == b {
		t.Fatal("different label sets share a series")
	}
	if again := r.RegisterCounter("hits_total", "hits", Labels{"route": "a"}); again != a {
		t.Error("re-registering returned a new series")
	}
	a.Inc()
	a.Inc()
	b.Inc()
	if got := r.RegisterCounter("hits_total", "", Labels{"route": "a"}).Value(); got != 2 {
		t.Errorf("route a = %d, want 2", got)
	}
}

func TestHistogramCumulative(t *testing.T) {
	h := NewHistogram("h", "", nil, []float64{1, 5, 10})
	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v)
	}
	got := h.cumulative()
	want := []uint64{2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cumulative = %v, want %v", got, want)
		}
	}
	if h.Count() != 5 || h.Sum() != 31.5 {
		t.Errorf("count=%d sum=%v", h.Count(), h.Sum())
	}
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("kp", "")
	r.RegisterCounter("hits_total", "Hits", Labels{"route": "b"}).Add(3)
	r.RegisterCounter("hits_total", "Hits", Labels{"route": "a"}).Inc()
	r.RegisterGauge("up", "Up", nil).Set(1)
	r.RegisterHistogram("score", "Score", nil, []float64{50, 100}).Observe(70)

	var buf bytes.Buffer
	if err := r.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()

	if strings.Count(out, "# TYPE kp_hits_total counter") != 1 {
		t.Errorf("family header not written once:\n%s", out)
	}
	if strings.Index(out, `kp_hits_total{route="a"} 1`) > strings.Index(out, `kp_hits_total{route="b"} 3`) {
		t.Errorf("series not sorted:\n%s", out)
	}
	for _, line := range []string{
		"kp_up 1",
		`kp_score_bucket{le="50"} 0`,
		`kp_score_bucket{le="100"} 1`,
		`kp_score_bucket{le="+Inf"} 1`,
		"kp_score_count 1",
	} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %q in:\n%s", line, out)
		}
	}
}

func TestObserver(t *testing.T) {
	m := New(nil)

	m.ObserveVerify(scorer.OutcomeAccepted, 88)
	m.ObserveVerify(scorer.OutcomeRejected, 20)
	m.ObserveVerify(scorer.OutcomeEnrolling, 0)
	m.ObserveTrain(profile.StatusActive)
	m.ObserveDenied(scorer.OpVerify, "rate_limited")
	m.ObserveDenied(scorer.OpVerify, "storage")

	r := m.Registry()
	if got := r.RegisterCounter("verifications_total", "", Labels{"outcome": "accepted"}).Value(); got != 1 {
		t.Errorf("accepted = %d", got)
	}
	if got := r.RegisterCounter("verifications_total", "", Labels{"outcome": "insufficient_training"}).Value(); got != 0 {
		t.Errorf("insufficient_training = %d", got)
	}
	if m.VerificationScore.Count() != 2 {
		t.Errorf("score observations = %d, want 2", m.VerificationScore.Count())
	}
	if got := r.RegisterCounter("training_samples_total", "", Labels{"status": "active"}).Value(); got != 1 {
		t.Errorf("trainings = %d", got)
	}
	if got := r.RegisterCounter("denied_total", "", Labels{"operation": "verify", "reason": "rate_limited"}).Value(); got != 1 {
		t.Errorf("rate limited = %d", got)
	}
	if m.ErrorsTotal.Value() != 1 {
		t.Errorf("errors = %d", m.ErrorsTotal.Value())
	}
}

type countsFunc func(ctx context.Context) (map[profile.Status]int, error)

func (f countsFunc) CountProfiles(ctx context.Context) (map[profile.Status]int, error) {
	return f(ctx)
}

func TestRefreshProfiles(t *testing.T) {
	m := New(nil)
	src := countsFunc(func(context.Context) (map[profile.Status]int, error) {
		return map[profile.Status]int{profile.StatusActive: 4, profile.StatusLearning: 2}, nil
	})
	if err := m.RefreshProfiles(context.Background(), src); err != nil {
		t.Fatalf("RefreshProfiles failed: %v", err)
	}
	if m.ActiveProfiles() != 4 {
		t.Errorf("active = %d", m.ActiveProfiles())
	}

	failing := countsFunc(func(context.Context) (map[profile.Status]int, error) {
		return nil, errors.New("db down")
	})
	if err := m.RefreshProfiles(context.Background(), failing); err == nil {
		t.Error("expected error")
	}
	if m.ActiveProfiles() != 4 {
		t.Error("failed refresh changed the gauge")
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveVerify(scorer.OutcomeAccepted, 90)
	src := countsFunc(func(context.Context) (map[profile.Status]int, error) {
		return map[profile.Status]int{profile.StatusActive: 1}, nil
	})
	h := m.Handler(src)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `keyprint_profiles{status="active"} 1`) {
		t.Errorf("text scrape missing profile gauge:\n%s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var doc map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("json scrape: %v", err)
	}
	if _, ok := doc[`keyprint_verifications_total{outcome="accepted"}`]; !ok {
		t.Error("json scrape missing accepted counter")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New(nil)
	m.RecordRequest("verify", 200, 0)
	m.RecordRequest("verify", 429, 0)
	m.RecordRequest("verify", 503, 0)
	r := m.Registry()
	for _, code := range []string{"2xx", "4xx", "5xx"} {
		if got := r.RegisterCounter("requests_total", "", Labels{"route": "verify", "code": code}).Value(); got != 1 {
			t.Errorf("%s = %d", code, got)
		}
	}
}
