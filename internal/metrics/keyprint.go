package metrics

import (
	"context"
	"net/http"
	"time"

	"keyprint/internal/profile"
	"keyprint/internal/scorer"
)

// ProfileCounter reports how many profiles exist per status.
type ProfileCounter interface {
	CountProfiles(ctx context.Context) (map[profile.Status]int, error)
}

// Metrics holds the keyprint series and implements scorer.Observer.
type Metrics struct {
	registry *Registry
	started  time.Time

	// VerificationScore is the confidence distribution of decided
	// verifications.
	VerificationScore *Histogram
	RequestDuration   *Histogram
	UptimeSeconds     *Gauge
	ErrorsTotal       *Counter
}

var _ scorer.Observer = (*Metrics)(nil)

// New registers the keyprint series on registry.
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry("keyprint", "")
	}

	m := &Metrics{
		registry: registry,
		started:  time.Now(),

		VerificationScore: registry.RegisterHistogram(
			"verification_confidence",
			"Confidence score of decided verifications",
			nil,
			ScoreBuckets,
		),
		RequestDuration: registry.RegisterHistogram(
			"request_duration_seconds",
			"Duration of API requests in seconds",
			nil,
			DurationBuckets,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of internal errors",
			nil,
		),
	}

	// Pre-register the fixed label sets so scrapes show zeros.
	for _, o := range []scorer.Outcome{
		scorer.OutcomeAccepted,
		scorer.OutcomeRejected,
		scorer.OutcomeInsufficientTraining,
		scorer.OutcomeEnrolling,
	} {
		m.verifications(o)
	}
	for _, s := range []profile.Status{profile.StatusLearning, profile.StatusActive, profile.StatusLocked} {
		m.profiles(s)
	}

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *Registry {
	return m.registry
}

func (m *Metrics) verifications(o scorer.Outcome) *Counter {
	return m.registry.RegisterCounter(
		"verifications_total",
		"Total number of decided verifications by outcome",
		Labels{"outcome": string(o)},
	)
}

func (m *Metrics) trainings(s profile.Status) *Counter {
	return m.registry.RegisterCounter(
		"training_samples_total",
		"Total number of absorbed training samples by resulting status",
		Labels{"status": string(s)},
	)
}

func (m *Metrics) denied(op, reason string) *Counter {
	return m.registry.RegisterCounter(
		"denied_total",
		"Total number of operations refused before a decision",
		Labels{"operation": op, "reason": reason},
	)
}

func (m *Metrics) profiles(s profile.Status) *Gauge {
	return m.registry.RegisterGauge(
		"profiles",
		"Number of stored profiles by status",
		Labels{"status": string(s)},
	)
}

// ObserveVerify counts a decided verification.
func (m *Metrics) ObserveVerify(outcome scorer.Outcome, confidence float64) {
	m.verifications(outcome).Inc()
	if outcome == scorer.OutcomeAccepted || outcome == scorer.OutcomeRejected {
		m.VerificationScore.Observe(confidence)
	}
}

// ObserveTrain counts an absorbed training sample.
func (m *Metrics) ObserveTrain(status profile.Status) {
	m.trainings(status).Inc()
}

// ObserveDenied counts an operation refused before any decision, such
// as a rate limit or a storage failure.
func (m *Metrics) ObserveDenied(op, reason string) {
	m.denied(op, reason).Inc()
	if reason == "storage" {
		m.ErrorsTotal.Inc()
	}
}

// RecordRequest records one API request.
func (m *Metrics) RecordRequest(route string, code int, d time.Duration) {
	m.RequestDuration.ObserveDuration(d)
	m.registry.RegisterCounter(
		"requests_total",
		"Total number of API requests by route and status class",
		Labels{"route": route, "code": statusClass(code)},
	).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// UpdateUptime updates the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// RefreshProfiles samples profile counts into the profiles gauges.
func (m *Metrics) RefreshProfiles(ctx context.Context, src ProfileCounter) error {
	counts, err := src.CountProfiles(ctx)
	if err != nil {
		m.ErrorsTotal.Inc()
		return err
	}
	for _, s := range []profile.Status{profile.StatusLearning, profile.StatusActive, profile.StatusLocked} {
		m.profiles(s).Set(int64(counts[s]))
	}
	return nil
}

// ActiveProfiles returns the last sampled number of active profiles.
func (m *Metrics) ActiveProfiles() int64 {
	return m.profiles(profile.StatusActive).Value()
}

// Handler serves the registry, refreshing uptime and, when src is not
// nil, profile counts before each scrape.
func (m *Metrics) Handler(src ProfileCounter) http.Handler {
	return m.registry.HTTPHandler(func(r *http.Request) {
		m.UpdateUptime()
		if src != nil {
			m.RefreshProfiles(r.Context(), src)
		}
	})
}

// Snapshot returns a snapshot of key metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"verifications_accepted": m.verifications(scorer.OutcomeAccepted).Value(),
		"verifications_rejected": m.verifications(scorer.OutcomeRejected).Value(),
		"confidence_mean":        m.VerificationScore.Mean(),
		"active_profiles":        m.ActiveProfiles(),
		"errors_total":           m.ErrorsTotal.Value(),
		"uptime_seconds":         m.UptimeSeconds.Value(),
	}
}
