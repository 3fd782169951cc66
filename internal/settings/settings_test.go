package settings

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if s.MinConfidenceThreshold != 65 {
		t.Errorf("expected threshold 65, got %v", s.MinConfidenceThreshold)
	}
	if s.LockoutDuration() != 15*time.Minute {
		t.Errorf("expected 15m lockout, got %v", s.LockoutDuration())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
		field  string
	}{
		{"version zero", func(s *Settings) { s.Version = 0 }, "version"},
		{"future version", func(s *Settings) { s.Version = Version + 1 }, "version"},
		{"threshold high", func(s *Settings) { s.MinConfidenceThreshold = 101 }, "min_confidence_threshold"},
		{"threshold negative", func(s *Settings) { s.MinConfidenceThreshold = -1 }, "min_confidence_threshold"},
		{"failed attempts", func(s *Settings) { s.MaxFailedAttempts = -1 }, "max_failed_attempts"},
		{"sensitivity", func(s *Settings) { s.AnomalyDetectionSensitivity = 1.5 }, "anomaly_detection_sensitivity"},
		{"learning period", func(s *Settings) { s.LearningPeriod = 2 }, "learning_period"},
		{"lockout", func(s *Settings) { s.LockoutDurationSec = -5 }, "lockout_duration_sec"},
		{"policy", func(s *Settings) { s.AdaptationPolicy = "sometimes" }, "adaptation_policy"},
		{"margin", func(s *Settings) { s.AdaptationMargin = 200 }, "adaptation_margin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			err := s.Validate()
			var errs ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if len(errs) != 1 || errs[0].Field != tt.field {
				t.Errorf("expected single error on %s, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	s := Settings{}
	var errs ValidationErrors
	if !errors.As(s.Validate(), &errs) {
		t.Fatal("zero settings should be invalid")
	}
	if len(errs) < 3 {
		t.Errorf("expected several errors, got %d: %v", len(errs), errs)
	}
}

func TestShouldAdapt(t *testing.T) {
	s := Default()
	tests := []struct {
		policy AdaptationPolicy
		score  float64
		want   bool
	}{
		{AdaptNever, 99, false},
		{AdaptOnSuccess, 65, true},
		{AdaptHighConfidence, 79, false},
		{AdaptHighConfidence, 80, true},
	}
	for _, tt := range tests {
		s.AdaptationPolicy = tt.policy
		if got := s.ShouldAdapt(tt.score); got != tt.want {
			t.Errorf("%s at %v: got %v, want %v", tt.policy, tt.score, got, tt.want)
		}
	}
}

func TestStaticReplace(t *testing.T) {
	p, err := NewStatic(Default())
	if err != nil {
		t.Fatal(err)
	}

	next := Default()
	next.MinConfidenceThreshold = 80
	if err := p.Replace(next); err != nil {
		t.Fatal(err)
	}
	got, _ := p.Settings(context.Background(), "anyone")
	if got.MinConfidenceThreshold != 80 {
		t.Errorf("replace not visible, threshold %v", got.MinConfidenceThreshold)
	}

	bad := Default()
	bad.LearningPeriod = 0
	if err := p.Replace(bad); err == nil {
		t.Error("expected invalid settings to be refused")
	}
	got, _ = p.Settings(context.Background(), "anyone")
	if got.MinConfidenceThreshold != 80 {
		t.Error("refused settings must not replace the current value")
	}
}
