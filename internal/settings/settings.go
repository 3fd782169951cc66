// Package settings defines the per-user security settings the scorer
// consumes. Settings arrive from storage or configuration as loosely
// typed data and are validated here before they reach any decision.
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Version is the current settings schema version.
const Version = 1

// AdaptationPolicy decides whether an accepted verification sample is
// folded back into the profile.
type AdaptationPolicy string

const (
	// AdaptNever freezes the profile once it is active.
	AdaptNever AdaptationPolicy = "never"
	// AdaptOnSuccess folds every accepted sample.
	AdaptOnSuccess AdaptationPolicy = "on-success"
	// AdaptHighConfidence folds accepted samples scoring at least
	// threshold plus AdaptationMargin.
	AdaptHighConfidence AdaptationPolicy = "high-confidence"
)

// Settings are the security knobs for one user.
type Settings struct {
	Version                     int              `toml:"version" json:"version" yaml:"version"`
	MinConfidenceThreshold      float64          `toml:"min_confidence_threshold" json:"min_confidence_threshold" yaml:"min_confidence_threshold"`
	MaxFailedAttempts           int              `toml:"max_failed_attempts" json:"max_failed_attempts" yaml:"max_failed_attempts"`
	AnomalyDetectionSensitivity float64          `toml:"anomaly_detection_sensitivity" json:"anomaly_detection_sensitivity" yaml:"anomaly_detection_sensitivity"`
	LearningPeriod              int              `toml:"learning_period" json:"learning_period" yaml:"learning_period"`
	LockoutDurationSec          int              `toml:"lockout_duration_sec" json:"lockout_duration_sec" yaml:"lockout_duration_sec"`
	AdaptationPolicy            AdaptationPolicy `toml:"adaptation_policy" json:"adaptation_policy" yaml:"adaptation_policy"`
	AdaptationMargin            float64          `toml:"adaptation_margin" json:"adaptation_margin" yaml:"adaptation_margin"`
}

// Default returns the settings applied to users without overrides.
func Default() Settings {
	return Settings{
		Version:                     Version,
		MinConfidenceThreshold:      65,
		MaxFailedAttempts:           5,
		AnomalyDetectionSensitivity: 0.5,
		LearningPeriod:              5,
		LockoutDurationSec:          900,
		AdaptationPolicy:            AdaptOnSuccess,
		AdaptationMargin:            15,
	}
}

// LockoutDuration returns the lockout length as a time.Duration.
func (s Settings) LockoutDuration() time.Duration {
	return time.Duration(s.LockoutDurationSec) * time.Second
}

// ShouldAdapt reports whether an accepted sample with score should be
// folded back under the configured policy.
func (s Settings) ShouldAdapt(score float64) bool {
	switch s.AdaptationPolicy {
	case AdaptOnSuccess:
		return true
	case AdaptHighConfidence:
		return score >= s.MinConfidenceThreshold+s.AdaptationMargin
	default:
		return false
	}
}

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems at once.
func (s Settings) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if s.Version < 1 || s.Version > Version {
		add("version", "unsupported version %d (current: %d)", s.Version, Version)
	}
	if s.MinConfidenceThreshold < 0 || s.MinConfidenceThreshold > 100 {
		add("min_confidence_threshold", "must be within [0, 100], got %v", s.MinConfidenceThreshold)
	}
	if s.MaxFailedAttempts < 0 {
		add("max_failed_attempts", "must not be negative")
	}
	if s.AnomalyDetectionSensitivity < 0 || s.AnomalyDetectionSensitivity > 1 {
		add("anomaly_detection_sensitivity", "must be within [0, 1], got %v", s.AnomalyDetectionSensitivity)
	}
	if s.LearningPeriod < 3 {
		add("learning_period", "must be at least 3, got %d", s.LearningPeriod)
	}
	if s.LockoutDurationSec < 0 {
		add("lockout_duration_sec", "must not be negative")
	}
	switch s.AdaptationPolicy {
	case AdaptNever, AdaptOnSuccess, AdaptHighConfidence:
	default:
		add("adaptation_policy", "unknown policy %q", s.AdaptationPolicy)
	}
	if s.AdaptationMargin < 0 || s.AdaptationMargin > 100 {
		add("adaptation_margin", "must be within [0, 100], got %v", s.AdaptationMargin)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Provider supplies validated settings for a user.
type Provider interface {
	Settings(ctx context.Context, userID string) (Settings, error)
}

// Static serves one settings value to every user. The value can be
// swapped at runtime, which is how configuration reloads reach the
// scorer.
type Static struct {
	v atomic.Pointer[Settings]
}

// NewStatic validates s and returns a provider serving it.
func NewStatic(s Settings) (*Static, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	p := &Static{}
	p.v.Store(&s)
	return p, nil
}

// Settings returns the current value.
func (p *Static) Settings(ctx context.Context, userID string) (Settings, error) {
	return *p.v.Load(), nil
}

// Replace validates and installs a new value.
func (p *Static) Replace(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.v.Store(&s)
	return nil
}
