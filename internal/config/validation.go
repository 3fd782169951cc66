package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"keyprint/internal/capture"
	"keyprint/internal/logging"
	"keyprint/internal/ratelimit"
	"keyprint/internal/settings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSecurity(&c.Security)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateRateLimit(&c.RateLimit)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateTracing(&c.Tracing)...)

	if err := c.Defaults.Validate(); err != nil {
		var serrs settings.ValidationErrors
		if errors.As(err, &serrs) {
			for _, se := range serrs {
				errs = append(errs, ValidationError{Field: "defaults." + se.Field, Message: se.Message})
			}
		} else {
			errs = append(errs, ValidationError{Field: "defaults", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		errs = append(errs, ValidationError{Field: "server.listen", Message: fmt.Sprintf("invalid address %q: %v", s.Listen, err)})
	}
	if s.ReadTimeoutSec < 0 || s.WriteTimeoutSec < 0 || s.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{Field: "server", Message: "timeouts must not be negative"})
	}
	if s.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{Field: "server.max_body_bytes", Message: "must be at least 1024"})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "path is required"})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "must not be negative"})
	}
	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{Field: "storage.max_connections", Message: "must be at least 1"})
	}
	return errs
}

func validateSecurity(s *SecurityConfig) ValidationErrors {
	if s.SealProfiles && s.SealSecret == "" && s.SealSecretFile == "" {
		return ValidationErrors{{Field: "security.seal_secret_file", Message: "required when seal_profiles is enabled"}}
	}
	return nil
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := capture.ParseRepeatPolicy(c.RepeatPolicy); err != nil {
		errs = append(errs, ValidationError{Field: "capture.repeat_policy", Message: err.Error()})
	}
	if c.StreamWindow < 5 {
		errs = append(errs, ValidationError{Field: "capture.stream_window", Message: "must be at least 5"})
	}
	return errs
}

func validateRateLimit(r *RateLimitConfig) ValidationErrors {
	var errs ValidationErrors
	for _, rule := range []struct {
		field string
		rule  ratelimit.Rule
	}{
		{"rate_limit.verify", r.Verify},
		{"rate_limit.train", r.Train},
		{"rate_limit.fallback", r.Fallback},
	} {
		if err := rule.rule.Validate(); err != nil {
			errs = append(errs, ValidationError{Field: rule.field, Message: err.Error()})
		}
	}
	if r.IdleSec < 1 || r.SweepSec < 1 {
		errs = append(errs, ValidationError{Field: "rate_limit", Message: "idle_sec and sweep_sec must be positive"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{Field: "logging.format", Message: err.Error()})
	}
	switch strings.ToLower(l.Output) {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required for file output"})
		}
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	switch {
	case !strings.HasPrefix(m.Path, "/"):
		return ValidationErrors{{Field: "metrics.path", Message: fmt.Sprintf("%q must start with /", m.Path)}}
	case m.Path == "/healthz", m.Path == "/readyz", strings.HasPrefix(m.Path, "/v1/"):
		return ValidationErrors{{Field: "metrics.path", Message: fmt.Sprintf("%q collides with an API route", m.Path)}}
	}
	return nil
}

func validateTracing(t *TracingConfig) ValidationErrors {
	var errs ValidationErrors
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, ValidationError{Field: "tracing.sample_ratio", Message: "must be between 0 and 1"})
	}
	if t.Enabled && t.FilePath == "" {
		errs = append(errs, ValidationError{Field: "tracing.file_path", Message: "required when tracing is enabled"})
	}
	return errs
}
