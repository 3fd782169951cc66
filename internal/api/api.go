// Package api exposes the scorer over HTTP.
//
// Routes:
//
//	POST   /v1/users/{userID}/verify
//	POST   /v1/users/{userID}/train
//	GET    /v1/users/{userID}/profile
//	POST   /v1/users/{userID}/profile
//	POST   /v1/users/{userID}/profile/reset
//	GET    /v1/users/{userID}/attempts?limit=N
//	GET    /v1/users/{userID}/settings
//	PUT    /v1/users/{userID}/settings
//	DELETE /v1/users/{userID}/settings
//	GET    /healthz
//	GET    /readyz
//	GET    /metrics (Config.MetricsPath)
//
// Request bodies are checked against the embedded JSON schemas before
// they are decoded.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"keyprint/internal/health"
	"keyprint/internal/metrics"
	"keyprint/internal/profile"
	"keyprint/internal/schemavalidation"
	"keyprint/internal/scorer"
	"keyprint/internal/settings"
	"keyprint/internal/store"
	"keyprint/internal/tracing"
)

// DefaultMaxBodyBytes bounds request bodies when Config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// DefaultAttemptLimit is used when a history request has no limit.
const DefaultAttemptLimit = 50

// MaxAttemptLimit caps the limit query parameter.
const MaxAttemptLimit = 1000

// Service is the scorer surface the API drives.
type Service interface {
	Verify(ctx context.Context, userID string, req scorer.Request) (scorer.Result, error)
	Train(ctx context.Context, userID string, req scorer.Request) (scorer.TrainResult, error)
	CreateProfile(ctx context.Context, userID string) (*profile.Profile, error)
	Profile(ctx context.Context, userID string) (*profile.Profile, error)
	ResetLockout(ctx context.Context, userID string) (*profile.Profile, error)
}

// AttemptLister reads attempt history.
type AttemptLister interface {
	ListAttempts(ctx context.Context, f store.AttemptFilter) ([]scorer.Attempt, error)
}

// SettingsStore manages per-user overrides.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (*settings.Settings, error)
	PutUserSettings(ctx context.Context, userID string, s settings.Settings) error
	DeleteUserSettings(ctx context.Context, userID string) error
}

// Config wires the handler's collaborators. Service and Logger are
// required; routes whose collaborator is nil are not registered.
type Config struct {
	Service  Service
	Attempts AttemptLister
	Settings SettingsStore
	// Defaults resolves effective settings for GET on a user without an
	// override.
	Defaults settings.Provider

	Validator *schemavalidation.Validator
	Metrics   *metrics.Metrics
	// MetricsPath is the scrape route. Empty means /metrics.
	MetricsPath string
	// Profiles feeds the profile gauges on each scrape.
	Profiles metrics.ProfileCounter
	Health   *health.Checker
	Auditor  scorer.Auditor
	Logger   *slog.Logger
	// Tracer opens a server span per request. Nil disables tracing.
	Tracer *tracing.Tracer

	MaxBodyBytes int64
}

// Server is the HTTP handler.
type Server struct {
	svc       Service
	attempts  AttemptLister
	overrides SettingsStore
	defaults  settings.Provider
	validator *schemavalidation.Validator
	metrics   *metrics.Metrics
	auditor   scorer.Auditor
	logger    *slog.Logger
	tracer    *tracing.Tracer
	maxBody   int64

	mux *http.ServeMux
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Service == nil {
		panic("api: Service is required")
	}
	if cfg.Logger == nil {
		panic("api: Logger is required")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	s := &Server{
		svc:       cfg.Service,
		attempts:  cfg.Attempts,
		overrides: cfg.Settings,
		defaults:  cfg.Defaults,
		validator: cfg.Validator,
		metrics:   cfg.Metrics,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		maxBody:   maxBody,
		mux:       http.NewServeMux(),
	}

	s.route("POST /v1/users/{userID}/verify", "verify", s.handleVerify)
	s.route("POST /v1/users/{userID}/train", "train", s.handleTrain)
	s.route("GET /v1/users/{userID}/profile", "profile_get", s.handleGetProfile)
	s.route("POST /v1/users/{userID}/profile", "profile_create", s.handleCreateProfile)
	s.route("POST /v1/users/{userID}/profile/reset", "profile_reset", s.handleResetProfile)
	if s.attempts != nil {
		s.route("GET /v1/users/{userID}/attempts", "attempts", s.handleAttempts)
	}
	if s.overrides != nil {
		s.route("GET /v1/users/{userID}/settings", "settings_get", s.handleGetSettings)
		s.route("PUT /v1/users/{userID}/settings", "settings_put", s.handlePutSettings)
		s.route("DELETE /v1/users/{userID}/settings", "settings_delete", s.handleDeleteSettings)
	}

	if cfg.Health != nil {
		s.mux.Handle("GET /healthz", cfg.Health.LivenessHandler())
		s.mux.Handle("GET /readyz", cfg.Health.ReadinessHandler())
	}
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.mux.Handle("GET "+path, cfg.Metrics.Handler(cfg.Profiles))
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
