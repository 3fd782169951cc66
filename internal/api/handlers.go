package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"keyprint/internal/logging"
	"keyprint/internal/profile"
	"keyprint/internal/schemavalidation"
	"keyprint/internal/scorer"
	"keyprint/internal/settings"
	"keyprint/internal/store"
)

// readBody reads at most maxBody bytes, validates them against schema
// and decodes them into v.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema string, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return fmt.Errorf("%w: read body: %w", errBadRequest, err)
	}
	if s.validator != nil {
		if err := s.validator.Validate(schema, body); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

// readSample decodes a verify or train body. Durations are recomputed
// from press and release so a client cannot send inconsistent ones.
func (s *Server) readSample(w http.ResponseWriter, r *http.Request) (scorer.Request, error) {
	var req scorer.Request
	if err := s.readBody(w, r, schemavalidation.SampleRequest, &req); err != nil {
		return scorer.Request{}, err
	}
	for i, t := range req.Timings {
		req.Timings[i] = t.Normalize()
	}
	return req, nil
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) error {
	req, err := s.readSample(w, r)
	if err != nil {
		return err
	}
	res, err := s.svc.Verify(r.Context(), r.PathValue("userID"), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res.Response())
	return nil
}

// TrainResponse is the body of a successful train call.
type TrainResponse struct {
	PatternCount int            `json:"patternCount"`
	Status       profile.Status `json:"status"`
	Confidence   float64        `json:"confidence"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) error {
	req, err := s.readSample(w, r)
	if err != nil {
		return err
	}
	res, err := s.svc.Train(r.Context(), r.PathValue("userID"), req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, TrainResponse{
		PatternCount: res.PatternCount,
		Status:       res.Status,
		Confidence:   res.Confidence,
	})
	return nil
}

// ProfileView is the client-visible part of a profile. Statistics and
// the seal stay on the server.
type ProfileView struct {
	UserID         string         `json:"userId"`
	Status         profile.Status `json:"status"`
	PatternCount   int            `json:"patternCount"`
	Confidence     float64        `json:"confidence"`
	FailedAttempts int            `json:"failedAttempts"`
	LockedUntil    *time.Time     `json:"lockedUntil,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastVerifiedAt *time.Time     `json:"lastVerifiedAt,omitempty"`
}

func viewOf(p *profile.Profile) ProfileView {
	v := ProfileView{
		UserID:         p.UserID,
		Status:         p.Status,
		PatternCount:   p.PatternCount,
		Confidence:     p.ConfidenceScore,
		FailedAttempts: p.FailedAttempts,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if !p.LockedUntil.IsZero() {
		t := p.LockedUntil
		v.LockedUntil = &t
	}
	if !p.LastVerifiedAt.IsZero() {
		t := p.LastVerifiedAt
		v.LastVerifiedAt = &t
	}
	return v
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) error {
	p, err := s.svc.Profile(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, viewOf(p))
	return nil
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) error {
	p, err := s.svc.CreateProfile(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, viewOf(p))
	return nil
}

func (s *Server) handleResetProfile(w http.ResponseWriter, r *http.Request) error {
	p, err := s.svc.ResetLockout(r.Context(), r.PathValue("userID"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, viewOf(p))
	return nil
}

// AttemptsResponse is the body of an attempt history call.
type AttemptsResponse struct {
	Attempts []scorer.Attempt `json:"attempts"`
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) error {
	limit := DefaultAttemptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
		}
		limit = min(n, MaxAttemptLimit)
	}

	f := store.AttemptFilter{UserID: r.PathValue("userID"), Limit: limit}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("%w: since must be RFC 3339", errBadRequest)
		}
		f.Since = since
	}

	attempts, err := s.attempts.ListAttempts(r.Context(), f)
	if err != nil {
		return fmt.Errorf("%w: %w", scorer.ErrStorage, err)
	}
	if attempts == nil {
		attempts = []scorer.Attempt{}
	}
	writeJSON(w, http.StatusOK, AttemptsResponse{Attempts: attempts})
	return nil
}

// SettingsResponse reports effective settings and whether they come
// from a per-user override.
type SettingsResponse struct {
	Override bool              `json:"override"`
	Settings settings.Settings `json:"settings"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) error {
	userID := r.PathValue("userID")
	st, err := s.overrides.GetUserSettings(r.Context(), userID)
	if err != nil {
		return fmt.Errorf("%w: %w", scorer.ErrStorage, err)
	}
	if st != nil {
		writeJSON(w, http.StatusOK, SettingsResponse{Override: true, Settings: *st})
		return nil
	}
	resp := SettingsResponse{Settings: settings.Default()}
	if s.defaults != nil {
		if resp.Settings, err = s.defaults.Settings(r.Context(), userID); err != nil {
			return fmt.Errorf("%w: %w", scorer.ErrStorage, err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) error {
	userID := r.PathValue("userID")
	var st settings.Settings
	if err := s.readBody(w, r, schemavalidation.Settings, &st); err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.overrides.PutUserSettings(r.Context(), userID, st); err != nil {
		return fmt.Errorf("%w: %w", scorer.ErrStorage, err)
	}
	s.audit(r, logging.AuditEvent{
		EventType: logging.AuditEventConfigChange,
		UserID:    userID,
		Action:    "put_settings",
		Resource:  "security_settings",
		Result:    "success",
		Details: map[string]interface{}{
			"min_confidence_threshold": st.MinConfidenceThreshold,
			"adaptation_policy":        string(st.AdaptationPolicy),
		},
	})
	writeJSON(w, http.StatusOK, SettingsResponse{Override: true, Settings: st})
	return nil
}

func (s *Server) handleDeleteSettings(w http.ResponseWriter, r *http.Request) error {
	userID := r.PathValue("userID")
	if err := s.overrides.DeleteUserSettings(r.Context(), userID); err != nil {
		return fmt.Errorf("%w: %w", scorer.ErrStorage, err)
	}
	s.audit(r, logging.AuditEvent{
		EventType: logging.AuditEventConfigChange,
		UserID:    userID,
		Action:    "delete_settings",
		Resource:  "security_settings",
		Result:    "success",
	})
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) audit(r *http.Request, ev logging.AuditEvent) {
	if s.auditor == nil {
		return
	}
	ev.SourceIP = r.RemoteAddr
	if err := s.auditor.Log(r.Context(), ev); err != nil {
		s.logger.WarnContext(r.Context(), "audit write failed", "error", err)
	}
}
