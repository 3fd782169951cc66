// Package scorer is the authentication decision engine. It compares a
// feature vector against the stored profile, decides, and then records
// the decision and any profile update.
//
// Every decision is computed against a snapshot of the profile before
// any write happens, so a crash between writes can never record a
// decision that was not reached.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"keyprint/internal/clock"
	"keyprint/internal/features"
	"keyprint/internal/logging"
	"keyprint/internal/profile"
	"keyprint/internal/settings"
	"keyprint/internal/tracing"
)

// Auditor receives security events.
type Auditor interface {
	Log(ctx context.Context, event logging.AuditEvent) error
}

// Observer receives pipeline outcomes for metrics.
type Observer interface {
	ObserveVerify(outcome Outcome, confidence float64)
	ObserveTrain(status profile.Status)
	ObserveDenied(op, reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveVerify(Outcome, float64) {}
func (nopObserver) ObserveTrain(profile.Status) {}
func (nopObserver) ObserveDenied(string, string) {}

// Scorer runs verification and training against injected collaborators.
type Scorer struct {
	profiles ProfileStore
	attempts AuditStore
	settings settings.Provider
	limiter  Limiter

	matcher  Matcher
	clock    clock.Clock
	sealer   *profile.Sealer
	logger   *slog.Logger
	auditor  Auditor
	observer Observer
	tracer   *tracing.Tracer
	newID    func() string
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Scorer) { s.clock = c } }

// WithMatcher replaces the default ZMatcher.
func WithMatcher(m Matcher) Option { return func(s *Scorer) { s.matcher = m } }

// WithSealer enables profile seals. Loaded profiles are verified and
// written profiles are sealed.
func WithSealer(sl *profile.Sealer) Option { return func(s *Scorer) { s.sealer = sl } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scorer) { s.logger = l } }

// WithAuditor sets the security audit sink.
func WithAuditor(a Auditor) Option { return func(s *Scorer) { s.auditor = a } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(s *Scorer) { s.observer = o } }

// WithTracer records match and commit spans under the caller's span.
func WithTracer(t *tracing.Tracer) Option { return func(s *Scorer) { s.tracer = t } }

// WithIDFunc sets the attempt ID generator.
func WithIDFunc(f func() string) Option { return func(s *Scorer) { s.newID = f } }

// New returns a Scorer. None of the collaborators may be nil.
func New(profiles ProfileStore, audit AuditStore, sp settings.Provider, limiter Limiter, opts ...Option) *Scorer {
	s := &Scorer{
		profiles: profiles,
		attempts: audit,
		settings: sp,
		limiter:  limiter,
		matcher:  ZMatcher{Weights: DefaultWeights},
		clock:    clock.Real(),
		logger:   slog.Default(),
		observer: nopObserver{},
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify extracts features from req and verifies them for userID.
func (s *Scorer) Verify(ctx context.Context, userID string, req Request) (Result, error) {
	if userID == "" {
		return Result{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if !s.limiter.IsAllowed(userID, OpVerify) {
		s.deny(ctx, OpVerify, userID, "rate_limited")
		return Result{}, ErrRateLimited
	}
	fv, err := s.extract(ctx, OpVerify, userID, req)
	if err != nil {
		return Result{}, err
	}
	return s.verify(ctx, userID, req.Context, fv)
}

func (s *Scorer) extract(ctx context.Context, op, userID string, req Request) (features.FeatureVector, error) {
	fv, err := features.Extract(req.Timings)
	switch {
	case errors.Is(err, features.ErrInsufficientData):
		s.deny(ctx, op, userID, "insufficient_data")
		return fv, fmt.Errorf("%w: %w", ErrInsufficientData, err)
	case err != nil:
		s.deny(ctx, op, userID, "invalid_input")
		return fv, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return fv, nil
}

func (s *Scorer) verify(ctx context.Context, userID, label string, fv features.FeatureVector) (Result, error) {
	set, err := s.settings.Settings(ctx, userID)
	if err != nil {
		return Result{}, s.storageErr(ctx, OpVerify, userID, "load settings", err)
	}
	current, err := s.load(ctx, OpVerify, userID)
	if err != nil {
		return Result{}, err
	}

	now := s.clock.Now().UTC()
	next := current.Clone()
	dirty := false

	if current.Status == profile.StatusLocked {
		if current.Locked(now) {
			s.deny(ctx, OpVerify, userID, "locked_out")
			return Result{}, fmt.Errorf("%w until %s", ErrLockedOut, current.LockedUntil.Format("15:04:05Z07:00"))
		}
		next.Unlock(now)
		dirty = true
		s.logger.InfoContext(ctx, "lockout expired", "user_id", userID)
	}

	// Decide against the snapshot first.
	_, span := s.tracer.Start(ctx, "scorer.match",
		tracing.WithAttributes(tracing.Attr("pattern_count", next.PatternCount)))
	res := Result{Status: next.Status}
	switch {
	case next.PatternCount < MinTrainingPatterns:
		res.Outcome = OutcomeInsufficientTraining
	default:
		res.Confidence = s.matcher.Score(next, fv, set)
		switch {
		case res.Confidence >= set.MinConfidenceThreshold:
			res.Outcome = OutcomeAccepted
			res.Success = true
		case next.Status == profile.StatusLearning:
			res.Outcome = OutcomeEnrolling
		default:
			res.Outcome = OutcomeRejected
		}
	}
	span.SetAttributes(
		tracing.Attr("outcome", string(res.Outcome)),
		tracing.Attr("confidence", res.Confidence),
	)
	span.End()

	// Then derive the writes.
	var pattern *TrainingPattern
	switch res.Outcome {
	case OutcomeAccepted:
		next.RecordSuccess(now)
		if set.ShouldAdapt(res.Confidence) {
			next.Absorb(fv, set.LearningPeriod, now)
			next.Promote(set.LearningPeriod, now)
			pattern = &TrainingPattern{UserID: userID, Context: label, Features: fv, CreatedAt: now}
			res.Adapted = true
		}
		dirty = true
	case OutcomeRejected:
		res.LockedOut = next.RecordFailure(set.MaxFailedAttempts, set.LockoutDuration(), now)
		dirty = true
	}
	res.Status = next.Status

	attempt := Attempt{
		ID:              s.newID(),
		UserID:          userID,
		Context:         label,
		Success:         res.Success,
		ConfidenceScore: res.Confidence,
		Outcome:         res.Outcome,
		Timestamp:       now,
	}
	res.AttemptID = attempt.ID

	c := Commit{Attempt: &attempt, Pattern: pattern}
	if dirty {
		c.Profile = next
		next.Version = current.Version + 1
	}
	if err := s.commit(ctx, c); err != nil {
		return Result{}, s.storageErr(ctx, OpVerify, userID, "record attempt", err)
	}

	s.observer.ObserveVerify(res.Outcome, res.Confidence)
	s.logger.InfoContext(ctx, "verification",
		"user_id", userID,
		"context", label,
		"outcome", string(res.Outcome),
		"confidence", res.Confidence,
		"attempt_id", attempt.ID,
	)
	s.auditVerify(ctx, attempt, res)
	return res, nil
}

// Train extracts features from req and folds them into userID's
// profile. Only learning profiles accept training samples.
func (s *Scorer) Train(ctx context.Context, userID string, req Request) (TrainResult, error) {
	if userID == "" {
		return TrainResult{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if !s.limiter.IsAllowed(userID, OpTrain) {
		s.deny(ctx, OpTrain, userID, "rate_limited")
		return TrainResult{}, ErrRateLimited
	}
	fv, err := s.extract(ctx, OpTrain, userID, req)
	if err != nil {
		return TrainResult{}, err
	}

	set, err := s.settings.Settings(ctx, userID)
	if err != nil {
		return TrainResult{}, s.storageErr(ctx, OpTrain, userID, "load settings", err)
	}
	current, err := s.load(ctx, OpTrain, userID)
	if err != nil {
		return TrainResult{}, err
	}

	now := s.clock.Now().UTC()
	if current.Locked(now) {
		s.deny(ctx, OpTrain, userID, "locked_out")
		return TrainResult{}, ErrLockedOut
	}
	if current.Status != profile.StatusLearning {
		s.deny(ctx, OpTrain, userID, "profile_active")
		return TrainResult{}, fmt.Errorf("%w: %s is %s", ErrProfileActive, userID, current.Status)
	}

	next := current.Clone()
	next.Absorb(fv, set.LearningPeriod, now)
	promoted := next.Promote(set.LearningPeriod, now)
	next.Version = current.Version + 1

	err = s.commit(ctx, Commit{
		Pattern: &TrainingPattern{UserID: userID, Context: req.Context, Features: fv, CreatedAt: now},
		Profile: next,
	})
	if err != nil {
		return TrainResult{}, s.storageErr(ctx, OpTrain, userID, "store training pattern", err)
	}

	s.observer.ObserveTrain(next.Status)
	s.logger.InfoContext(ctx, "training pattern absorbed",
		"user_id", userID,
		"pattern_count", next.PatternCount,
		"status", string(next.Status),
	)
	if promoted {
		s.audit(ctx, logging.AuditEvent{
			EventType: logging.AuditEventEnrollment,
			UserID:    userID,
			Action:    "promote",
			Result:    "success",
			Details:   map[string]interface{}{"pattern_count": next.PatternCount},
		})
	}

	return TrainResult{
		PatternCount: next.PatternCount,
		Status:       next.Status,
		Confidence:   next.ConfidenceScore,
		Promoted:     promoted,
	}, nil
}

// CreateProfile stores a new learning profile for userID.
func (s *Scorer) CreateProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	existing, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, s.storageErr(ctx, "create", userID, "load profile", err)
	}
	if existing != nil {
		return nil, ErrProfileExists
	}
	p, err := profile.New(userID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	p.Version = 1
	if err := s.commit(ctx, Commit{Profile: p}); err != nil {
		return nil, s.storageErr(ctx, "create", userID, "store profile", err)
	}
	s.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventEnrollment,
		UserID:    userID,
		Action:    "create",
		Result:    "success",
	})
	return p, nil
}

// Profile returns the verified stored profile for userID.
func (s *Scorer) Profile(ctx context.Context, userID string) (*profile.Profile, error) {
	return s.load(ctx, "read", userID)
}

// ResetLockout clears a lockout and the failure counter, and refills
// the verify budget when the limiter supports it.
func (s *Scorer) ResetLockout(ctx context.Context, userID string) (*profile.Profile, error) {
	current, err := s.load(ctx, "reset", userID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Unlock(s.clock.Now())
	next.Version = current.Version + 1
	if err := s.commit(ctx, Commit{Profile: next}); err != nil {
		return nil, s.storageErr(ctx, "reset", userID, "store profile", err)
	}
	if r, ok := s.limiter.(Refiller); ok {
		r.Reset(userID, OpVerify)
	}
	s.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventLockout,
		UserID:    userID,
		Action:    "reset",
		Result:    "success",
	})
	return next, nil
}

// Reenroll discards userID's learned statistics and puts the profile
// back in learning so it can be trained again. Stored training patterns
// are kept for history.
func (s *Scorer) Reenroll(ctx context.Context, userID string) (*profile.Profile, error) {
	current, err := s.load(ctx, "reenroll", userID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	next.Reenroll(s.clock.Now())
	next.Version = current.Version + 1
	if err := s.commit(ctx, Commit{Profile: next}); err != nil {
		return nil, s.storageErr(ctx, "reenroll", userID, "store profile", err)
	}
	s.logger.InfoContext(ctx, "profile re-enrolled", "user_id", userID, "previous_patterns", current.PatternCount)
	s.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventEnrollment,
		UserID:    userID,
		Action:    "reenroll",
		Result:    "success",
		Details:   map[string]interface{}{"previous_patterns": current.PatternCount},
	})
	return next, nil
}

func (s *Scorer) load(ctx context.Context, op, userID string) (*profile.Profile, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		return nil, s.storageErr(ctx, op, userID, "load profile", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProfile, userID)
	}
	if s.sealer != nil {
		if err := s.sealer.Verify(p); err != nil {
			return nil, s.storageErr(ctx, op, userID, "verify profile seal", err)
		}
	}
	return p, nil
}

// commit seals the profile and applies c, atomically when the profile
// store supports it. Otherwise the attempt is written first so a
// partial failure never leaves a profile change without its record.
func (s *Scorer) commit(ctx context.Context, c Commit) (err error) {
	ctx, span := s.tracer.Start(ctx, "scorer.commit")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if c.Profile != nil && s.sealer != nil {
		if err := s.sealer.Seal(c.Profile); err != nil {
			return err
		}
	}
	if cm, ok := s.profiles.(Committer); ok {
		return cm.Commit(ctx, c)
	}
	if c.Attempt != nil {
		if err := s.attempts.RecordAttempt(ctx, *c.Attempt); err != nil {
			return err
		}
	}
	if c.Pattern != nil {
		if err := s.profiles.AppendTrainingPattern(ctx, *c.Pattern); err != nil {
			return err
		}
	}
	if c.Profile != nil {
		if err := s.profiles.UpsertProfile(ctx, c.Profile); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scorer) storageErr(ctx context.Context, op, userID, what string, err error) error {
	s.observer.ObserveDenied(op, "storage")
	s.logger.ErrorContext(ctx, "storage failure",
		"op", op,
		"user_id", userID,
		"step", what,
		"error", err,
	)
	return fmt.Errorf("%w: %s: %w", ErrStorage, what, err)
}

func (s *Scorer) deny(ctx context.Context, op, userID, reason string) {
	s.observer.ObserveDenied(op, reason)
	s.logger.WarnContext(ctx, "operation denied", "op", op, "user_id", userID, "reason", reason)
	if reason == "rate_limited" || reason == "locked_out" {
		s.audit(ctx, logging.AuditEvent{
			EventType: logging.AuditEventPermission,
			UserID:    userID,
			Action:    op,
			Result:    "denied",
			Details:   map[string]interface{}{"reason": reason},
		})
	}
}

func (s *Scorer) auditVerify(ctx context.Context, a Attempt, res Result) {
	result := "failure"
	if a.Success {
		result = "success"
	}
	s.audit(ctx, logging.AuditEvent{
		EventType: logging.AuditEventVerification,
		UserID:    a.UserID,
		Action:    "verify",
		Resource:  a.Context,
		Result:    result,
		Details: map[string]interface{}{
			"attempt_id": a.ID,
			"outcome":    string(a.Outcome),
			"confidence": a.ConfidenceScore,
		},
	})
	if res.LockedOut {
		s.audit(ctx, logging.AuditEvent{
			EventType: logging.AuditEventLockout,
			UserID:    a.UserID,
			Action:    "lock",
			Result:    "denied",
		})
	}
}

func (s *Scorer) audit(ctx context.Context, ev logging.AuditEvent) {
	if s.auditor == nil {
		return
	}
	ev.Timestamp = s.clock.Now().UTC()
	if err := s.auditor.Log(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "event", string(ev.EventType), "error", err)
	}
}
