package scorer

import (
	"context"
	"errors"
	"time"

	"keyprint/internal/capture"
	"keyprint/internal/features"
	"keyprint/internal/profile"
)

// Operation names passed to the Limiter.
const (
	OpVerify = "verify"
	OpTrain  = "train"
)

// MinTrainingPatterns is the smallest profile a verification compares
// against. Below it the result is an insufficient-training signal.
const MinTrainingPatterns = 3

// RejectionMessage is shown to users whose sample was not accepted. It
// deliberately reveals nothing about the threshold or features.
const RejectionMessage = "Typing pattern not recognized. Please try again."

var (
	// ErrInsufficientData means the capture had too few keystrokes to
	// score. Nothing was compared and nothing was recorded.
	ErrInsufficientData = errors.New("scorer: insufficient data")

	// ErrInvalidInput means the request was malformed.
	ErrInvalidInput = errors.New("scorer: invalid input")

	// ErrRateLimited means the limiter denied the operation. Nothing was
	// compared and nothing was recorded.
	ErrRateLimited = errors.New("scorer: rate limited")

	// ErrStorage wraps any failure of a collaborator store. It is never
	// a biometric judgement.
	ErrStorage = errors.New("scorer: storage failure")

	// ErrLockedOut means the profile is locked after repeated rejections.
	ErrLockedOut = errors.New("scorer: locked out")

	// ErrNoProfile means the user has no profile yet.
	ErrNoProfile = errors.New("scorer: profile not found")

	// ErrProfileExists is returned when creating a profile twice.
	ErrProfileExists = errors.New("scorer: profile already exists")

	// ErrProfileActive means training was offered to a profile that has
	// left learning. Active profiles only adapt through accepted
	// verifications; an operator must re-enroll to train again.
	ErrProfileActive = errors.New("scorer: profile is not learning")
)

// Outcome classifies a verification that reached the decision step.
type Outcome string

const (
	OutcomeAccepted             Outcome = "accepted"
	OutcomeRejected             Outcome = "rejected"
	OutcomeInsufficientTraining Outcome = "insufficient_training"
	OutcomeEnrolling            Outcome = "enrolling"
)

// Attempt is one immutable verification record.
type Attempt struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Context         string    `json:"context"`
	Success         bool      `json:"success"`
	ConfidenceScore float64   `json:"confidenceScore"`
	Outcome         Outcome   `json:"outcome"`
	Timestamp       time.Time `json:"timestamp"`
}

// TrainingPattern is one absorbed sample kept for later re-enrollment.
type TrainingPattern struct {
	UserID    string                 `json:"userId"`
	Context   string                 `json:"context"`
	Features  features.FeatureVector `json:"features"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Request is the verification and training input.
type Request struct {
	Timings []capture.KeyTiming `json:"timings"`
	Context string              `json:"context"`
}

// Response is what callers of the verification entry point see.
type Response struct {
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message,omitempty"`
}

// Result is the full outcome of a verification.
type Result struct {
	Success    bool           `json:"success"`
	Confidence float64        `json:"confidence"`
	Outcome    Outcome        `json:"outcome"`
	AttemptID  string         `json:"attemptId,omitempty"`
	Status     profile.Status `json:"status"`
	// Adapted is set when the sample was folded back into the profile.
	Adapted bool `json:"adapted"`
	// LockedOut is set when this rejection tripped the failure lockout.
	LockedOut bool `json:"lockedOut"`
}

// Response converts r to the caller-facing shape.
func (r Result) Response() Response {
	resp := Response{Success: r.Success, Confidence: r.Confidence}
	switch r.Outcome {
	case OutcomeRejected:
		resp.Message = RejectionMessage
	case OutcomeEnrolling:
		resp.Message = "Still learning your typing pattern. Please try again."
	case OutcomeInsufficientTraining:
		resp.Message = "Insufficient training data. Complete enrollment first."
	}
	return resp
}

// TrainResult reports the profile state after absorbing a sample.
type TrainResult struct {
	PatternCount int            `json:"patternCount"`
	Status       profile.Status `json:"status"`
	Confidence   float64        `json:"confidence"`
	Promoted     bool           `json:"promoted"`
}

// ProfileStore persists profiles. GetProfile returns nil, nil when the
// user has no profile.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*profile.Profile, error)
	UpsertProfile(ctx context.Context, p *profile.Profile) error
	AppendTrainingPattern(ctx context.Context, tp TrainingPattern) error
}

// AuditStore records verification attempts.
type AuditStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// Commit is the set of writes one decision produces. Nil members are
// skipped.
type Commit struct {
	Attempt *Attempt
	Pattern *TrainingPattern
	Profile *profile.Profile
}

// Committer is implemented by stores that can apply a Commit
// atomically.
type Committer interface {
	Commit(ctx context.Context, c Commit) error
}

// Limiter gates operations per identity.
type Limiter interface {
	IsAllowed(identity, operation string) bool
}

// Refiller is implemented by limiters that can forget an identity's
// budget. ResetLockout uses it so an unlocked user can retry at once.
type Refiller interface {
	Reset(identity, operation string)
}
