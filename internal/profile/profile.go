// Package profile holds the per-user typing reference that outlives a
// capture session: running statistics over absorbed samples, enrollment
// status, the failure counter and an integrity seal.
package profile

import (
	"errors"
	"fmt"
	"math"
	"time"

	"keyprint/internal/features"
)

// Status is the enrollment lifecycle state of a profile.
type Status string

const (
	StatusLearning Status = "learning"
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
)

// ParseStatus validates a stored status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusLearning, StatusActive, StatusLocked:
		return Status(s), nil
	}
	return "", fmt.Errorf("profile: unknown status %q", s)
}

// ErrUserID is returned when a profile is created without an identity.
var ErrUserID = errors.New("profile: empty user id")

// Profile is the stored typing reference for one user.
type Profile struct {
	UserID          string  `json:"user_id"`
	Status          Status  `json:"status"`
	PatternCount    int     `json:"pattern_count"`
	ConfidenceScore float64 `json:"confidence_score"`

	Dwell    RunningStat            `json:"dwell"`
	Latency  RunningStat            `json:"latency"`
	Speed    RunningStat            `json:"speed"`
	Digraphs map[string]RunningStat `json:"digraphs,omitempty"`

	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until"`

	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`

	Seal []byte `json:"seal,omitempty"`
}

// New returns an empty learning profile.
func New(userID string, now time.Time) (*Profile, error) {
	if userID == "" {
		return nil, ErrUserID
	}
	now = now.UTC()
	return &Profile{
		UserID:    userID,
		Status:    StatusLearning,
		Digraphs:  make(map[string]RunningStat),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy so a decision can be computed against a
// snapshot before anything is mutated.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Digraphs = make(map[string]RunningStat, len(p.Digraphs))
	for k, v := range p.Digraphs {
		c.Digraphs[k] = v
	}
	if p.Seal != nil {
		c.Seal = append([]byte(nil), p.Seal...)
	}
	return &c
}

// Absorb folds one feature vector into the running statistics, bumps
// the pattern count and recomputes the maturity score.
func (p *Profile) Absorb(fv features.FeatureVector, learningPeriod int, now time.Time) {
	p.Dwell.Add(fv.MeanDwell)
	p.Latency.Add(fv.MeanLatency)
	p.Speed.Add(fv.TypingSpeed)
	if p.Digraphs == nil {
		p.Digraphs = make(map[string]RunningStat, len(fv.Digraphs))
	}
	for k, v := range fv.Digraphs {
		rs := p.Digraphs[k]
		rs.Add(v)
		p.Digraphs[k] = rs
	}
	p.PatternCount++
	p.ConfidenceScore = Maturity(p, learningPeriod)
	p.touch(now)
}

// Promote moves a learning profile to active once it has enough
// patterns. It reports whether the status changed.
func (p *Profile) Promote(learningPeriod int, now time.Time) bool {
	if p.Status != StatusLearning || p.PatternCount < learningPeriod {
		return false
	}
	p.Status = StatusActive
	p.touch(now)
	return true
}

// Locked reports whether the lockout deadline is still in the future.
func (p *Profile) Locked(now time.Time) bool {
	return p.Status == StatusLocked && now.Before(p.LockedUntil)
}

// RecordFailure counts one rejected verification. An active profile
// that reaches maxFailed consecutive rejections is locked for lockout.
// It reports whether this call tripped the lock.
func (p *Profile) RecordFailure(maxFailed int, lockout time.Duration, now time.Time) bool {
	p.FailedAttempts++
	p.touch(now)
	if maxFailed <= 0 || p.FailedAttempts < maxFailed || p.Status != StatusActive {
		return false
	}
	p.Status = StatusLocked
	p.LockedUntil = now.Add(lockout).UTC()
	return true
}

// RecordSuccess resets the consecutive failure counter.
func (p *Profile) RecordSuccess(now time.Time) {
	p.FailedAttempts = 0
	p.LastVerifiedAt = now.UTC()
	p.touch(now)
}

// Unlock clears a lock and the failure counter. It is a no-op for
// profiles that are not locked, apart from the counter reset.
func (p *Profile) Unlock(now time.Time) {
	if p.Status == StatusLocked {
		p.Status = StatusActive
	}
	p.FailedAttempts = 0
	p.LockedUntil = time.Time{}
	p.touch(now)
}

// Reenroll discards the learned statistics and returns the profile to
// learning. Identity, creation time and version are kept.
func (p *Profile) Reenroll(now time.Time) {
	p.Status = StatusLearning
	p.PatternCount = 0
	p.ConfidenceScore = 0
	p.Dwell = RunningStat{}
	p.Latency = RunningStat{}
	p.Speed = RunningStat{}
	p.Digraphs = make(map[string]RunningStat)
	p.FailedAttempts = 0
	p.LockedUntil = time.Time{}
	p.touch(now)
}

func (p *Profile) touch(now time.Time) {
	p.UpdatedAt = now.UTC()
}

// Maturity scores how settled a profile is, 0-100. Coverage of the
// learning period contributes 70 points, dwell consistency across
// absorbed samples the remaining 30.
func Maturity(p *Profile, learningPeriod int) float64 {
	if p.PatternCount == 0 {
		return 0
	}
	if learningPeriod < 1 {
		learningPeriod = 1
	}
	coverage := math.Min(1, float64(p.PatternCount)/float64(2*learningPeriod))

	consistency := 0.0
	if p.Dwell.Count >= 2 && p.Dwell.Mean > 0 {
		cv := p.Dwell.StdDev() / p.Dwell.Mean
		consistency = math.Exp(-cv * 3)
	}

	score := 100 * (0.7*coverage + 0.3*consistency)
	return math.Max(0, math.Min(100, score))
}
