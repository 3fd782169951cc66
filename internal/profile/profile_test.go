package profile

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyprint/internal/features"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sample(dwell, latency, speed float64) features.FeatureVector {
	return features.FeatureVector{
		KeyCount:    5,
		MeanDwell:   dwell,
		MeanLatency: latency,
		TypingSpeed: speed,
		Digraphs:    map[string]float64{"a>b": dwell + latency},
	}
}

// =============================================================================
// Running statistics
// =============================================================================

func TestRunningStat(t *testing.T) {
	var rs RunningStat
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		rs.Add(v)
	}
	assert.Equal(t, int64(8), rs.Count)
	assert.InDelta(t, 5.0, rs.Mean, 1e-9)
	// Sample variance of the classic example is 32/7.
	assert.InDelta(t, 32.0/7.0, rs.Variance(), 1e-9)
	assert.InDelta(t, math.Sqrt(32.0/7.0), rs.StdDev(), 1e-9)
}

func TestRunningStatSmall(t *testing.T) {
	var rs RunningStat
	assert.Zero(t, rs.Variance())
	rs.Add(10)
	assert.Zero(t, rs.Variance())
	assert.Equal(t, 10.0, rs.Mean)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNew(t *testing.T) {
	p, err := New("alice", epoch)
	require.NoError(t, err)
	assert.Equal(t, StatusLearning, p.Status)
	assert.Zero(t, p.PatternCount)
	assert.Zero(t, p.ConfidenceScore)
	assert.Equal(t, epoch, p.CreatedAt)

	_, err = New("", epoch)
	assert.ErrorIs(t, err, ErrUserID)
}

func TestAbsorbAndPromote(t *testing.T) {
	p, _ := New("alice", epoch)
	for i := 0; i < 4; i++ {
		p.Absorb(sample(80+float64(i), 50, 8), 5, epoch.Add(time.Duration(i)*time.Minute))
		assert.False(t, p.Promote(5, epoch), "promoted after %d patterns", p.PatternCount)
	}
	p.Absorb(sample(82, 50, 8), 5, epoch)
	assert.Equal(t, 5, p.PatternCount)
	assert.True(t, p.Promote(5, epoch))
	assert.Equal(t, StatusActive, p.Status)
	assert.False(t, p.Promote(5, epoch), "second promote must be a no-op")

	assert.Equal(t, int64(5), p.Dwell.Count)
	assert.Equal(t, int64(5), p.Digraphs["a>b"].Count)
	assert.Greater(t, p.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, p.ConfidenceScore, 100.0)
}

func TestMaturityMonotonicInCoverage(t *testing.T) {
	p, _ := New("bob", epoch)
	prev := 0.0
	for i := 0; i < 10; i++ {
		p.Absorb(sample(80, 50, 8), 5, epoch)
		assert.GreaterOrEqual(t, p.ConfidenceScore, prev)
		prev = p.ConfidenceScore
	}
	// Perfectly consistent samples past twice the learning period max out.
	assert.InDelta(t, 100, p.ConfidenceScore, 1e-9)
}

func TestFailureLockout(t *testing.T) {
	p, _ := New("carol", epoch)
	p.Status = StatusActive

	assert.False(t, p.RecordFailure(3, 15*time.Minute, epoch))
	assert.False(t, p.RecordFailure(3, 15*time.Minute, epoch))
	assert.True(t, p.RecordFailure(3, 15*time.Minute, epoch))
	assert.Equal(t, StatusLocked, p.Status)
	assert.True(t, p.Locked(epoch.Add(14*time.Minute)))
	assert.False(t, p.Locked(epoch.Add(15*time.Minute)))

	p.Unlock(epoch.Add(16 * time.Minute))
	assert.Equal(t, StatusActive, p.Status)
	assert.Zero(t, p.FailedAttempts)
	assert.True(t, p.LockedUntil.IsZero())
}

func TestFailureLearningNeverLocks(t *testing.T) {
	p, _ := New("dave", epoch)
	for i := 0; i < 10; i++ {
		assert.False(t, p.RecordFailure(3, time.Minute, epoch))
	}
	assert.Equal(t, StatusLearning, p.Status)
}

func TestRecordSuccessResets(t *testing.T) {
	p, _ := New("erin", epoch)
	p.Status = StatusActive
	p.RecordFailure(5, time.Minute, epoch)
	p.RecordFailure(5, time.Minute, epoch)
	p.RecordSuccess(epoch.Add(time.Second))
	assert.Zero(t, p.FailedAttempts)
	assert.Equal(t, epoch.Add(time.Second), p.LastVerifiedAt)
}

func TestCloneIsDeep(t *testing.T) {
	p, _ := New("frank", epoch)
	p.Absorb(sample(80, 50, 8), 5, epoch)
	c := p.Clone()
	c.Absorb(sample(90, 40, 9), 5, epoch)
	assert.Equal(t, 1, p.PatternCount)
	assert.Equal(t, int64(1), p.Digraphs["a>b"].Count)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"learning", "active", "locked"} {
		got, err := ParseStatus(s)
		assert.NoError(t, err)
		assert.Equal(t, Status(s), got)
	}
	_, err := ParseStatus("deleted")
	assert.Error(t, err)

	p, _ := New("gail", epoch)
	p.Status = "deleted"
	data, err := Marshal(p)
	require.NoError(t, err)
	_, err = Unmarshal(data)
	assert.ErrorContains(t, err, "unknown status")
}

func TestReenroll(t *testing.T) {
	p, _ := New("gus", epoch)
	for i := 0; i < 5; i++ {
		p.Absorb(sample(80, 50, 8), 5, epoch)
	}
	require.True(t, p.Promote(5, epoch))
	p.FailedAttempts = 2

	later := epoch.Add(time.Hour)
	p.Reenroll(later)
	assert.Equal(t, StatusLearning, p.Status)
	assert.Zero(t, p.PatternCount)
	assert.Zero(t, p.ConfidenceScore)
	assert.Zero(t, p.Dwell.Count)
	assert.Empty(t, p.Digraphs)
	assert.Zero(t, p.FailedAttempts)
	assert.Equal(t, epoch, p.CreatedAt)
	assert.Equal(t, later, p.UpdatedAt)
}

// =============================================================================
// Encoding and seal
// =============================================================================

func TestMarshalDeterministic(t *testing.T) {
	p, _ := New("gina", epoch)
	p.Absorb(sample(80, 50, 8), 5, epoch)
	p.Digraphs["z>y"] = RunningStat{Count: 1, Mean: 100}

	a, err := Marshal(p)
	require.NoError(t, err)
	b, err := Marshal(p.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSealRoundTrip(t *testing.T) {
	sealer, err := NewSealer([]byte("0123456789abcdef-server-secret"))
	require.NoError(t, err)

	p, _ := New("hank", epoch)
	p.Absorb(sample(80, 50, 8), 5, epoch.Add(1500*time.Millisecond))
	require.NoError(t, sealer.Seal(p))
	require.Len(t, p.Seal, 32)

	data, err := Marshal(p)
	require.NoError(t, err)
	loaded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.NoError(t, sealer.Verify(loaded))
	assert.Equal(t, p.PatternCount, loaded.PatternCount)
	assert.True(t, p.UpdatedAt.Equal(loaded.UpdatedAt))
}

func TestSealDetectsTampering(t *testing.T) {
	sealer, _ := NewSealer([]byte("0123456789abcdef-server-secret"))
	p, _ := New("ivy", epoch)
	p.Absorb(sample(80, 50, 8), 5, epoch)
	require.NoError(t, sealer.Seal(p))

	p.PatternCount = 50
	err := sealer.Verify(p)
	assert.True(t, errors.Is(err, ErrSealMismatch))
}

func TestSealBoundToUser(t *testing.T) {
	sealer, _ := NewSealer([]byte("0123456789abcdef-server-secret"))
	p, _ := New("jack", epoch)
	require.NoError(t, sealer.Seal(p))

	moved := p.Clone()
	moved.UserID = "mallory"
	assert.ErrorIs(t, sealer.Verify(moved), ErrSealMismatch)
}

func TestSealOtherSecret(t *testing.T) {
	a, _ := NewSealer([]byte("0123456789abcdef-secret-a"))
	b, _ := NewSealer([]byte("0123456789abcdef-secret-b"))
	p, _ := New("kate", epoch)
	require.NoError(t, a.Seal(p))
	assert.ErrorIs(t, b.Verify(p), ErrSealMismatch)
}

func TestUnsealedProfile(t *testing.T) {
	sealer, _ := NewSealer([]byte("0123456789abcdef-server-secret"))
	p, _ := New("leo", epoch)
	assert.ErrorIs(t, sealer.Verify(p), ErrSealMismatch)
}

func TestWeakSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestPatternRoundTrip(t *testing.T) {
	fv := sample(80, -12.5, 7.25)
	fv.Rhythm[3] = 0.5
	data, err := MarshalPattern(fv)
	require.NoError(t, err)
	got, err := UnmarshalPattern(data)
	require.NoError(t, err)
	assert.Equal(t, fv, got)
}
