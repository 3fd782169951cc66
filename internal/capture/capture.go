// Package capture pairs raw key press and release events into ordered
// KeyTiming records.
//
// The package never looks at what was typed, only when. A Session is an
// explicit state machine (Start, KeyDown, KeyUp, Stop) so the same logic
// runs against a browser bridge, a scripted replay or a test.
package capture

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

// KeyTiming is one observed keystroke. Times are monotonic milliseconds.
type KeyTiming struct {
	Key         string  `json:"key"`
	PressTime   float64 `json:"pressTime"`
	ReleaseTime float64 `json:"releaseTime"`
	Duration    float64 `json:"duration"`
}

// MaxTimeMs bounds every timestamp and duration. It is far beyond any
// monotonic or epoch millisecond clock and keeps sums of timings finite.
const MaxTimeMs = 1e13

// Validate checks the invariants a KeyTiming from an untrusted caller
// must satisfy.
func (t KeyTiming) Validate() error {
	if t.Key == "" {
		return errors.New("capture: empty key")
	}
	for _, v := range [...]float64{t.PressTime, t.ReleaseTime, t.Duration} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("capture: key %q has a non-finite time", t.Key)
		}
		if math.Abs(v) > MaxTimeMs {
			return fmt.Errorf("capture: key %q has a time beyond %g ms", t.Key, MaxTimeMs)
		}
	}
	if t.ReleaseTime < t.PressTime {
		return fmt.Errorf("capture: key %q released before pressed", t.Key)
	}
	if t.Duration < 0 {
		return fmt.Errorf("capture: key %q has negative duration", t.Key)
	}
	return nil
}

// Normalize recomputes Duration from the press and release times.
func (t KeyTiming) Normalize() KeyTiming {
	t.Duration = t.ReleaseTime - t.PressTime
	return t
}

// RepeatPolicy decides what happens when a key is pressed again while
// its previous press is still pending (OS auto-repeat, missed key-up).
type RepeatPolicy int

const (
	// LastPressWins overwrites the pending press time.
	LastPressWins RepeatPolicy = iota
	// FirstPressWins keeps the original press and ignores repeats.
	FirstPressWins
)

// String returns the configuration name of the policy.
func (p RepeatPolicy) String() string {
	switch p {
	case FirstPressWins:
		return "first-press-wins"
	default:
		return "last-press-wins"
	}
}

// ParseRepeatPolicy parses a configuration value.
func ParseRepeatPolicy(s string) (RepeatPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last-press-wins", "last":
		return LastPressWins, nil
	case "first-press-wins", "first":
		return FirstPressWins, nil
	default:
		return LastPressWins, fmt.Errorf("capture: unknown repeat policy %q", s)
	}
}

// retainedKeys are the multi-character key names that still carry
// typing rhythm. Every other named key (Shift, ArrowLeft, F5...) is
// filtered out.
var retainedKeys = map[string]bool{
	"Backspace": true,
	"Enter":     true,
	"Space":     true,
	"Tab":       true,
}

// Tracked reports whether events for key contribute to the buffer.
func Tracked(key string) bool {
	switch utf8.RuneCountInString(key) {
	case 0:
		return false
	case 1:
		return true
	default:
		return retainedKeys[key]
	}
}

// pairingID folds case for single characters so a press of "A" pairs
// with a release of "a" when Shift is let go first.
func pairingID(key string) string {
	if utf8.RuneCountInString(key) == 1 {
		return strings.ToLower(key)
	}
	return key
}

type pendingPress struct {
	key  string
	time float64
}

// Stats counts how raw events were disposed of during a session.
type Stats struct {
	Emitted           int `json:"emitted"`
	Filtered          int `json:"filtered"`
	Repeats           int `json:"repeats"`
	UnmatchedReleases int `json:"unmatched_releases"`
	InvertedReleases  int `json:"inverted_releases"`
	DroppedPresses    int `json:"dropped_presses"`
}

// Option configures a Session.
type Option func(*Session)

// WithRepeatPolicy sets how repeated presses of a held key are handled.
func WithRepeatPolicy(p RepeatPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// Session is a bounded capture. It is safe for concurrent use, though
// events for one session are expected to arrive from a single source.
type Session struct {
	mu      sync.Mutex
	policy  RepeatPolicy
	label   string
	active  bool
	buffer  []KeyTiming
	pending map[string]pendingPress
	stats   Stats
}

// NewSession creates an idle session.
func NewSession(opts ...Option) *Session {
	s := &Session{pending: make(map[string]pendingPress)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening under the given context label. Calling Start on
// an active session restarts the window: buffer, pending presses and
// stats are cleared.
func (s *Session) Start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.label = label
	s.active = true
	s.buffer = nil
	s.pending = make(map[string]pendingPress)
	s.stats = Stats{}
}

// Active reports whether the session is listening.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Context returns the label passed to Start.
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Len returns the number of buffered timings.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Stats returns a snapshot of the event counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// KeyDown records a press. Ignored when the session is not active.
func (s *Session) KeyDown(key string, at float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	if !Tracked(key) {
		s.stats.Filtered++
		return
	}

	id := pairingID(key)
	if _, held := s.pending[id]; held {
		s.stats.Repeats++
		if s.policy == FirstPressWins {
			return
		}
	}
	s.pending[id] = pendingPress{key: key, time: at}
}

// KeyUp pairs a release with its pending press and appends the result.
// It returns the emitted timing, or false when nothing was emitted.
func (s *Session) KeyUp(key string, at float64) (KeyTiming, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return KeyTiming{}, false
	}
	if !Tracked(key) {
		s.stats.Filtered++
		return KeyTiming{}, false
	}

	id := pairingID(key)
	press, ok := s.pending[id]
	if !ok {
		s.stats.UnmatchedReleases++
		return KeyTiming{}, false
	}
	delete(s.pending, id)

	if at < press.time {
		s.stats.InvertedReleases++
		return KeyTiming{}, false
	}

	timing := KeyTiming{
		Key:         press.key,
		PressTime:   press.time,
		ReleaseTime: at,
		Duration:    at - press.time,
	}
	s.buffer = append(s.buffer, timing)
	s.stats.Emitted++
	return timing, true
}

// Handle dispatches a raw event to KeyDown or KeyUp.
func (s *Session) Handle(ev Event) {
	switch ev.Kind {
	case KeyDown:
		s.KeyDown(ev.Key, ev.Time)
	case KeyUp:
		s.KeyUp(ev.Key, ev.Time)
	}
}

// Stop ends the session and returns the buffer. Presses still held are
// dropped. Calling Stop again returns an empty buffer.
func (s *Session) Stop() []KeyTiming {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.buffer
	if out == nil {
		out = []KeyTiming{}
	}
	s.stats.DroppedPresses += len(s.pending)
	s.active = false
	s.buffer = nil
	s.pending = make(map[string]pendingPress)
	return out
}

// drain hands off the buffer without ending the session; pending
// presses stay so a key held across the boundary still pairs.
func (s *Session) drain() []KeyTiming {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.buffer
	s.buffer = nil
	return out
}
