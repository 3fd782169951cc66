package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// EventKind distinguishes presses from releases.
type EventKind int

const (
	KeyDown EventKind = iota + 1
	KeyUp
)

// String returns the DOM-style event name.
func (k EventKind) String() string {
	switch k {
	case KeyDown:
		return "keydown"
	case KeyUp:
		return "keyup"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if k != KeyDown && k != KeyUp {
		return nil, fmt.Errorf("capture: invalid event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "keydown", "down":
		*k = KeyDown
	case "keyup", "up":
		*k = KeyUp
	default:
		return fmt.Errorf("capture: unknown event kind %q", string(b))
	}
	return nil
}

// Event is a raw keyboard event with a monotonic millisecond timestamp.
type Event struct {
	Kind EventKind `json:"type"`
	Key  string    `json:"key"`
	Time float64   `json:"time"`
}

// Source delivers raw keyboard events. Events must be closed by the
// source when it is exhausted. Close releases whatever the source holds
// (listeners, file handles) and must be safe to call more than once.
type Source interface {
	Events(ctx context.Context) (<-chan Event, error)
	Close() error
}

// ErrSourceClosed is returned by Events after Close.
var ErrSourceClosed = errors.New("capture: source closed")

// ScriptedSource replays a fixed list of events. It stands in for a real
// keyboard in tests and in offline replays.
type ScriptedSource struct {
	mu     sync.Mutex
	events []Event
	closed bool
	done   chan struct{}
}

// NewScriptedSource creates a source that replays events in order.
func NewScriptedSource(events []Event) *ScriptedSource {
	return &ScriptedSource{events: events, done: make(chan struct{})}
}

// LoadEvents decodes a JSON array of events.
func LoadEvents(r io.Reader) ([]Event, error) {
	var events []Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return events, nil
}

// Events starts the replay.
func (s *ScriptedSource) Events(ctx context.Context) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSourceClosed
	}

	ch := make(chan Event)
	events := s.events
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return ch, nil
}

// Close stops any replay in progress.
func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *ScriptedSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Run captures one session from src. The source is closed on every exit
// path, and the session is stopped so no pending presses leak into a
// later capture.
func Run(ctx context.Context, s *Session, label string, src Source) (timings []KeyTiming, err error) {
	ch, err := src.Events(ctx)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("open event source: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close event source: %w", cerr)
		}
	}()

	s.Start(label)
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil, ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return s.Stop(), nil
			}
			s.Handle(ev)
		}
	}
}
