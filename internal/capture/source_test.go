package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func scriptedEvents() []Event {
	return []Event{
		{KeyDown, "a", 0}, {KeyUp, "a", 80},
		{KeyDown, "b", 120}, {KeyUp, "b", 210},
		{KeyDown, "c", 260}, {KeyUp, "c", 330},
		{KeyDown, "d", 400}, {KeyUp, "d", 470},
		{KeyDown, "e", 510}, {KeyUp, "e", 590},
	}
}

func TestRunClosesSource(t *testing.T) {
	src := NewScriptedSource(scriptedEvents())

	got, err := Run(context.Background(), NewSession(), "login", src)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected 5 timings, got %d", len(got))
	}
	if !src.Closed() {
		t.Error("source was not closed")
	}
}

func TestRunCancelledClosesSource(t *testing.T) {
	src := NewScriptedSource(scriptedEvents())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession()
	_, err := Run(ctx, s, "login", src)
	if !errors.Is(err, context.Canceled) {
		// The replay may finish before cancellation is observed.
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if !src.Closed() {
		t.Error("source was not closed after cancellation")
	}
	if s.Active() {
		t.Error("session left active after Run returned")
	}
}

func TestRunClosedSource(t *testing.T) {
	src := NewScriptedSource(scriptedEvents())
	_ = src.Close()

	if _, err := Run(context.Background(), NewSession(), "login", src); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("expected ErrSourceClosed, got %v", err)
	}
}

func TestLoadEvents(t *testing.T) {
	in := `[{"type":"keydown","key":"a","time":0},{"type":"keyup","key":"a","time":75.5}]`
	events, err := LoadEvents(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Kind != KeyDown || events[1].Kind != KeyUp {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[1].Time != 75.5 {
		t.Errorf("time = %v, want 75.5", events[1].Time)
	}

	if _, err := LoadEvents(strings.NewReader(`[{"type":"click","key":"a","time":0}]`)); err == nil {
		t.Error("expected error for unknown event type")
	}
}

// =============================================================================
// Streaming
// =============================================================================

func TestStreamWindowsDoNotOverlap(t *testing.T) {
	var windows [][]KeyTiming
	st := NewStream(5, func(ctx context.Context, label string, w []KeyTiming) error {
		if label != "login" {
			t.Errorf("label = %q", label)
		}
		windows = append(windows, w)
		return nil
	})

	st.Start("login")
	for i := 0; i < 12; i++ {
		base := float64(i * 100)
		key := string(rune('a' + i))
		if err := st.Handle(context.Background(), Event{KeyDown, key, base}); err != nil {
			t.Fatal(err)
		}
		if err := st.Handle(context.Background(), Event{KeyUp, key, base + 60}); err != nil {
			t.Fatal(err)
		}
	}

	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}
	if windows[0][0].Key != "a" || windows[1][0].Key != "f" {
		t.Errorf("windows overlap: %v / %v", windows[0][0].Key, windows[1][0].Key)
	}
	if st.Pending() != 2 {
		t.Errorf("pending = %d, want 2", st.Pending())
	}
	if rest := st.Stop(); len(rest) != 2 {
		t.Errorf("partial window = %d timings, want 2", len(rest))
	}
}

func TestStreamKeepsHeldKeyAcrossWindow(t *testing.T) {
	var got []KeyTiming
	st := NewStream(2, func(ctx context.Context, label string, w []KeyTiming) error {
		got = append(got, w...)
		return nil
	})
	st.Start("login")

	ctx := context.Background()
	_ = st.Handle(ctx, Event{KeyDown, "x", 0})
	_ = st.Handle(ctx, Event{KeyDown, "a", 10})
	_ = st.Handle(ctx, Event{KeyUp, "a", 40})
	_ = st.Handle(ctx, Event{KeyDown, "b", 50})
	_ = st.Handle(ctx, Event{KeyUp, "b", 80})
	_ = st.Handle(ctx, Event{KeyUp, "x", 120})

	if len(got) != 2 {
		t.Fatalf("expected one window of 2, got %d", len(got))
	}
	if st.Pending() != 1 {
		t.Errorf("held key lost at window boundary, pending = %d", st.Pending())
	}
}

func TestRunStreamPropagatesWindowError(t *testing.T) {
	boom := errors.New("boom")
	st := NewStream(5, func(ctx context.Context, label string, w []KeyTiming) error {
		return boom
	})
	src := NewScriptedSource(scriptedEvents())

	err := RunStream(context.Background(), st, "login", src)
	if !errors.Is(err, boom) {
		t.Fatalf("expected window error, got %v", err)
	}
	if !src.Closed() {
		t.Error("source not closed after window error")
	}
	if st.Active() {
		t.Error("stream left active")
	}
}

func TestRunStreamSkipsWindow(t *testing.T) {
	var events []Event
	for r := 0; r < 3; r++ {
		for _, ev := range scriptedEvents() {
			ev.Time += float64(r) * 1000
			events = append(events, ev)
		}
	}

	calls := 0
	st := NewStream(5, func(ctx context.Context, label string, w []KeyTiming) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("busy: %w", ErrSkipWindow)
		}
		return nil
	})
	if err := RunStream(context.Background(), st, "login", NewScriptedSource(events)); err != nil {
		t.Fatalf("skipped window ended the stream: %v", err)
	}
	if calls != 3 {
		t.Errorf("window callback ran %d times, want 3", calls)
	}
	if st.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", st.Skipped())
	}
}

func TestRunStreamCompletes(t *testing.T) {
	calls := 0
	st := NewStream(0, func(ctx context.Context, label string, w []KeyTiming) error {
		calls++
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := RunStream(ctx, st, "login", NewScriptedSource(scriptedEvents())); err != nil {
		t.Fatalf("RunStream failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("window callback ran %d times, want 1", calls)
	}
}
