package capture

import (
	"context"
	"errors"
	"fmt"
)

// DefaultWindow is the number of timings handed off per streaming window.
const DefaultWindow = 5

// ErrSkipWindow may be returned, optionally wrapped, by a WindowFunc to
// drop the window it was given. The stream keeps accumulating.
var ErrSkipWindow = errors.New("capture: skip window")

// WindowFunc consumes one full window of timings.
type WindowFunc func(ctx context.Context, label string, window []KeyTiming) error

// Stream is continuous capture: every time the buffer reaches the window
// size it is handed to fn and cleared, so consecutive windows never
// overlap. Pairing is identical to Session.
type Stream struct {
	session *Session
	window  int
	fn      WindowFunc
	skipped int
}

// NewStream creates a stream that calls fn for every window timings.
// A window below 1 uses DefaultWindow.
func NewStream(window int, fn WindowFunc, opts ...Option) *Stream {
	if window < 1 {
		window = DefaultWindow
	}
	return &Stream{
		session: NewSession(opts...),
		window:  window,
		fn:      fn,
	}
}

// Start begins streaming under label.
func (st *Stream) Start(label string) { st.session.Start(label) }

// Active reports whether the stream is listening.
func (st *Stream) Active() bool { return st.session.Active() }

// Pending returns the number of timings waiting for a full window.
func (st *Stream) Pending() int { return st.session.Len() }

// Skipped returns the number of windows fn dropped with ErrSkipWindow.
func (st *Stream) Skipped() int { return st.skipped }

// Handle feeds one raw event. When it completes a window, fn runs
// synchronously and its error is returned, unless it is ErrSkipWindow.
func (st *Stream) Handle(ctx context.Context, ev Event) error {
	st.session.Handle(ev)
	if ev.Kind != KeyUp || st.session.Len() < st.window {
		return nil
	}
	window := st.session.drain()
	err := st.fn(ctx, st.session.Context(), window)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSkipWindow):
		st.skipped++
		return nil
	default:
		return fmt.Errorf("process window: %w", err)
	}
}

// Stop ends the stream. The partial window is returned and never scored.
func (st *Stream) Stop() []KeyTiming { return st.session.Stop() }

// RunStream feeds src into st until the source ends or ctx is cancelled.
// A window error other than ErrSkipWindow stops the stream and is
// returned. The source is always closed.
func RunStream(ctx context.Context, st *Stream, label string, src Source) (err error) {
	ch, err := src.Events(ctx)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("open event source: %w", err)
	}
	defer func() {
		st.Stop()
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close event source: %w", cerr)
		}
	}()

	st.Start(label)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := st.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}
