package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"keyprint/internal/capture"
	"keyprint/internal/schemavalidation"
	"keyprint/internal/scorer"
)

// sampleFlags selects where a keystroke sample comes from: a timings
// document in the API request format, or raw key events replayed
// through capture.
type sampleFlags struct {
	timings string
	events  string
	context string
}

func (f *sampleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.timings, "timings", "", "JSON request body with timings (- for stdin)")
	cmd.Flags().StringVar(&f.events, "events", "", "JSON array of key events to replay through capture (- for stdin)")
	cmd.Flags().StringVar(&f.context, "context", "", "context label, overrides the one in --timings")
	cmd.MarkFlagsMutuallyExclusive("timings", "events")
	cmd.MarkFlagsOneRequired("timings", "events")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func (a *app) readSample(ctx context.Context, f *sampleFlags) (scorer.Request, error) {
	if f.timings != "" {
		return readTimings(f.timings, f.context)
	}

	events, err := readEvents(f.events)
	if err != nil {
		return scorer.Request{}, err
	}
	policy, err := a.repeatPolicy()
	if err != nil {
		return scorer.Request{}, err
	}
	s := capture.NewSession(capture.WithRepeatPolicy(policy))
	timings, err := capture.Run(ctx, s, f.context, capture.NewScriptedSource(events))
	if err != nil {
		return scorer.Request{}, err
	}
	return scorer.Request{Timings: timings, Context: f.context}, nil
}

func readTimings(path, label string) (scorer.Request, error) {
	in, err := openInput(path)
	if err != nil {
		return scorer.Request{}, err
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return scorer.Request{}, fmt.Errorf("read timings: %w", err)
	}

	v, err := schemavalidation.New()
	if err != nil {
		return scorer.Request{}, err
	}
	if err := v.Validate(schemavalidation.SampleRequest, data); err != nil {
		return scorer.Request{}, err
	}

	var req scorer.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return scorer.Request{}, fmt.Errorf("decode timings: %w", err)
	}
	for i, t := range req.Timings {
		req.Timings[i] = t.Normalize()
	}
	if label != "" {
		req.Context = label
	}
	return req, nil
}

func readEvents(path string) ([]capture.Event, error) {
	in, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	return capture.LoadEvents(in)
}

func (a *app) repeatPolicy() (capture.RepeatPolicy, error) {
	cfg, err := a.config()
	if err != nil {
		return capture.LastPressWins, err
	}
	return capture.ParseRepeatPolicy(cfg.Capture.RepeatPolicy)
}

func newTrainCmd(a *app) *cobra.Command {
	var f sampleFlags
	cmd := &cobra.Command{
		Use:         "train <user>",
		Short:       "Fold one typing sample into a profile",
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := a.readSample(cmd.Context(), &f)
			if err != nil {
				return err
			}
			svc, err := a.scorer()
			if err != nil {
				return err
			}
			res, err := svc.Train(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d patterns, status %s, confidence %.1f\n",
					args[0], res.PatternCount, res.Status, res.Confidence)
				if res.Promoted {
					fmt.Fprintln(cmd.OutOrStdout(), "profile is now active")
				}
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var f sampleFlags
	var stream bool
	cmd := &cobra.Command{
		Use:   "verify <user>",
		Short: "Score a typing sample against a profile",
		Long: `Score a typing sample against a profile.

With --stream the events are cut into consecutive windows of
capture.stream_window keystrokes and every window is scored on its own.
Windows refused by the rate limiter or an active lockout are reported
and skipped.`,
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stream {
				return a.verifyStream(cmd, args[0], &f)
			}
			req, err := a.readSample(cmd.Context(), &f)
			if err != nil {
				return err
			}
			svc, err := a.scorer()
			if err != nil {
				return err
			}
			res, err := svc.Verify(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func() { printResult(cmd, res) })
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&stream, "stream", false, "score every window of an --events replay")
	return cmd
}

func (a *app) verifyStream(cmd *cobra.Command, userID string, f *sampleFlags) error {
	if f.events == "" {
		return errors.New("--stream needs --events")
	}
	cfg, err := a.config()
	if err != nil {
		return err
	}
	policy, err := a.repeatPolicy()
	if err != nil {
		return err
	}
	svc, err := a.scorer()
	if err != nil {
		return err
	}
	events, err := readEvents(f.events)
	if err != nil {
		return err
	}

	var results []scorer.Result
	score := func(ctx context.Context, label string, window []capture.KeyTiming) error {
		res, err := svc.Verify(ctx, userID, scorer.Request{Timings: window, Context: label})
		if errors.Is(err, scorer.ErrRateLimited) || errors.Is(err, scorer.ErrLockedOut) {
			if !a.jsonOut {
				fmt.Fprintf(cmd.OutOrStdout(), "SKIPPED %s: %v\n", label, err)
			}
			return fmt.Errorf("%w: %w", capture.ErrSkipWindow, err)
		}
		if err != nil {
			return err
		}
		results = append(results, res)
		if !a.jsonOut {
			printResult(cmd, res)
		}
		return nil
	}

	st := capture.NewStream(cfg.Capture.StreamWindow, score, capture.WithRepeatPolicy(policy))
	if err := capture.RunStream(cmd.Context(), st, f.context, capture.NewScriptedSource(events)); err != nil {
		return err
	}
	if a.jsonOut {
		return a.emit(cmd, results, nil)
	}
	if n := st.Skipped(); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d windows skipped\n", n)
	} else if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no complete window captured")
	}
	return nil
}

func printResult(cmd *cobra.Command, res scorer.Result) {
	resp := res.Response()
	verdict := "REJECTED"
	if resp.Success {
		verdict = "ACCEPTED"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s confidence=%.1f outcome=%s status=%s", verdict, resp.Confidence, res.Outcome, res.Status)
	if res.LockedOut {
		fmt.Fprint(cmd.OutOrStdout(), " (locked out)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	if resp.Message != "" {
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
	}
}
