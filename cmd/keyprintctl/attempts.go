package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyprint/internal/scorer"
	"keyprint/internal/security"
	"keyprint/internal/store"
)

// filterFlags are shared by the history subcommands.
type filterFlags struct {
	user  string
	since string
	until string
	limit int
}

func (f *filterFlags) register(cmd *cobra.Command, withLimit bool) {
	cmd.Flags().StringVar(&f.user, "user", "", "only this user")
	cmd.Flags().StringVar(&f.since, "since", "", "only attempts at or after this time (RFC 3339 or duration like 24h)")
	cmd.Flags().StringVar(&f.until, "until", "", "only attempts before this time (RFC 3339 or duration)")
	if withLimit {
		cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum attempts (0 for all)")
	}
}

func (f *filterFlags) filter(now time.Time) (store.AttemptFilter, error) {
	out := store.AttemptFilter{UserID: f.user, Limit: f.limit}
	var err error
	if out.Since, err = parseWhen(f.since, now); err != nil {
		return out, fmt.Errorf("--since: %w", err)
	}
	if out.Until, err = parseWhen(f.until, now); err != nil {
		return out, fmt.Errorf("--until: %w", err)
	}
	return out, nil
}

// parseWhen accepts an RFC 3339 time or a duration counted back from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func newAttemptsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "attempts", Short: "Inspect authentication history"}

	var listFlags filterFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := listFlags.filter(time.Now())
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			attempts, err := st.ListAttempts(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.emit(cmd, attempts, func() { printAttempts(cmd, attempts) })
		},
	}
	listFlags.register(list, true)
	cmd.AddCommand(list)

	var sumFlags filterFlags
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate attempts by outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := sumFlags.filter(time.Now())
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			sum, err := st.SummarizeAttempts(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.emit(cmd, sum, func() { printSummary(cmd, sum) })
		},
	}
	sumFlags.register(summary, false)
	cmd.AddCommand(summary)

	var exportFlags filterFlags
	var output string
	export := &cobra.Command{
		Use:         "export",
		Short:       "Write attempts as zstd-compressed JSON lines",
		Args:        cobra.NoArgs,
		Annotations: audited,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := exportFlags.filter(time.Now())
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			out, err := security.CreateAtomic(output, security.PermSecretFile)
			if err != nil {
				return fmt.Errorf("failed to create export: %w", err)
			}
			defer out.Abort()
			n, err := st.ExportAttempts(cmd.Context(), out, f)
			if err != nil {
				return err
			}
			if err := out.Commit(); err != nil {
				return err
			}
			if al := a.auditor(); al != nil {
				if err := al.LogExport(cmd.Context(), f.UserID, output, n); err != nil {
					a.logger().Warn("audit write failed", "event", "export", "error", err)
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d attempts to %s\n", n, output)
			return nil
		},
	}
	exportFlags.register(export, false)
	export.Flags().StringVarP(&output, "output", "o", "attempts.jsonl.zst", "output file")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "read <file>",
		Short: "Print an export written by attempts export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()
			attempts, err := store.ReadAttemptExport(in)
			if err != nil {
				return err
			}
			return a.emit(cmd, attempts, func() { printAttempts(cmd, attempts) })
		},
	})

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:         "prune",
		Short:       "Delete attempts older than a retention window",
		Args:        cobra.NoArgs,
		Annotations: audited,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			n, err := st.PruneAttempts(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d attempts\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "retention window")
	cmd.AddCommand(prune)

	return cmd
}

func printAttempts(cmd *cobra.Command, attempts []scorer.Attempt) {
	if len(attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No attempts recorded.")
		return
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUSER\tOUTCOME\tCONFIDENCE\tCONTEXT")
	for _, at := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\n",
			at.Timestamp.Format(time.RFC3339), at.UserID, at.Outcome, at.ConfidenceScore, at.Context)
	}
	w.Flush()
}

func printSummary(cmd *cobra.Command, sum store.AttemptSummary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total:\t%d\n", sum.Total)
	fmt.Fprintf(w, "Accepted:\t%d\n", sum.Accepted)
	fmt.Fprintf(w, "Rejected:\t%d\n", sum.Rejected)
	fmt.Fprintf(w, "Mean confidence:\t%.1f\n", sum.MeanConfidence)

	outcomes := make([]string, 0, len(sum.ByOutcome))
	for o := range sum.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %s:\t%d\n", o, sum.ByOutcome[scorer.Outcome(o)])
	}
	w.Flush()
}
