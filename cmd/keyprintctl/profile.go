package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"keyprint/internal/logging"
	"keyprint/internal/profile"
	"keyprint/internal/scorer"
)

func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "profile", Short: "Manage typing profiles"}

	cmd.AddCommand(&cobra.Command{
		Use:         "create <user>",
		Short:       "Create an empty learning profile",
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.scorer()
			if err != nil {
				return err
			}
			p, err := svc.CreateProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, p, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "created profile %s (status %s)\n", p.UserID, p.Status)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Show a profile and its learned statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.scorer()
			if err != nil {
				return err
			}
			p, err := svc.Profile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, p, func() { printProfile(cmd, p) })
		},
	})

	var retrain bool
	resetCmd := &cobra.Command{
		Use:   "reset <user>",
		Short: "Clear a lockout and the failure counter",
		Long: `Clear a lockout and the failure counter.

With --retrain the learned statistics are discarded as well and the
profile goes back to learning, so train accepts samples again.`,
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.scorer()
			if err != nil {
				return err
			}
			reset := svc.ResetLockout
			if retrain {
				reset = svc.Reenroll
			}
			p, err := reset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, p, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s (status %s, %d patterns)\n", p.UserID, p.Status, p.PatternCount)
			})
		},
	}
	resetCmd.Flags().BoolVar(&retrain, "retrain", false, "discard learned statistics and reopen training")
	cmd.AddCommand(resetCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			profiles, err := st.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, profiles, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tSTATUS\tPATTERNS\tCONFIDENCE\tFAILED\tUPDATED")
				for _, p := range profiles {
					fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%d\t%s\n",
						p.UserID, p.Status, p.PatternCount, p.Confidence, p.FailedAttempts,
						p.UpdatedAt.Format(time.RFC3339))
				}
				w.Flush()
			})
		},
	})

	var patternLimit int
	patterns := &cobra.Command{
		Use:   "patterns <user>",
		Short: "List the training patterns stored for a user, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			tps, err := st.ListPatterns(cmd.Context(), args[0], patternLimit)
			if err != nil {
				return err
			}
			return a.emit(cmd, tps, func() {
				if len(tps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No training patterns stored.")
					return
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tCONTEXT\tKEYS\tDWELL\tLATENCY\tSPEED")
				for _, tp := range tps {
					fv := tp.Features
					fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f\t%.2f\n",
						tp.CreatedAt.Format(time.RFC3339), tp.Context, fv.KeyCount,
						fv.MeanDwell, fv.MeanLatency, fv.TypingSpeed)
				}
				w.Flush()
			})
		},
	}
	patterns.Flags().IntVar(&patternLimit, "limit", 0, "maximum patterns to list, 0 for all")
	cmd.AddCommand(patterns)

	var force bool
	deleteCmd := &cobra.Command{
		Use:         "delete <user>",
		Short:       "Delete a profile and its training patterns",
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to delete %s without --force", args[0])
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			ok, err := st.DeleteProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", scorer.ErrNoProfile, args[0])
			}
			a.record(cmd.Context(), logging.AuditEvent{
				EventType: logging.AuditEventEnrollment,
				UserID:    args[0],
				Action:    "delete",
				Result:    "success",
			})
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().BoolVar(&force, "force", false, "confirm deletion")
	cmd.AddCommand(deleteCmd)

	return cmd
}

func printProfile(cmd *cobra.Command, p *profile.Profile) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", p.UserID)
	fmt.Fprintf(w, "Status:\t%s\n", p.Status)
	fmt.Fprintf(w, "Patterns:\t%d\n", p.PatternCount)
	fmt.Fprintf(w, "Confidence:\t%.1f\n", p.ConfidenceScore)
	fmt.Fprintf(w, "Failed attempts:\t%d\n", p.FailedAttempts)
	if !p.LockedUntil.IsZero() {
		fmt.Fprintf(w, "Locked until:\t%s\n", p.LockedUntil.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Version:\t%d\n", p.Version)
	fmt.Fprintf(w, "Updated:\t%s\n", p.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "FEATURE\tMEAN\tSTDDEV\tSAMPLES")
	fmt.Fprintf(w, "dwell (ms)\t%.1f\t%.1f\t%d\n", p.Dwell.Mean, p.Dwell.StdDev(), p.Dwell.Count)
	fmt.Fprintf(w, "latency (ms)\t%.1f\t%.1f\t%d\n", p.Latency.Mean, p.Latency.StdDev(), p.Latency.Count)
	fmt.Fprintf(w, "speed (keys/s)\t%.2f\t%.2f\t%d\n", p.Speed.Mean, p.Speed.StdDev(), p.Speed.Count)

	keys := make([]string, 0, len(p.Digraphs))
	for k := range p.Digraphs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := p.Digraphs[k]
		fmt.Fprintf(w, "digraph %s\t%.1f\t%.1f\t%d\n", strings.TrimSpace(k), s.Mean, s.StdDev(), s.Count)
	}
	w.Flush()
}
