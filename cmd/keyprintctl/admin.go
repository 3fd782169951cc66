package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	"keyprint/internal/config"
	"keyprint/internal/logging"
	"keyprint/internal/schemavalidation"
	"keyprint/internal/security"
	"keyprint/internal/settings"
	"keyprint/internal/store"
)

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Manage per-user security settings"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Show the settings in effect for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			st, err := a.openStore()
			if err != nil {
				return err
			}
			s, err := st.GetUserSettings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			source := "override"
			if s == nil {
				source = "defaults"
				s = &cfg.Defaults
			}
			return a.emit(cmd, s, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Source:\t%s\n", source)
				fmt.Fprintf(w, "Min confidence:\t%.1f\n", s.MinConfidenceThreshold)
				fmt.Fprintf(w, "Max failed attempts:\t%d\n", s.MaxFailedAttempts)
				fmt.Fprintf(w, "Sensitivity:\t%.2f\n", s.AnomalyDetectionSensitivity)
				fmt.Fprintf(w, "Learning period:\t%d\n", s.LearningPeriod)
				fmt.Fprintf(w, "Lockout:\t%s\n", s.LockoutDuration())
				fmt.Fprintf(w, "Adaptation:\t%s (margin %.1f)\n", s.AdaptationPolicy, s.AdaptationMargin)
				w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "set <user> <file>",
		Short:       "Store a settings override from a JSON file (comments allowed, - for stdin)",
		Args:        cobra.ExactArgs(2),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(args[1])
			if err != nil {
				return err
			}
			data, err := io.ReadAll(in)
			in.Close()
			if err != nil {
				return err
			}
			data = jsonc.ToJSON(data)

			v, err := schemavalidation.New()
			if err != nil {
				return err
			}
			if err := v.Validate(schemavalidation.Settings, data); err != nil {
				return err
			}
			var s settings.Settings
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("decode settings: %w", err)
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			if err := st.PutUserSettings(cmd.Context(), args[0], s); err != nil {
				return err
			}
			a.record(cmd.Context(), logging.AuditEvent{
				EventType: logging.AuditEventConfigChange,
				UserID:    args[0],
				Action:    "put_settings",
				Resource:  "security_settings",
				Result:    "success",
				Details: map[string]interface{}{
					"min_confidence_threshold": s.MinConfidenceThreshold,
					"adaptation_policy":        string(s.AdaptationPolicy),
				},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "stored settings override for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "unset <user>",
		Short:       "Remove a user's override so the defaults apply",
		Args:        cobra.ExactArgs(1),
		Annotations: audited,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			if err := st.DeleteUserSettings(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.record(cmd.Context(), logging.AuditEvent{
				EventType: logging.AuditEventConfigChange,
				UserID:    args[0],
				Action:    "delete_settings",
				Resource:  "security_settings",
				Result:    "success",
			})
			fmt.Fprintf(cmd.OutOrStdout(), "removed settings override for %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Create and check configuration"}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and seal secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath
			if path == "" {
				path = config.Path()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}

			cfg := config.DefaultConfig()
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)

			created, err := writeSealSecret(cfg.Security.SealSecretFile)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote seal secret %s\n", cfg.Security.SealSecretFile)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.Security.SealProfiles {
				if _, err := cfg.ReadSealSecret(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	return cmd
}

// writeSealSecret creates a random secret at path unless one exists.
func writeSealSecret(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate seal secret: %w", err)
	}
	defer security.Wipe(buf)
	if err := security.WriteSecret(path, []byte(hex.EncodeToString(buf)+"\n")); err != nil {
		return false, fmt.Errorf("write seal secret: %w", err)
	}
	return true, nil
}

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Inspect and change the database schema"}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(store.WithoutMigrations())
			if err != nil {
				return err
			}
			status, err := store.GetMigrationStatus(st.DB())
			if err != nil {
				return err
			}
			return a.emit(cmd, status, func() {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Schema version %d of %d\n", status.CurrentVersion, status.LatestVersion)
				for _, m := range status.Applied {
					fmt.Fprintf(out, "  [x] %d %s (%s)\n", m.Version, m.Description, m.AppliedAt.Format(time.RFC3339))
				}
				for _, m := range status.Pending {
					fmt.Fprintf(out, "  [ ] %d %s\n", m.Version, m.Description)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.openStore(store.WithoutMigrations())
			if err != nil {
				return err
			}
			if err := store.MigrateDB(st.DB()); err != nil {
				return err
			}
			if err := store.ValidateSchema(st.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	})

	var yes bool
	rollback := &cobra.Command{
		Use:   "rollback",
		Short: "Revert the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("rollback drops data; rerun with --yes")
			}
			st, err := a.openStore(store.WithoutMigrations())
			if err != nil {
				return err
			}
			if err := store.RollbackMigration(st.DB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
			return nil
		},
	}
	rollback.Flags().BoolVar(&yes, "yes", false, "confirm the rollback")
	cmd.AddCommand(rollback)

	return cmd
}
