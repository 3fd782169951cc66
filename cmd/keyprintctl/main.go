// keyprintctl is the operator CLI for a keyprint store.
//
// It works directly on the SQLite database named in the configuration,
// so it can enroll users, replay samples and inspect history without a
// running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"keyprint/internal/config"
	"keyprint/internal/logging"
	"keyprint/internal/profile"
	"keyprint/internal/ratelimit"
	"keyprint/internal/scorer"
	"keyprint/internal/security"
	"keyprint/internal/settings"
	"keyprint/internal/store"
)

func main() {
	root, a := newRootCmd()
	if err := a.execute(root); err != nil {
		os.Exit(1)
	}
}

// audited marks commands that change state. Their failures are written
// to the audit log as well.
var audited = map[string]string{"audited": "true"}

// app holds what every subcommand opens lazily.
type app struct {
	configPath string
	jsonOut    bool
	verbose    bool

	command string
	cfg     *config.Config
	store   *store.Store
	logs    *logging.Logger
	audit   *logging.AuditLogger
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "keyprintctl",
		Short:         "Operate a keyprint profile store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if cmd.Annotations["audited"] == "true" {
				a.command = cmd.CommandPath()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (default: data dir config.toml)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log scorer decisions to stderr")

	root.AddCommand(newProfileCmd(a))
	root.AddCommand(newTrainCmd(a))
	root.AddCommand(newVerifyCmd(a))
	root.AddCommand(newAttemptsCmd(a))
	root.AddCommand(newSettingsCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newMigrateCmd(a))
	return root, a
}

// execute runs root and releases whatever the command opened, on
// success and failure alike.
func (a *app) execute(root *cobra.Command) error {
	err := root.Execute()
	if err != nil && a.command != "" {
		if al := a.auditor(); al != nil {
			al.LogError(context.Background(), a.command, err, nil)
		}
	}
	if cerr := a.close(); cerr != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}

func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) openStore(opts ...store.Option) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	opts = append([]store.Option{store.WithMaxConnections(1)}, opts...)
	st, err := store.Open(cfg.Storage.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	return st, nil
}

func (a *app) logger() *slog.Logger {
	if a.logs == nil {
		level := logging.LevelWarn
		if a.verbose {
			level = logging.LevelDebug
		}
		logs, err := logging.New(&logging.Config{
			Level:     level,
			Format:    logging.FormatText,
			Output:    "stderr",
			Component: "keyprintctl",
		})
		if err != nil {
			return slog.New(slog.NewTextHandler(os.Stderr, nil))
		}
		a.logs = logs
	}
	return a.logs.Logger
}

// scorer builds an in-process scorer over the store. Operator runs are
// not rate limited.
func (a *app) scorer() (*scorer.Scorer, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	defaults, err := settings.NewStatic(cfg.Defaults)
	if err != nil {
		return nil, err
	}

	opts := []scorer.Option{scorer.WithLogger(a.logger())}
	if al := a.auditor(); al != nil {
		opts = append(opts, scorer.WithAuditor(al))
	}
	if cfg.Security.SealProfiles {
		secret, err := cfg.ReadSealSecret()
		if err != nil {
			return nil, err
		}
		sealer, err := profile.NewSealer(secret)
		security.Wipe(secret)
		if err != nil {
			return nil, fmt.Errorf("seal secret: %w", err)
		}
		opts = append(opts, scorer.WithSealer(sealer))
	}
	return scorer.New(st, st, store.NewSettingsProvider(st, defaults), ratelimit.Unlimited{}, opts...), nil
}

// auditor opens the audit log named in the configuration. It returns
// nil when auditing is disabled or the log cannot be opened.
func (a *app) auditor() *logging.AuditLogger {
	if a.audit != nil {
		return a.audit
	}
	cfg, err := a.config()
	if err != nil || cfg.Logging.AuditPath == "" {
		return nil
	}
	al, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Logging.AuditPath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keyprintctl",
	})
	if err != nil {
		a.logger().Warn("audit log unavailable", "path", cfg.Logging.AuditPath, "error", err)
		return nil
	}
	a.audit = al
	return al
}

// record writes ev to the audit log, if there is one.
func (a *app) record(ctx context.Context, ev logging.AuditEvent) {
	al := a.auditor()
	if al == nil {
		return
	}
	if err := al.Log(ctx, ev); err != nil {
		a.logger().Warn("audit write failed", "event", string(ev.EventType), "error", err)
	}
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	if a.audit != nil {
		if cerr := a.audit.Close(); err == nil {
			err = cerr
		}
		a.audit = nil
	}
	if a.logs != nil {
		a.logs.Close()
		a.logs = nil
	}
	return err
}

// emit prints v as JSON when --json is set, otherwise calls text.
func (a *app) emit(cmd *cobra.Command, v any, text func()) error {
	if !a.jsonOut {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
