package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"keyprint/internal/api"
	"keyprint/internal/config"
	"keyprint/internal/health"
	"keyprint/internal/logging"
	"keyprint/internal/metrics"
	"keyprint/internal/profile"
	"keyprint/internal/ratelimit"
	"keyprint/internal/schemavalidation"
	"keyprint/internal/scorer"
	"keyprint/internal/security"
	"keyprint/internal/settings"
	"keyprint/internal/store"
	"keyprint/internal/tracing"
)

// heapLimit is where the memory check starts reporting degraded.
const heapLimit = 512 << 20

// Daemon owns every long-lived component of keyprintd.
type Daemon struct {
	version    string
	configPath string

	loader   *config.Loader
	logs     *logging.Logger
	logger   *slog.Logger
	audit    *logging.AuditLogger
	store    *store.Store
	limiter  *ratelimit.Keyed
	defaults *settings.Static
	metrics  *metrics.Metrics
	traces   *logging.FileRotator
	tracer   *tracing.Tracer
	health   *health.Checker
	server   *api.HTTPServer

	hup chan os.Signal
}

// NewDaemon creates a daemon reading its configuration from configPath.
func NewDaemon(version, configPath string) *Daemon {
	return &Daemon{version: version, configPath: configPath, hup: make(chan os.Signal, 1)}
}

// Start loads the configuration and builds every component. Nothing is
// listening until Run.
func (d *Daemon) Start(listen string) (err error) {
	defer func() {
		if err != nil {
			d.release()
		}
	}()

	d.loader = config.NewLoader(d.configPath)
	cfg, err := d.loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	if err := d.openLogs(cfg); err != nil {
		return err
	}

	d.store, err = store.Open(cfg.Storage.Path,
		store.WithBusyTimeout(time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond),
		store.WithMaxConnections(cfg.Storage.MaxConnections),
	)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var sealer *profile.Sealer
	if cfg.Security.SealProfiles {
		secret, err := cfg.ReadSealSecret()
		if err != nil {
			return err
		}
		sealer, err = profile.NewSealer(secret)
		security.Wipe(secret)
		if err != nil {
			return fmt.Errorf("seal secret: %w", err)
		}
	}

	d.limiter = ratelimit.New(cfg.RateLimit.Fallback,
		ratelimit.WithRule(scorer.OpVerify, cfg.RateLimit.Verify),
		ratelimit.WithRule(scorer.OpTrain, cfg.RateLimit.Train),
		ratelimit.WithIdle(time.Duration(cfg.RateLimit.IdleSec)*time.Second),
	)
	d.limiter.StartJanitor(time.Duration(cfg.RateLimit.SweepSec) * time.Second)

	if d.defaults, err = settings.NewStatic(cfg.Defaults); err != nil {
		return fmt.Errorf("default settings: %w", err)
	}
	d.metrics = metrics.New(nil)

	if cfg.Tracing.Enabled {
		if err := d.openTracer(cfg); err != nil {
			return err
		}
	}

	opts := []scorer.Option{
		scorer.WithLogger(d.logs.WithComponent("scorer")),
		scorer.WithObserver(d.metrics),
		scorer.WithTracer(d.tracer),
	}
	if sealer != nil {
		opts = append(opts, scorer.WithSealer(sealer))
	}
	if d.audit != nil {
		opts = append(opts, scorer.WithAuditor(d.audit))
	}
	svc := scorer.New(d.store, d.store, store.NewSettingsProvider(d.store, d.defaults), d.limiter, opts...)

	validator, err := schemavalidation.New()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	d.health = health.NewChecker()
	d.health.RegisterFunc("store", true, health.DatabaseCheck(d.store.Ping))
	d.health.RegisterFunc("data_dir", true, health.DirWritableCheck(filepath.Dir(cfg.Storage.Path)))
	d.health.RegisterFunc("memory", false, health.MemoryCheck(heapLimit))

	apiCfg := api.Config{
		Service:      svc,
		Attempts:     d.store,
		Settings:     d.store,
		Defaults:     d.defaults,
		Validator:    validator,
		Profiles:     d.store,
		Health:       d.health,
		Logger:       d.logs.WithComponent("api"),
		Tracer:       d.tracer,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	if cfg.Metrics.Enabled {
		apiCfg.Metrics = d.metrics
		apiCfg.MetricsPath = cfg.Metrics.Path
	}
	if d.audit != nil {
		apiCfg.Auditor = d.audit
	}

	d.server = api.NewHTTPServer(api.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         api.New(apiCfg),
		Logger:          d.logs.WithComponent("http"),
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second,
	})

	d.loader.OnChange(d.reload)
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "path", d.configPath, "error", err)
	}

	return nil
}

func (d *Daemon) openLogs(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	d.logs, err = logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keyprintd",
	})
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	d.logger = d.logs.Logger

	if cfg.Logging.AuditPath == "" {
		return nil
	}
	d.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Logging.AuditPath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "keyprintd",
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	return nil
}

// openTracer writes sampled spans as JSON lines to a rotated file.
func (d *Daemon) openTracer(cfg *config.Config) error {
	var err error
	d.traces, err = logging.NewFileRotator(&logging.Config{
		FilePath:   cfg.Tracing.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	d.tracer, err = tracing.New(tracing.Config{
		Service:  "keyprintd",
		Exporter: tracing.NewWriterExporter(d.traces, cfg.Tracing.BatchSize),
		Sampler:  tracing.NewRatioSampler(cfg.Tracing.SampleRatio),
	})
	if err != nil {
		return err
	}
	d.logger.Info("tracing enabled", "path", cfg.Tracing.FilePath, "sample_ratio", cfg.Tracing.SampleRatio)
	return nil
}

// Run serves until ctx is cancelled or the listener fails.
func (d *Daemon) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- d.server.Serve(ctx) }()

	select {
	case <-d.server.Ready():
	case err := <-errc:
		return err
	}

	d.health.SetReady(true)
	d.logger.Info("keyprintd started", "version", d.version, "addr", d.server.Addr().String())
	if d.audit != nil {
		d.audit.LogStartup(ctx, d.version, map[string]interface{}{
			"addr":   d.server.Addr().String(),
			"config": d.configPath,
		})
	}

	signal.Notify(d.hup, syscall.SIGHUP)
	defer signal.Stop(d.hup)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.health.SetReady(false)
			d.logger.Info("shutting down")
			return <-errc
		case err := <-errc:
			d.health.SetReady(false)
			return err
		case err := <-d.loader.Errors():
			d.logger.Warn("config reload rejected", "error", err)
			if d.audit != nil {
				d.audit.LogError(ctx, "config_reload", err, map[string]interface{}{"config": d.configPath})
			}
		case <-d.hup:
			d.rotateLogs(ctx)
		case <-ticker.C:
			d.metrics.UpdateUptime()
		}
	}
}

// rotateLogs starts fresh log, audit and trace files so an external
// tool can archive the old ones.
func (d *Daemon) rotateLogs(ctx context.Context) {
	errs := []error{d.logs.Rotate()}
	if d.audit != nil {
		errs = append(errs, d.audit.Rotate())
	}
	if d.traces != nil {
		errs = append(errs, d.traces.Rotate())
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error("log rotation failed", "error", err)
		if d.audit != nil {
			d.audit.LogError(ctx, "log_rotate", err, nil)
		}
		return
	}
	d.logger.Info("logs rotated")
}

// reload applies a changed configuration. Only default security
// settings take effect live; the rest needs a restart.
func (d *Daemon) reload(old, new *config.Config) {
	if old.Defaults != new.Defaults {
		if err := d.defaults.Replace(new.Defaults); err != nil {
			d.logger.Warn("default settings rejected", "error", err)
		} else {
			d.logger.Info("default settings reloaded",
				"min_confidence_threshold", new.Defaults.MinConfidenceThreshold,
				"adaptation_policy", string(new.Defaults.AdaptationPolicy),
			)
			if d.audit != nil {
				d.audit.LogConfigChange(context.Background(), "defaults",
					fmt.Sprintf("%+v", old.Defaults), fmt.Sprintf("%+v", new.Defaults))
			}
		}
	}
	if old.Server != new.Server || old.Storage != new.Storage || old.RateLimit != new.RateLimit || old.Tracing != new.Tracing {
		d.logger.Warn("only [defaults] reloads live; restart to apply the other changes")
	}
}

// Stop releases every component. It is safe after a partial Start.
func (d *Daemon) Stop(reason string) error {
	if d.audit != nil {
		d.audit.LogShutdown(context.Background(), reason)
	}
	if d.logger != nil {
		attrs := []any{"reason", reason}
		if d.metrics != nil {
			attrs = append(attrs, "metrics", d.metrics.Snapshot())
		}
		d.logger.Info("keyprintd stopped", attrs...)
	}
	return d.release()
}

func (d *Daemon) release() error {
	var errs []error
	if d.loader != nil {
		errs = append(errs, d.loader.Close())
	}
	if d.limiter != nil {
		errs = append(errs, d.limiter.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.tracer != nil {
		errs = append(errs, d.tracer.Shutdown())
	}
	if d.traces != nil {
		errs = append(errs, d.traces.Close())
	}
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	if d.logs != nil {
		errs = append(errs, d.logs.Close())
	}
	return errors.Join(errs...)
}
