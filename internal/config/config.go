// Package config handles configuration loading, validation, and hot
// reload for keyprint.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"keyprint/internal/ratelimit"
	"keyprint/internal/security"
	"keyprint/internal/settings"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server    ServerConfig      `toml:"server" json:"server" yaml:"server"`
	Storage   StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Security  SecurityConfig    `toml:"security" json:"security" yaml:"security"`
	Capture   CaptureConfig     `toml:"capture" json:"capture" yaml:"capture"`
	RateLimit RateLimitConfig   `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Logging   LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Metrics   MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
	Tracing   TracingConfig     `toml:"tracing" json:"tracing" yaml:"tracing"`
	Defaults  settings.Settings `toml:"defaults" json:"defaults" yaml:"defaults"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	// Listen is the TCP address of the HTTP API.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// MaxConnections is the maximum number of open connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
}

// SecurityConfig holds the profile seal configuration.
type SecurityConfig struct {
	// SealProfiles enables keyed integrity seals on stored profiles.
	SealProfiles bool `toml:"seal_profiles" json:"seal_profiles" yaml:"seal_profiles"`

	// SealSecretFile holds the server secret the seal keys derive from.
	SealSecretFile string `toml:"seal_secret_file" json:"seal_secret_file" yaml:"seal_secret_file"`

	// SealSecret is only ever set from KEYPRINT_SEAL_SECRET.
	SealSecret string `toml:"-" json:"-" yaml:"-"`
}

// CaptureConfig holds capture behaviour.
type CaptureConfig struct {
	// RepeatPolicy is "last" or "first".
	RepeatPolicy string `toml:"repeat_policy" json:"repeat_policy" yaml:"repeat_policy"`

	// StreamWindow is the keystroke count per streaming window.
	StreamWindow int `toml:"stream_window" json:"stream_window" yaml:"stream_window"`
}

// RateLimitConfig holds per-operation limits.
type RateLimitConfig struct {
	Verify   ratelimit.Rule `toml:"verify" json:"verify" yaml:"verify"`
	Train    ratelimit.Rule `toml:"train" json:"train" yaml:"train"`
	Fallback ratelimit.Rule `toml:"fallback" json:"fallback" yaml:"fallback"`

	// IdleSec is how long an unused bucket is kept.
	IdleSec int `toml:"idle_sec" json:"idle_sec" yaml:"idle_sec"`
	// SweepSec is the janitor interval.
	SweepSec int `toml:"sweep_sec" json:"sweep_sec" yaml:"sweep_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the security audit trail. Empty disables it.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig holds metrics exposure configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	// Path is the scrape route served by keyprintd.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// TracingConfig holds request tracing configuration. Spans are written
// as JSON lines to a rotated file.
type TracingConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
	// SampleRatio is the fraction of new traces recorded. Requests that
	// arrive with a sampled traceparent are always recorded.
	SampleRatio float64 `toml:"sample_ratio" json:"sample_ratio" yaml:"sample_ratio"`
	FilePath    string  `toml:"file_path" json:"file_path" yaml:"file_path"`
	BatchSize   int     `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
}

// DataDir returns the keyprint data directory.
func DataDir() string {
	if envDir := os.Getenv("KEYPRINT_DATA_DIR"); envDir != "" {
		return envDir
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "keyprint")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "keyprint")
}

// Path returns the default configuration file path.
func Path() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			Listen:             "127.0.0.1:8470",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    10,
			ShutdownTimeoutSec: 15,
			MaxBodyBytes:       1 << 20,
		},
		Storage: StorageConfig{
			Path:           filepath.Join(dir, "keyprint.db"),
			BusyTimeoutMs:  5000,
			MaxConnections: 4,
		},
		Security: SecurityConfig{
			SealProfiles:   true,
			SealSecretFile: filepath.Join(dir, "seal.key"),
		},
		Capture: CaptureConfig{
			RepeatPolicy: "last",
			StreamWindow: 5,
		},
		RateLimit: RateLimitConfig{
			Verify:   ratelimit.Rule{PerMinute: 10, Burst: 5},
			Train:    ratelimit.Rule{PerMinute: 30, Burst: 10},
			Fallback: ratelimit.Rule{PerMinute: 60, Burst: 20},
			IdleSec:  600,
			SweepSec: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "keyprint.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "audit.log"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			SampleRatio: 0.1,
			FilePath:    filepath.Join(dir, "traces.jsonl"),
			BatchSize:   32,
		},
		Defaults: settings.Default(),
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// decode parses data by the extension of path. JSON files may carry
// comments and trailing commas.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// Save writes cfg to path in the format its extension names.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode JSON: %w", err)
		}
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode YAML: %w", err)
		}
		enc.Close()
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode TOML: %w", err)
		}
	}

	if err := security.WriteFile(path, buf.Bytes(), security.PermSecretFile); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies KEYPRINT_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KEYPRINT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("KEYPRINT_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("KEYPRINT_SEAL_SECRET"); v != "" {
		c.Security.SealSecret = v
	}
	if v := os.Getenv("KEYPRINT_SEAL_SECRET_FILE"); v != "" {
		c.Security.SealSecretFile = v
	}
	if v := os.Getenv("KEYPRINT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYPRINT_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KEYPRINT_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KEYPRINT_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Defaults.MinConfidenceThreshold = f
		}
	}
}

// Validate performs full validation of the configuration.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ReadSealSecret returns the seal secret from the environment or the
// secret file.
func (c *Config) ReadSealSecret() ([]byte, error) {
	if c.Security.SealSecret != "" {
		return []byte(c.Security.SealSecret), nil
	}
	data, err := security.ReadSecret(c.Security.SealSecretFile)
	if err != nil {
		return nil, fmt.Errorf("read seal secret: %w", err)
	}
	return bytes.TrimSpace(data), nil
}
