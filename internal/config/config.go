// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/fieldtrace/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `fieldtrace:` root key in YAML.
type GlobalConfig struct {
	Control ControlConfig `mapstructure:"control"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Index   IndexConfig   `mapstructure:"index"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket         string `mapstructure:"socket"`
	PIDFile        string `mapstructure:"pid_file"`
	MaxConnections int    `mapstructure:"max_connections"` // 0 = unlimited
}

// ─── Tracing ───

// TracingConfig holds one output per direction.
type TracingConfig struct {
	Dir  string          `mapstructure:"dir"` // Base for relative paths; empty = working directory
	Send DirectionConfig `mapstructure:"send"`
	Recv DirectionConfig `mapstructure:"recv"`
}

// StdoutPath as a direction path prints records to standard output.
const StdoutPath = "-"

// DirectionConfig configures the recorder of one direction.
type DirectionConfig struct {
	Path           string         `mapstructure:"path"`
	IncludeRawData bool           `mapstructure:"include_raw_data"`
	Rotation       RotationConfig `mapstructure:"rotation"`
}

// For returns the settings of dir with Path resolved against Dir.
func (t TracingConfig) For(dir core.Direction) DirectionConfig {
	var dc DirectionConfig
	if dir == core.Inbound {
		dc = t.Recv
	} else {
		dc = t.Send
	}
	if dc.Path != "" && dc.Path != StdoutPath && t.Dir != "" && !filepath.IsAbs(dc.Path) {
		dc.Path = filepath.Join(t.Dir, dc.Path)
	}
	return dc
}

// UsesStdout reports whether either direction prints records to stdout.
func (t TracingConfig) UsesStdout() bool {
	return t.Send.Path == StdoutPath || t.Recv.Path == StdoutPath
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures file rotation. Shared by log and trace files.
// For trace files max_size_mb 0 means the file is never rotated by size.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Index ───

// IndexConfig locates the SQLite call-site index.
type IndexConfig struct {
	Path string `mapstructure:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `fieldtrace: ...`.
type configRoot struct {
	Fieldtrace GlobalConfig `mapstructure:"fieldtrace"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to env overrides.
// The file uses `fieldtrace:` as root key; env vars use the FIELDTRACE_ prefix
// (e.g., FIELDTRACE_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `fieldtrace.` key prefix maps to `FIELDTRACE_` through the replacer
	// (key "fieldtrace.log.level" → env "FIELDTRACE_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Fieldtrace

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "fieldtrace." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("fieldtrace.control.pid_file", "/var/run/fieldtrace.pid")
	v.SetDefault("fieldtrace.control.socket", "/var/run/fieldtrace.sock")
	v.SetDefault("fieldtrace.control.max_connections", 16)

	// Tracing defaults
	v.SetDefault("fieldtrace.tracing.dir", "")
	v.SetDefault("fieldtrace.tracing.send.path", "send_packets.txt")
	v.SetDefault("fieldtrace.tracing.send.include_raw_data", false)
	v.SetDefault("fieldtrace.tracing.send.rotation.max_size_mb", 0)
	v.SetDefault("fieldtrace.tracing.send.rotation.max_age_days", 0)
	v.SetDefault("fieldtrace.tracing.send.rotation.max_backups", 0)
	v.SetDefault("fieldtrace.tracing.send.rotation.compress", false)
	v.SetDefault("fieldtrace.tracing.recv.path", "recv_packets.txt")
	v.SetDefault("fieldtrace.tracing.recv.include_raw_data", false)
	v.SetDefault("fieldtrace.tracing.recv.rotation.max_size_mb", 0)
	v.SetDefault("fieldtrace.tracing.recv.rotation.max_age_days", 0)
	v.SetDefault("fieldtrace.tracing.recv.rotation.max_backups", 0)
	v.SetDefault("fieldtrace.tracing.recv.rotation.compress", false)

	// Log defaults
	v.SetDefault("fieldtrace.log.level", "info")
	v.SetDefault("fieldtrace.log.format", "json")
	v.SetDefault("fieldtrace.log.outputs.file.enabled", false)
	v.SetDefault("fieldtrace.log.outputs.file.path", "/var/log/fieldtrace/fieldtrace.log")
	v.SetDefault("fieldtrace.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("fieldtrace.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("fieldtrace.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("fieldtrace.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("fieldtrace.metrics.enabled", false)
	v.SetDefault("fieldtrace.metrics.listen", "127.0.0.1:9464")
	v.SetDefault("fieldtrace.metrics.path", "/metrics")

	// Index defaults
	v.SetDefault("fieldtrace.index.path", "fieldtrace.db")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("%w: log.outputs.file.path is required when file output is enabled", core.ErrConfigInvalid)
	}

	// ── Tracing validation ──
	for _, dir := range core.Directions {
		dc := cfg.Tracing.For(dir)
		if dc.Path == "" {
			return fmt.Errorf("%w: tracing.%s.path is required", core.ErrConfigInvalid, dir.Short())
		}
		if err := dc.Rotation.validate("tracing." + dir.Short() + ".rotation"); err != nil {
			return err
		}
	}
	send := filepath.Clean(cfg.Tracing.For(core.Outbound).Path)
	recv := filepath.Clean(cfg.Tracing.For(core.Inbound).Path)
	if send == recv && send != StdoutPath {
		return fmt.Errorf("%w: tracing.send.path and tracing.recv.path must differ (%s)", core.ErrConfigInvalid, send)
	}

	// ── Control validation ──
	if cfg.Control.Socket == "" {
		return fmt.Errorf("%w: control.socket is required", core.ErrConfigInvalid)
	}
	if cfg.Control.MaxConnections < 0 {
		return fmt.Errorf("%w: control.max_connections must be >= 0", core.ErrConfigInvalid)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("%w: metrics.listen is required when metrics.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = "/metrics"
		}
	}

	return nil
}

func (r RotationConfig) validate(key string) error {
	if r.MaxSizeMB < 0 || r.MaxAgeDays < 0 || r.MaxBackups < 0 {
		return fmt.Errorf("%w: %s values must be >= 0", core.ErrConfigInvalid, key)
	}
	return nil
}
