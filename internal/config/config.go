// Package config provides YAML/JSON configuration loading and validation for
// the killswitch agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/killswitch/internal/audit"
)

// Config is the top-level application configuration.
type Config struct {
	// PolicyPath is the path to the policy document (policy.yaml or
	// policy.json) this agent enforces. Required.
	PolicyPath string `yaml:"policy_path" json:"policy_path"`

	Scanning   ScanningConfig   `yaml:"scanning" json:"scanning"`
	KillPolicy KillPolicyConfig `yaml:"kill_policy" json:"kill_policy"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	ControlAPI ControlAPIConfig `yaml:"control_api" json:"control_api"`

	// LogLevel sets the minimum slog severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// ScanningConfig controls the Scan Orchestrator's tick behavior.
type ScanningConfig struct {
	ScanIntervalMS     int  `yaml:"scan_interval_ms" json:"scan_interval_ms"`
	EnableHashCheck    bool `yaml:"enable_hash_check" json:"enable_hash_check"`
	EnableCommandCheck bool `yaml:"enable_command_check" json:"enable_command_check"`
}

// KillPolicyConfig controls the Kill Governor.
type KillPolicyConfig struct {
	GracefulKill       bool `yaml:"graceful_kill" json:"graceful_kill"`
	ForceKillTimeoutMS int  `yaml:"force_kill_timeout_ms" json:"force_kill_timeout_ms"`
	CooldownMS         int  `yaml:"cooldown_ms" json:"cooldown_ms"`
	MaxRetryAttempts   int  `yaml:"max_retry_attempts" json:"max_retry_attempts"`
}

// LoggingConfig controls the Audit Log's file sink.
type LoggingConfig struct {
	FilePath       string `yaml:"file_path" json:"file_path"`
	Format         string `yaml:"format" json:"format"` // "json" | "text" | "compact"
	RotationSizeMB int    `yaml:"rotation_size_mb" json:"rotation_size_mb"`
	MaxFiles       int    `yaml:"max_files" json:"max_files"`
	IndexPath      string `yaml:"index_path" json:"index_path"`
}

// ControlAPIConfig controls the local HTTP control surface.
type ControlAPIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"` // default "127.0.0.1:8733"
	JWTSecret  string `yaml:"jwt_secret" json:"jwt_secret"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validFormats = map[string]bool{
	string(audit.FormatJSON):    true,
	string(audit.FormatText):    true,
	string(audit.FormatCompact): true,
}

// Load reads the configuration file at path (YAML or JSON, chosen by
// extension), applies defaults, and validates it, returning a typed error
// describing every validation failure found.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scanning.ScanIntervalMS == 0 {
		cfg.Scanning.ScanIntervalMS = 5000
	}
	if cfg.KillPolicy.ForceKillTimeoutMS == 0 {
		cfg.KillPolicy.ForceKillTimeoutMS = 3000
	}
	if cfg.KillPolicy.CooldownMS == 0 {
		cfg.KillPolicy.CooldownMS = 10000
	}
	if cfg.KillPolicy.MaxRetryAttempts == 0 {
		cfg.KillPolicy.MaxRetryAttempts = 3
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = string(audit.FormatJSON)
	}
	if cfg.Logging.RotationSizeMB == 0 {
		cfg.Logging.RotationSizeMB = 100
	}
	if cfg.Logging.MaxFiles == 0 {
		cfg.Logging.MaxFiles = 5
	}
	if cfg.ControlAPI.ListenAddr == "" {
		cfg.ControlAPI.ListenAddr = "127.0.0.1:8733"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.PolicyPath == "" {
		errs = append(errs, errors.New("policy_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Scanning.ScanIntervalMS < 100 {
		errs = append(errs, fmt.Errorf("scanning.scan_interval_ms must be >= 100, got %d", cfg.Scanning.ScanIntervalMS))
	}
	if cfg.KillPolicy.ForceKillTimeoutMS < 100 {
		errs = append(errs, fmt.Errorf("kill_policy.force_kill_timeout_ms must be >= 100, got %d", cfg.KillPolicy.ForceKillTimeoutMS))
	}
	if cfg.KillPolicy.MaxRetryAttempts < 0 {
		errs = append(errs, errors.New("kill_policy.max_retry_attempts must be >= 0"))
	}
	if !validFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Errorf("logging.format %q must be one of: json, text, compact", cfg.Logging.Format))
	}
	if cfg.Logging.FilePath == "" {
		errs = append(errs, errors.New("logging.file_path is required"))
	}

	return errors.Join(errs...)
}

// ScanInterval returns Scanning.ScanIntervalMS as a time.Duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Scanning.ScanIntervalMS) * time.Millisecond
}

// ForceKillTimeout returns KillPolicy.ForceKillTimeoutMS as a time.Duration.
func (c *Config) ForceKillTimeout() time.Duration {
	return time.Duration(c.KillPolicy.ForceKillTimeoutMS) * time.Millisecond
}

// Cooldown returns KillPolicy.CooldownMS as a time.Duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.KillPolicy.CooldownMS) * time.Millisecond
}
