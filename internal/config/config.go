// Package config defines Loom's configuration, loaded through viper from
// a YAML config file with LOOM_-prefixed environment overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete Loom configuration.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// BackendConfig controls the tmux backend.
type BackendConfig struct {
	// Socket is the tmux socket name Loom's sessions live on.
	Socket string `mapstructure:"socket"`
	// Width is the terminal width for new sessions.
	Width int `mapstructure:"width"`
	// Height is the terminal height for new sessions.
	Height int `mapstructure:"height"`
	// HistoryLimit is the scrollback line count for new sessions.
	HistoryLimit int `mapstructure:"history_limit"`
}

// BreakerConfig controls the circuit breaker guarding backend calls.
type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int `mapstructure:"threshold"`
	// CooldownSeconds is how long the breaker stays open before probing.
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// Cooldown returns the breaker cooldown as a duration.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// ProvisionConfig controls session provisioning retries.
type ProvisionConfig struct {
	// MaxAttempts bounds per-session attempts in the retry pass.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffBaseMs is the fallback backoff base in milliseconds.
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
}

// BackoffBase returns the backoff base as a duration.
func (p ProvisionConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMs) * time.Millisecond
}

// WorkspaceConfig controls workspace scaffolding.
type WorkspaceConfig struct {
	// DefaultRoles are the roles scaffolded into a fresh workspace, one
	// session per role.
	DefaultRoles []string `mapstructure:"default_roles"`
	// CommitName and CommitEmail, when both set, are applied as the
	// worktree-scoped commit identity of each session.
	CommitName  string `mapstructure:"commit_name"`
	CommitEmail string `mapstructure:"commit_email"`
}

// LoggingConfig controls debug logging.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Dir is the directory logs are written to. Empty means stderr.
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers default values with viper. Call before reading
// the config file so defaults apply even without one.
func SetDefaults() {
	viper.SetDefault("backend.socket", "loom")
	viper.SetDefault("backend.width", 200)
	viper.SetDefault("backend.height", 50)
	viper.SetDefault("backend.history_limit", 10000)

	viper.SetDefault("breaker.threshold", 5)
	viper.SetDefault("breaker.cooldown_seconds", 30)

	viper.SetDefault("provision.max_attempts", 3)
	viper.SetDefault("provision.backoff_base_ms", 500)

	viper.SetDefault("workspace.default_roles", []string{"builder", "reviewer"})

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", "")
}

// Load unmarshals the current viper state into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigDir returns the directory Loom's config file lives in.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "loom")
}
