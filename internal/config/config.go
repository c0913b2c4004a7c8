// Package config handles configuration loading for the oompa swarm.
// It supports XDG config paths, project-level overrides, and environment
// variables. A malformed configuration aborts the swarm before any task
// is processed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a swarm run.
type Config struct {
	Workers int           `mapstructure:"workers" yaml:"workers"`
	Trunk   string        `mapstructure:"trunk" yaml:"trunk"`
	Pool    PoolConfig    `mapstructure:"pool" yaml:"pool"`
	Review  ReviewConfig  `mapstructure:"review" yaml:"review"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Merge   MergeConfig   `mapstructure:"merge" yaml:"merge"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
}

// PoolConfig holds sandbox pool settings.
type PoolConfig struct {
	// Capacity is the maximum number of sandboxes. Zero means one per worker.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// Policy selects the behavior when the pool is saturated:
	// "block" waits indefinitely, "wait" waits up to AcquireTimeout,
	// "fail" fails the acquisition immediately.
	Policy string `mapstructure:"policy" yaml:"policy"`
	// AcquireTimeout bounds the wait under the "wait" policy.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	// BaseDir is where worktrees are created. Defaults to the XDG cache dir.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ReviewConfig holds propose/review loop settings.
type ReviewConfig struct {
	// MaxAttempts caps propose/review rounds per iteration.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// BackendConfig holds proposer/reviewer backend settings.
type BackendConfig struct {
	// Mode selects the backend: "cli" (subprocess) or "api" (Anthropic API).
	Mode string `mapstructure:"mode" yaml:"mode"`
	// Binary is the CLI binary for mode=cli.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Model is the model name for mode=api.
	Model string `mapstructure:"model" yaml:"model"`
	// APIKey is the Anthropic API key for mode=api.
	APIKey string `mapstructure:"api_key" yaml:"-"`
	// UseBedrock routes API calls through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	// AWSRegion is the Bedrock region.
	AWSRegion string `mapstructure:"aws_region" yaml:"aws_region,omitempty"`
	// AWSProfile is the optional AWS profile name.
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile,omitempty"`
	// Timeout bounds a single proposer or reviewer invocation.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MergeConfig holds merge coordinator settings.
type MergeConfig struct {
	// Strategy selects how approved branches land on trunk:
	// "ff-only", "merge-commit", "squash", or "rebase-ff".
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
	// Verification selects "smoke" or "full" post-rebase verification.
	Verification string `mapstructure:"verification" yaml:"verification"`
	// SmokeCommand is the shell command run for smoke verification.
	SmokeCommand string `mapstructure:"smoke_command" yaml:"smoke_command"`
	// FullCommand is the shell command run for full verification.
	FullCommand string `mapstructure:"full_command" yaml:"full_command"`
	// VerifyTimeout bounds a verification run.
	VerifyTimeout time.Duration `mapstructure:"verify_timeout" yaml:"verify_timeout"`
}

// StoreConfig holds task store settings.
type StoreConfig struct {
	// Backend selects the store: "fs" (directory moves) or "sqlite".
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// knownPoolPolicies lists the valid pool saturation policies.
var knownPoolPolicies = map[string]bool{"block": true, "wait": true, "fail": true}

// knownMergeStrategies lists the valid merge strategies.
var knownMergeStrategies = map[string]bool{
	"ff-only": true, "merge-commit": true, "squash": true, "rebase-ff": true,
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//  1. Environment variables (OOMPA_*, ANTHROPIC_API_KEY)
//  2. Project config (.oompa.yaml in current directory or parent)
//  3. User config (~/.config/oompa/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	v.SetEnvPrefix("OOMPA")
	v.AutomaticEnv()
	v.BindEnv("backend.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Backend.APIKey = os.ExpandEnv(cfg.Backend.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the swarm cannot safely start with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Review.MaxAttempts < 1 {
		return fmt.Errorf("review.max_attempts must be at least 1, got %d", c.Review.MaxAttempts)
	}
	if !knownPoolPolicies[c.Pool.Policy] {
		return fmt.Errorf("pool.policy must be one of block, wait, fail; got %q", c.Pool.Policy)
	}
	if c.Pool.Policy == "wait" && c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive under the wait policy")
	}
	if !knownMergeStrategies[c.Merge.Strategy] {
		return fmt.Errorf("merge.strategy must be one of ff-only, merge-commit, squash, rebase-ff; got %q", c.Merge.Strategy)
	}
	if c.Merge.Verification != "smoke" && c.Merge.Verification != "full" {
		return fmt.Errorf("merge.verification must be smoke or full, got %q", c.Merge.Verification)
	}
	if c.Backend.Mode != "cli" && c.Backend.Mode != "api" {
		return fmt.Errorf("backend.mode must be cli or api, got %q", c.Backend.Mode)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be positive")
	}
	if c.Store.Backend != "fs" && c.Store.Backend != "sqlite" {
		return fmt.Errorf("store.backend must be fs or sqlite, got %q", c.Store.Backend)
	}
	return nil
}

// Snapshot serializes the configuration as YAML for the started event.
// Secrets are excluded by yaml tags.
func (c *Config) Snapshot() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	return string(out), nil
}

// Default returns a Config with built-in default values.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	// Defaults cannot fail to unmarshal; guarded by tests.
	_ = v.Unmarshal(cfg)
	return cfg
}

// setDefaults configures built-in default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", 3)
	v.SetDefault("trunk", "main")

	v.SetDefault("pool.capacity", 0)
	v.SetDefault("pool.policy", "wait")
	v.SetDefault("pool.acquire_timeout", "2m")
	v.SetDefault("pool.base_dir", "")

	v.SetDefault("review.max_attempts", 3)

	v.SetDefault("backend.mode", "cli")
	v.SetDefault("backend.binary", "claude")
	v.SetDefault("backend.model", "")
	v.SetDefault("backend.timeout", "15m")
	v.SetDefault("backend.use_bedrock", false)

	v.SetDefault("merge.strategy", "merge-commit")
	v.SetDefault("merge.verification", "smoke")
	v.SetDefault("merge.smoke_command", "")
	v.SetDefault("merge.full_command", "")
	v.SetDefault("merge.verify_timeout", "10m")

	v.SetDefault("store.backend", "fs")
}

// userConfigDir returns the XDG config directory for oompa.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "oompa")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "oompa")
	}
	return filepath.Join(home, ".config", "oompa")
}

// findProjectConfig searches for .oompa.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".oompa.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}
