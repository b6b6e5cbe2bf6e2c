// Package config loads forksd's daemon configuration: auth token, bind
// address, allowed origins, approval timeout, metrics address, and the
// worktree roots the Worktree Manager depends on. Grounded on the teacher's cmd viper wiring
// (SetConfigName/AddConfigPath/env override, read-then-ignore-if-missing),
// adapted from CLI-agent config to daemon config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is forksd's full runtime configuration.
type Config struct {
	// BindAddr is the address the WebSocket Gateway's HTTP server listens on.
	BindAddr string `mapstructure:"bind_addr"`

	// AuthToken is the shared secret WebSocket clients must present.
	AuthToken string `mapstructure:"auth_token"`

	// AllowedOrigins overrides gateway.DefaultAllowedOrigins when non-empty.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// WorkspacesRoot and AttemptsRoot are the two rooted directories the
	// Worktree Manager allocates under.
	WorkspacesRoot string `mapstructure:"workspaces_root"`
	AttemptsRoot   string `mapstructure:"attempts_root"`

	// ApprovalTimeout bounds how long the Approval Broker waits for a
	// response before auto-declining.
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`

	// MetricsAddr is the address the Prometheus /metrics endpoint listens
	// on; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("bind_addr", ":7337")
	v.SetDefault("auth_token", "")
	v.SetDefault("allowed_origins", []string{})
	base := ".forks"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".forks")
	}
	v.SetDefault("workspaces_root", filepath.Join(base, "workspaces"))
	v.SetDefault("attempts_root", filepath.Join(base, "attempts"))
	v.SetDefault("approval_timeout", "5m")
	v.SetDefault("metrics_addr", ":9090")
}

// Load reads forksd configuration from (in ascending precedence) defaults,
// a config file named "forksd" (yaml/json/toml, searched in cwd and
// $HOME/.forksd), and FORKSD_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetConfigName("forksd")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".forksd"))
	}

	v.SetEnvPrefix("FORKSD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.AuthToken == "" {
		return fmt.Errorf("auth_token is required (set FORKSD_AUTH_TOKEN or auth_token in forksd config)")
	}
	if c.WorkspacesRoot == "" || c.AttemptsRoot == "" {
		return fmt.Errorf("workspaces_root and attempts_root must both be set")
	}
	return nil
}
