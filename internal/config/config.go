// Package config defines the codev configuration, loaded via viper from
// ~/.codev/codev.yaml, the project's .codev/codev.yaml, or CODEV_* env vars.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete codev configuration.
type Config struct {
	Ports     PortsConfig     `mapstructure:"ports"`
	Session   SessionConfig   `mapstructure:"session"`
	Branch    BranchConfig    `mapstructure:"branch"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// PortsConfig controls base-port block allocation.
type PortsConfig struct {
	// BaseStart is the first base port considered when assigning a block
	// to a new project instance (default: 14000).
	BaseStart int `mapstructure:"base_start"`
	// BlockSize is the number of ports reserved per project instance.
	// Sub-ranges are fixed offsets within the block (default: 100).
	BlockSize int `mapstructure:"block_size"`
}

// SessionConfig controls session process behavior.
type SessionConfig struct {
	// GracefulStopMs is how long to wait after SIGTERM before escalating
	// to SIGKILL (default: 500).
	GracefulStopMs int `mapstructure:"graceful_stop_ms"`
	// ReadyTimeoutMs is how long to wait for a spawned terminal server to
	// accept connections before tearing it down (default: 5000).
	ReadyTimeoutMs int `mapstructure:"ready_timeout_ms"`
	// TtydCommand is the terminal-serving binary (default: "ttyd").
	TtydCommand string `mapstructure:"ttyd_command"`
	// TtydTheme is a JSON theme string passed to ttyd (optional).
	TtydTheme string `mapstructure:"ttyd_theme"`
}

// BranchConfig controls branch naming conventions.
type BranchConfig struct {
	// Prefix is the branch name prefix for builder branches (default: "codev").
	// Branches are named <prefix>/<builder-id>.
	Prefix string `mapstructure:"prefix"`
}

// DashboardConfig controls the dashboard state server.
type DashboardConfig struct {
	// MaxTabs is the maximum number of concurrent dashboard tabs across all
	// kinds combined; a DoS guard, not a scheduling limit (default: 24).
	MaxTabs int `mapstructure:"max_tabs"`
	// RateLimitPerSec caps requests per second per endpoint group (default: 20).
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
}

// AgentConfig controls the AI agent CLI being orchestrated.
type AgentConfig struct {
	// Command is the agent executable (default: "claude").
	Command string `mapstructure:"command"`
	// RoleFile is the project-local role definition that overrides the
	// bundled default (default: ".codev/role.md").
	RoleFile string `mapstructure:"role_file"`
	// NoRole disables role injection entirely.
	NoRole bool `mapstructure:"no_role"`
	// SharedConfigFile is the untracked config file symlinked into each new
	// worktree (default: ".env").
	SharedConfigFile string `mapstructure:"shared_config_file"`
}

// CleanupConfig controls worktree cleanup behavior.
type CleanupConfig struct {
	// ScaffoldIgnore lists glob patterns for files the tool itself writes
	// into worktrees. Matches are not counted as uncommitted changes.
	ScaffoldIgnore []string `mapstructure:"scaffold_ignore"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (default: INFO).
	Level string `mapstructure:"level"`
}

// SetDefaults registers default values with viper. Call before reading config.
func SetDefaults() {
	viper.SetDefault("ports.base_start", 14000)
	viper.SetDefault("ports.block_size", 100)
	viper.SetDefault("session.graceful_stop_ms", 500)
	viper.SetDefault("session.ready_timeout_ms", 5000)
	viper.SetDefault("session.ttyd_command", "ttyd")
	viper.SetDefault("session.ttyd_theme", "")
	viper.SetDefault("branch.prefix", "codev")
	viper.SetDefault("dashboard.max_tabs", 24)
	viper.SetDefault("dashboard.rate_limit_per_sec", 20.0)
	viper.SetDefault("agent.command", "claude")
	viper.SetDefault("agent.role_file", filepath.Join(ProjectDirName, "role.md"))
	viper.SetDefault("agent.no_role", false)
	viper.SetDefault("agent.shared_config_file", ".env")
	viper.SetDefault("cleanup.scaffold_ignore", []string{".codev/**", "*.codev-prompt.md"})
	viper.SetDefault("logging.level", "INFO")
}

// Load unmarshals the current viper state into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ScaffoldGlobs returns the scaffold-ignore patterns plus the shared config
// file the tool symlinks into every worktree. The symlink shows up in git
// status as an untracked file, but it is the tool's own artifact and must not
// count as a real uncommitted change.
func (c *Config) ScaffoldGlobs() []string {
	globs := append([]string(nil), c.Cleanup.ScaffoldIgnore...)
	if f := c.Agent.SharedConfigFile; f != "" {
		globs = append(globs, f)
	}
	return globs
}

// GracefulStopTimeout returns the graceful stop window as a duration.
func (c *Config) GracefulStopTimeout() time.Duration {
	return time.Duration(c.Session.GracefulStopMs) * time.Millisecond
}

// ReadyTimeout returns the server-ready wait window as a duration.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.Session.ReadyTimeoutMs) * time.Millisecond
}
