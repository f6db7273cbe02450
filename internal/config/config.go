package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Git           GitConfig           `toml:"git"`
	App           AppConfig           `toml:"app"`
	Web           WebConfig           `toml:"web"`
	Reaper        ReaperConfig        `toml:"reaper"`
	Notifications NotificationsConfig `toml:"notifications"`
	Logging       LoggingConfig       `toml:"logging"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkspaceRoot string `toml:"workspace_root"`
	DatabasePath  string `toml:"database_path"` // empty disables persistence
	MaxSessions   int    `toml:"max_sessions"`  // 0 means unlimited
}

// GitConfig holds settings for repository operations
type GitConfig struct {
	Timeout      string `toml:"timeout"`
	CloneDepth   int    `toml:"clone_depth"`
	CloneRetries int    `toml:"clone_retries"`
	RetryDelay   string `toml:"retry_delay"`
}

// AppConfig describes how preview applications are built and run when the
// repository has no .pr-preview.yaml
type AppConfig struct {
	StartCommand   []string          `toml:"start_command"`
	SetupCommands  [][]string        `toml:"setup_commands"`
	Env            map[string]string `toml:"env"`
	GracePeriod    string            `toml:"grace_period"`
	BuildTimeout   string            `toml:"build_timeout"`
	LogCapacity    int               `toml:"log_capacity"`
	UsePTY         bool              `toml:"use_pty"`
	StopOnShutdown bool              `toml:"stop_on_shutdown"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ReaperConfig controls scheduled removal of finished sessions
type ReaperConfig struct {
	Schedule string `toml:"schedule"` // cron expression, empty disables
	TTL      string `toml:"ttl"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			WorkspaceRoot: filepath.Join(home, ".pr-preview", "workspaces"),
			DatabasePath:  filepath.Join(home, ".pr-preview", "sessions.db"),
			MaxSessions:   0,
		},
		Git: GitConfig{
			Timeout:      "5m",
			CloneDepth:   0,
			CloneRetries: 0,
			RetryDelay:   "2s",
		},
		App: AppConfig{
			StartCommand: []string{"npm", "run", "dev"},
			GracePeriod:  "5s",
			BuildTimeout: "10m",
			LogCapacity:  5000,
		},
		Web: WebConfig{
			Port: 8090,
			Host: "127.0.0.1",
		},
		Reaper: ReaperConfig{
			Schedule: "@every 1h",
			TTL:      "24h",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks durations, ranges and the reaper schedule
func (c *Config) Validate() error {
	if c.General.WorkspaceRoot == "" {
		return fmt.Errorf("general.workspace_root must be set")
	}
	if c.General.MaxSessions < 0 {
		return fmt.Errorf("general.max_sessions must not be negative")
	}
	if c.Git.CloneDepth < 0 {
		return fmt.Errorf("git.clone_depth must not be negative")
	}
	if c.Git.CloneRetries < 0 {
		return fmt.Errorf("git.clone_retries must not be negative")
	}
	for name, value := range map[string]string{
		"git.timeout":       c.Git.Timeout,
		"git.retry_delay":   c.Git.RetryDelay,
		"app.grace_period":  c.App.GracePeriod,
		"app.build_timeout": c.App.BuildTimeout,
		"reaper.ttl":        c.Reaper.TTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Reaper.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reaper.Schedule); err != nil {
			return fmt.Errorf("reaper.schedule: %w", err)
		}
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// GitTimeout returns git.timeout
func (c *Config) GitTimeout() time.Duration { return durationOr(c.Git.Timeout, 5*time.Minute) }

// RetryDelay returns git.retry_delay
func (c *Config) RetryDelay() time.Duration { return durationOr(c.Git.RetryDelay, 2*time.Second) }

// GracePeriod returns app.grace_period
func (c *Config) GracePeriod() time.Duration { return durationOr(c.App.GracePeriod, 5*time.Second) }

// BuildTimeout returns app.build_timeout
func (c *Config) BuildTimeout() time.Duration { return durationOr(c.App.BuildTimeout, 10*time.Minute) }

// ReaperTTL returns reaper.ttl
func (c *Config) ReaperTTL() time.Duration { return durationOr(c.Reaper.TTL, 24*time.Hour) }

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pr-preview", "config.toml")
}
