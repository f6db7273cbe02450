package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Web.Port != 8090 {
		t.Errorf("Web.Port = %d, want 8090", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Git.CloneRetries != 0 {
		t.Errorf("Git.CloneRetries = %d, want 0", cfg.Git.CloneRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.LogCapacity != 5000 {
		t.Errorf("LogCapacity = %d, want 5000", cfg.App.LogCapacity)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
workspace_root = "/srv/previews"
max_sessions = 4

[git]
timeout = "90s"
clone_depth = 1

[app]
start_command = ["yarn", "dev"]
setup_commands = [["yarn", "install"]]
grace_period = "3s"

[app.env]
PORT = "3000"

[web]
port = 9000

[logging]
format = "json"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkspaceRoot != "/srv/previews" {
		t.Errorf("WorkspaceRoot = %q, want /srv/previews", cfg.General.WorkspaceRoot)
	}
	if cfg.General.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d, want 4", cfg.General.MaxSessions)
	}
	if cfg.GitTimeout() != 90*time.Second {
		t.Errorf("GitTimeout = %v, want 90s", cfg.GitTimeout())
	}
	if cfg.Git.CloneDepth != 1 {
		t.Errorf("CloneDepth = %d, want 1", cfg.Git.CloneDepth)
	}
	if strings.Join(cfg.App.StartCommand, " ") != "yarn dev" {
		t.Errorf("StartCommand = %v, want [yarn dev]", cfg.App.StartCommand)
	}
	if len(cfg.App.SetupCommands) != 1 || cfg.App.SetupCommands[0][1] != "install" {
		t.Errorf("SetupCommands = %v", cfg.App.SetupCommands)
	}
	if cfg.App.Env["PORT"] != "3000" {
		t.Errorf("Env[PORT] = %q, want 3000", cfg.App.Env["PORT"])
	}
	if cfg.GracePeriod() != 3*time.Second {
		t.Errorf("GracePeriod = %v, want 3s", cfg.GracePeriod())
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// untouched sections keep their defaults
	if cfg.BuildTimeout() != 10*time.Minute {
		t.Errorf("BuildTimeout = %v, want 10m", cfg.BuildTimeout())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", "[git]\ntimeout = \"soon\"\n"},
		{"bad schedule", "[reaper]\nschedule = \"every tuesday\"\n"},
		{"negative sessions", "[general]\nmax_sessions = -1\n"},
		{"bad format", "[logging]\nformat = \"xml\"\n"},
		{"bad toml", "[general\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load succeeded, want error")
			}
		})
	}
}

func TestDurations_FallBack(t *testing.T) {
	cfg := Default()
	cfg.Git.Timeout = ""
	cfg.Reaper.TTL = "-1h"

	if cfg.GitTimeout() != 5*time.Minute {
		t.Errorf("GitTimeout = %v, want 5m", cfg.GitTimeout())
	}
	if cfg.ReaperTTL() != 24*time.Hour {
		t.Errorf("ReaperTTL = %v, want 24h", cfg.ReaperTTL())
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if !strings.HasSuffix(DefaultConfigPath(), filepath.Join("pr-preview", "config.toml")) {
		t.Errorf("DefaultConfigPath = %q", DefaultConfigPath())
	}
}
