// Package config holds the daemon configuration: workspace location, engine
// settings, logging, and telemetry. Config files are JSON5 so hand-edited
// files may carry comments and trailing commas.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration for the opennova daemon.
type Config struct {
	// Workspace is the root directory owned by this daemon process.
	Workspace string `json:"workspace"`

	// Port is the port channel adapters connect to; recorded in the
	// daemon file for external supervisors.
	Port int `json:"port"`

	// DefaultTrust applies to agents whose definition omits trust.
	DefaultTrust string `json:"default_trust"`

	// Timezone overrides the process timezone for prompt context and cron
	// evaluation. Empty = time.Local.
	Timezone string `json:"timezone,omitempty"`

	Engine    EngineConfig    `json:"engine"`
	Log       LogConfig       `json:"log,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// EngineConfig configures the generative engine adapter.
// APIKey is NEVER read from the config file (secret), env only:
// OPENNOVA_ANTHROPIC_API_KEY, falling back to ANTHROPIC_API_KEY.
type EngineConfig struct {
	Model        string `json:"model"`
	TitleModel   string `json:"title_model,omitempty"` // small model for thread titles
	MaxTurns     int    `json:"max_turns"`
	MaxTokens    int    `json:"max_tokens"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
	APIKey       string `json:"-"`
}

// LogConfig configures the rotating file log.
type LogConfig struct {
	File     string `json:"file,omitempty"` // empty = stdout only
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // host:port; empty = disabled
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace:    "~/.opennova/workspace",
		Port:         18920,
		DefaultTrust: "sandbox",
		Engine: EngineConfig{
			Model:        "claude-sonnet-4-5-20250929",
			TitleModel:   "claude-haiku-4-5-20251001",
			MaxTurns:     20,
			MaxTokens:    8192,
			RateLimitRPM: 20,
		},
		Log: LogConfig{
			MaxBytes: 5 << 20,
		},
	}
}

// Location resolves the configured timezone, falling back to the process
// local zone on empty or invalid values.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// WorkspaceDir returns the absolute, home-expanded workspace root.
func (c *Config) WorkspaceDir() string {
	ws := ExpandHome(c.Workspace)
	if !filepath.IsAbs(ws) {
		if abs, err := filepath.Abs(ws); err == nil {
			ws = abs
		}
	}
	return ws
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.DefaultTrust {
	case "sandbox", "controlled", "unrestricted":
	default:
		return fmt.Errorf("config: invalid default_trust %q", c.DefaultTrust)
	}
	if c.Workspace == "" {
		return fmt.Errorf("config: workspace is required")
	}
	if c.Engine.MaxTurns <= 0 {
		return fmt.Errorf("config: engine.max_turns must be positive")
	}
	return nil
}
