package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENNOVA_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 18920 || cfg.DefaultTrust != "sandbox" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Engine.MaxTurns != 20 || cfg.Engine.MaxTokens != 8192 {
		t.Errorf("engine defaults = %+v", cfg.Engine)
	}
}

func TestLoadOverlaysJSON5(t *testing.T) {
	t.Setenv("OPENNOVA_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
  // hand-edited, with comments and a trailing comma
  workspace: "/srv/nova",
  default_trust: "controlled",
  engine: {
    model: "claude-opus-4-5-20251101",
    max_turns: 12,
  },
}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace != "/srv/nova" || cfg.DefaultTrust != "controlled" {
		t.Errorf("overlay = %+v", cfg)
	}
	if cfg.Engine.Model != "claude-opus-4-5-20251101" || cfg.Engine.MaxTurns != 12 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	// Unset fields keep their defaults.
	if cfg.Port != 18920 || cfg.Engine.MaxTokens != 8192 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestAPIKeyComesFromEnvironmentOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{engine: {api_key: "from-file"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENNOVA_ANTHROPIC_API_KEY", "primary")
	t.Setenv("ANTHROPIC_API_KEY", "fallback")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.APIKey != "primary" {
		t.Errorf("api key = %q, want env to win", cfg.Engine.APIKey)
	}

	t.Setenv("OPENNOVA_ANTHROPIC_API_KEY", "")
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.APIKey != "fallback" {
		t.Errorf("api key = %q, want fallback env var", cfg.Engine.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad trust", func(c *Config) { c.DefaultTrust = "root" }, false},
		{"empty workspace", func(c *Config) { c.Workspace = "" }, false},
		{"zero max turns", func(c *Config) { c.Engine.MaxTurns = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	if cfg.Location() != time.Local {
		t.Error("empty timezone should be local")
	}
	cfg.Timezone = "Europe/Helsinki"
	if cfg.Location().String() != "Europe/Helsinki" {
		t.Errorf("location = %v", cfg.Location())
	}
	cfg.Timezone = "Nowhere/Special"
	if cfg.Location() != time.Local {
		t.Error("invalid timezone should fall back to local")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/workspace"); got != filepath.Join(home, "workspace") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandHome mangled absolute path: %q", got)
	}
}
