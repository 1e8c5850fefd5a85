package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// Load reads a JSON5 config file and overlays it on Default(). A missing file
// is not an error: defaults apply. Engine secrets come from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Engine.APIKey = os.Getenv("OPENNOVA_ANTHROPIC_API_KEY")
	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
