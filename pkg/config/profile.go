package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModeProfile is a deployment-specific fail-mode matrix loaded from YAML.
// Profile entries behave exactly like the corresponding environment variable
// overrides; env vars still win when both are present.
type ModeProfile struct {
	Name  string            `yaml:"name" json:"name"`
	Modes map[string]string `yaml:"modes" json:"modes"`
}

// LoadModeProfile reads a mode profile file and folds it into cfg's
// overrides, without clobbering overrides already set from env.
func LoadModeProfile(cfg *Config, path string) (*ModeProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mode profile: %w", err)
	}

	var profile ModeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse mode profile: %w", err)
	}

	for key, mode := range profile.Modes {
		key = strings.ToLower(key)
		mode = strings.ToUpper(mode)
		switch mode {
		case "SHADOW", "SOFT", "HARD":
		default:
			return nil, fmt.Errorf("config: mode profile %q: invalid mode %q for %q", profile.Name, mode, key)
		}
		if _, set := cfg.ModeOverrides[key]; !set {
			cfg.ModeOverrides[key] = mode
		}
	}
	return &profile, nil
}
