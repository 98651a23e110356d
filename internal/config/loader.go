package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration file looked up in the working and home directories.
const DefaultConfigFile = ".atlasprobe.yaml"

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// LoadFile merges the YAML file at path over cfg.
// Keys missing from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided config path is intentional
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// FindConfigFile returns explicit if it is set, otherwise the first
// .atlasprobe.yaml found in the working directory or the home directory.
// An empty result means no file applies.
func FindConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, DefaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, DefaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// Load builds the effective configuration: defaults, then the config file,
// then the environment. Command-line flags are applied by the caller.
func Load(explicitPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if path := FindConfigFile(explicitPath); path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	return cfg, nil
}
