// Package config loads enclave and host configuration from YAML files,
// optional .env files and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigDir is the default directory searched for service configuration files.
const ConfigDir = "config"

type validator interface {
	Validate() error
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored and variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", p, err)
		}
	}
	return nil
}

// loadFromPath fills cfg from the YAML file at path (if any), then applies
// environment overrides and validates the result.
func loadFromPath(path string, cfg validator) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg.Validate()
}

// defaultPath returns config/<name>.yaml when it exists, otherwise "".
func defaultPath(name string) string {
	p := filepath.Join(ConfigDir, name+".yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
