// Package config loads the operator-facing configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed configuration with defaults applied.
type Config struct {
	DBPath        string
	BackupKeep    int
	PruneInterval time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	LeaseTTL      time.Duration
	AlertURL      string
}

type fileConfig struct {
	DBPath        string `yaml:"db_path"`
	BackupKeep    int    `yaml:"backup_keep"`
	PruneInterval string `yaml:"prune_interval"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryBackoff  string `yaml:"retry_backoff"`
	LeaseTTL      string `yaml:"lease_ttl"`
	AlertURL      string `yaml:"alert_url"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DBPath:        "tickstore.db",
		BackupKeep:    5,
		PruneInterval: time.Hour,
		RetryAttempts: 5,
		RetryBackoff:  500 * time.Millisecond,
		LeaseTTL:      5 * time.Minute,
	}
}

// Load reads the YAML file at path on top of the defaults. A missing file
// is not an error; an empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.BackupKeep > 0 {
		cfg.BackupKeep = fc.BackupKeep
	}
	if fc.RetryAttempts > 0 {
		cfg.RetryAttempts = fc.RetryAttempts
	}
	if fc.AlertURL != "" {
		cfg.AlertURL = fc.AlertURL
	}
	if err := setDuration(&cfg.PruneInterval, fc.PruneInterval, "prune_interval"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.RetryBackoff, fc.RetryBackoff, "retry_backoff"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.LeaseTTL, fc.LeaseTTL, "lease_ttl"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDuration(dst *time.Duration, raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}
