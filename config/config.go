// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the broker core.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Log         LogConfig         `yaml:"log"`
	Worker      WorkerConfig      `yaml:"worker"`
	Session     SessionConfig     `yaml:"session"`
	Auth        AuthConfig        `yaml:"auth"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// StorageConfig selects and configures the durable-state backend.
type StorageConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WorkerConfig configures the worker-thread runtime.
type WorkerConfig struct {
	// Count is the number of pinned worker goroutines. 0 means
	// runtime.NumCPU().
	Count                  int           `yaml:"count"`
	KeepAliveCheckInterval time.Duration `yaml:"keep_alive_check_interval"`
}

// SessionConfig configures session lifetime and delivery behavior.
type SessionConfig struct {
	MaxInFlight         int           `yaml:"max_in_flight"`
	ExpireSessionsAfter time.Duration `yaml:"expire_sessions_after"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

// AuthConfig configures the credential store and external provider.
type AuthConfig struct {
	PasswordFile     string        `yaml:"password_file"`
	AllowAnonymous   bool          `yaml:"allow_anonymous"`
	SerializeInit    bool          `yaml:"serialize_init"`
	SerializeChecks  bool          `yaml:"serialize_checks"`
	ReloadInterval   time.Duration `yaml:"reload_interval"`
	ProviderLoginURL string        `yaml:"provider_login_url"`
	ProviderACLURL   string        `yaml:"provider_acl_url"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
}

// PersistenceConfig configures retained/session snapshotting.
type PersistenceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	RetainedPath string        `yaml:"retained_path"`
	SessionsPath string        `yaml:"sessions_path"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/var/lib/wavemq/badger",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			Count:                  0,
			KeepAliveCheckInterval: time.Second,
		},
		Session: SessionConfig{
			MaxInFlight:         20,
			ExpireSessionsAfter: 0, // disabled by default
			ExpirySweepInterval: time.Second,
		},
		Auth: AuthConfig{
			AllowAnonymous:  false,
			SerializeInit:   false,
			SerializeChecks: false,
			ReloadInterval:  0, // disabled by default
			ProviderTimeout: 5 * time.Second,
		},
		Persistence: PersistenceConfig{
			Enabled:      false,
			RetainedPath: "/var/lib/wavemq/retained.snap",
			SessionsPath: "/var/lib/wavemq/sessions.snap",
			SaveInterval: 30 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist,
// it returns the default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count cannot be negative")
	}

	if c.Session.MaxInFlight < 1 {
		return fmt.Errorf("session.max_in_flight must be at least 1")
	}

	// No password_file, no provider, and allow_anonymous=false is valid:
	// CredentialStore.Check and Facade.Login both treat "nothing
	// configured" as fail-open (Success), regardless of allow_anonymous.

	if c.Persistence.Enabled {
		if c.Persistence.RetainedPath == "" {
			return fmt.Errorf("persistence.retained_path required when persistence is enabled")
		}
		if c.Persistence.SessionsPath == "" {
			return fmt.Errorf("persistence.sessions_path required when persistence is enabled")
		}
		if c.Persistence.SaveInterval < time.Second {
			return fmt.Errorf("persistence.save_interval must be at least 1 second")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}
