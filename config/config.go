// Package config reads the static boot configuration: file paths for the
// local settings retry-queue and backup, and the optional cloud-mirror
// destination. Everything that changes at runtime (power limit, profile,
// priority list) lives in store.Settings instead of here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// CloudMirrorConfig configures the optional diagnostic mirror to a hosted
// Postgres table. The anon/user keys are never read from the file, only
// from environment variables.
type CloudMirrorConfig struct {
	Enabled          bool   `json:"enabled"`
	Url              string `json:"url"`
	Schema           string `json:"schema"`
	Table            string `json:"table"`
	PushIntervalSecs int    `json:"pushIntervalSecs"`
}

// StoreConfig configures the local persistence layer: the sqlite-backed
// write-retry queue and the JSON file backup of the last-known Settings.
type StoreConfig struct {
	DbPath     string `json:"dbPath"`
	BackupPath string `json:"backupPath"`
}

// Config is the full static boot configuration read from disk at startup.
type Config struct {
	Store       StoreConfig       `json:"store"`
	CloudMirror CloudMirrorConfig `json:"cloudMirror"`
}

// Read loads Config from a JSON file at path.
func Read(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.DbPath == "" {
		cfg.Store.DbPath = "./powerguard-store.db"
	}
	if cfg.Store.BackupPath == "" {
		cfg.Store.BackupPath = "./powerguard-settings-backup.json"
	}
	if cfg.CloudMirror.PushIntervalSecs == 0 {
		cfg.CloudMirror.PushIntervalSecs = 60
	}

	return cfg, nil
}

// CloudMirrorAnonKey reads the cloud-mirror anon key from its environment
// variable. API secrets never live in the config file.
func CloudMirrorAnonKey() string {
	return os.Getenv("POWERGUARD_CLOUD_ANON_KEY")
}

// CloudMirrorUserKey reads the cloud-mirror service key from its environment
// variable.
func CloudMirrorUserKey() string {
	return os.Getenv("POWERGUARD_CLOUD_USER_KEY")
}
