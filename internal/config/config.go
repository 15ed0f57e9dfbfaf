// Package config reads and writes the global chatsync configuration.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// GatewayConfig selects and locates the data gateway.
type GatewayConfig struct {
	// Mode is "local" (embedded sqlite) or "remote" (hosted service).
	Mode string `toml:"mode"`
	// Path is the sqlite file for local mode; empty means the profile
	// default.
	Path string `toml:"path"`
	// URL is the hosted service root for remote mode.
	URL string `toml:"url"`
	// APIKey authenticates against the hosted service.
	APIKey string `toml:"api_key"`
}

// Config represents ~/.chatsync/config.toml.
type Config struct {
	// DefaultProfile names the profile used when no --profile flag is given.
	DefaultProfile string `toml:"default_profile"`
	// UserID is the identity the engine syncs for.
	UserID  string        `toml:"user_id"`
	Gateway GatewayConfig `toml:"gateway"`
}

// Load reads config from path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "local"
	}
	return &cfg, nil
}

// Save writes config to path with restrictive permissions, creating
// parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
