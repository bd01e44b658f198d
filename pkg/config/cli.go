package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// CLIConfig holds the operator CLI session: which control plane to talk to
// and the bearer tokens obtained at login.
type CLIConfig struct {
	APIBaseURL   string `toml:"api_base_url"`
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
}

// DefaultCLIConfigPath returns the default location of the CLI config file.
func DefaultCLIConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".conveyor.toml")
}

// LoadCLIConfig reads the CLI config from the given TOML file path. A missing
// file yields an empty config without error. Environment variables take
// precedence over file values:
//   - CONVEYOR_API_URL overrides api_base_url
//   - CONVEYOR_TOKEN   overrides access_token
func LoadCLIConfig(path string) (CLIConfig, error) {
	var cfg CLIConfig
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return CLIConfig{}, err
		}
	}
	if v := os.Getenv("CONVEYOR_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("CONVEYOR_TOKEN"); v != "" {
		cfg.AccessToken = v
	}
	return cfg, nil
}

// SaveCLIConfig writes cfg to the given TOML file path, creating parent
// directories as needed. The file is written with 0600 permissions since it
// carries the session token.
func SaveCLIConfig(path string, cfg CLIConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	if encErr := toml.NewEncoder(f).Encode(cfg); encErr != nil {
		f.Close()
		return encErr
	}
	return f.Close()
}
