package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/conveyorci/conveyor/pkg/config"
)

func TestLoadCLIConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "conveyor.toml")
	content := `
api_base_url = "https://conveyor.example.com"
access_token = "token-from-file"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadCLIConfig(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "https://conveyor.example.com" {
		t.Errorf("expected base URL from file, got %q", cfg.APIBaseURL)
	}
	if cfg.AccessToken != "token-from-file" {
		t.Errorf("expected token from file, got %q", cfg.AccessToken)
	}
}

func TestLoadCLIConfigEnvVarsTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "conveyor.toml")
	content := `
api_base_url = "https://file.example.com"
access_token = "token-from-file"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONVEYOR_API_URL", "https://env.example.com")
	t.Setenv("CONVEYOR_TOKEN", "token-from-env")

	cfg, err := config.LoadCLIConfig(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "https://env.example.com" {
		t.Errorf("expected base URL from env, got %q", cfg.APIBaseURL)
	}
	if cfg.AccessToken != "token-from-env" {
		t.Errorf("expected token from env, got %q", cfg.AccessToken)
	}
}

func TestLoadCLIConfigMissingFileIsNotError(t *testing.T) {
	t.Setenv("CONVEYOR_API_URL", "")
	t.Setenv("CONVEYOR_TOKEN", "env-only-token")

	cfg, err := config.LoadCLIConfig("/nonexistent/path/conveyor.toml")
	if err != nil {
		t.Fatalf("missing file should not be an error, got: %v", err)
	}
	if cfg.APIBaseURL != "" {
		t.Errorf("expected empty base URL, got %q", cfg.APIBaseURL)
	}
	if cfg.AccessToken != "env-only-token" {
		t.Errorf("expected token from env, got %q", cfg.AccessToken)
	}
}

func TestSaveCLIConfigRoundTrip(t *testing.T) {
	t.Setenv("CONVEYOR_API_URL", "")
	t.Setenv("CONVEYOR_TOKEN", "")

	dir := t.TempDir()
	configPath := filepath.Join(dir, "nested", "conveyor.toml")

	want := config.CLIConfig{
		APIBaseURL:   "https://conveyor.example.com",
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
	}
	if err := config.SaveCLIConfig(configPath, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("stat saved config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %o", perm)
	}

	got, err := config.LoadCLIConfig(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v want %+v", got, want)
	}
}
