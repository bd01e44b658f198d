package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns run-specific working directories under a common root. Each
// pipeline run gets a fresh source checkout directory and a separate config
// repository directory.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Prepare creates an isolated directory for the provided run identifier.
func (m *Manager) Prepare(runID string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// SourceDir returns the source checkout directory inside a run workspace.
func SourceDir(workdir string) string {
	return filepath.Join(workdir, "src")
}

// ConfigDir returns the config repository directory inside a run workspace.
func ConfigDir(workdir string) string {
	return filepath.Join(workdir, "config")
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided run.
func (m *Manager) CleanupByID(runID string) error {
	if runID == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, runID))
}
