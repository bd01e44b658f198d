package configstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyorci/conveyor/internal/runner/git"
)

// repoOps abstracts the git operations GitStore depends on.
type repoOps interface {
	CloneBranch(ctx context.Context, repoURL, branch, dest string) error
	ResetToRemote(ctx context.Context, dir, branch string) error
	HeadRevision(ctx context.Context, dir string) (string, error)
	CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error)
	PushWithLease(ctx context.Context, dir, branch, expectedRev string) error
}

type cliOps struct{}

func (cliOps) CloneBranch(ctx context.Context, repoURL, branch, dest string) error {
	return git.CloneBranch(ctx, repoURL, branch, dest)
}

func (cliOps) ResetToRemote(ctx context.Context, dir, branch string) error {
	return git.ResetToRemote(ctx, dir, branch)
}

func (cliOps) HeadRevision(ctx context.Context, dir string) (string, error) {
	return git.HeadRevision(ctx, dir)
}

func (cliOps) CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	return git.CommitAll(ctx, dir, message, authorName, authorEmail)
}

func (cliOps) PushWithLease(ctx context.Context, dir, branch, expectedRev string) error {
	return git.PushWithLease(ctx, dir, branch, expectedRev)
}

// GitConfig describes the repository a GitStore operates on.
type GitConfig struct {
	RepoURL     string
	Branch      string
	Dir         string
	AuthorName  string
	AuthorEmail string

	// Attempts bounds the Update read-transform-write loop.
	Attempts   int
	RetryDelay time.Duration
}

// GitStore implements Store on top of a git working copy. Conditional writes
// rely on a push lease against the expected revision, so the remote is the
// arbiter of conflicts even when several runners share the repository.
type GitStore struct {
	ops    repoOps
	cfg    GitConfig
	mu     sync.Mutex
	cloned bool
}

var _ Store = (*GitStore)(nil)

// NewGitStore creates a Store backed by a clone of cfg.RepoURL at cfg.Dir.
func NewGitStore(cfg GitConfig) *GitStore {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &GitStore{ops: cliOps{}, cfg: cfg}
}

// Read returns the file content at path and the head revision it came from.
func (s *GitStore) Read(ctx context.Context, path string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.sync(ctx)
	if err != nil {
		return nil, "", err
	}
	resolved, err := s.resolve(path)
	if err != nil {
		return nil, "", err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return content, head, nil
}

// Write commits content at path and pushes it with a lease against
// expectedRevision. The lease makes the push fail when another writer has
// advanced the branch, which surfaces as ErrConflict.
func (s *GitStore) Write(ctx context.Context, path string, content []byte, expectedRevision, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.sync(ctx)
	if err != nil {
		return "", err
	}
	if expectedRevision == "" {
		expectedRevision = head
	}
	if head != expectedRevision {
		return "", fmt.Errorf("expected revision %s but store is at %s: %w", expectedRevision, head, ErrConflict)
	}

	resolved, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("prepare %s: %w", path, err)
	}
	if err := os.WriteFile(resolved, content, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	newRevision, err := s.ops.CommitAll(ctx, s.cfg.Dir, message, s.cfg.AuthorName, s.cfg.AuthorEmail)
	if err != nil {
		if errors.Is(err, git.ErrNothingToCommit) {
			return head, nil
		}
		return "", fmt.Errorf("commit %s: %w", path, err)
	}
	if err := s.ops.PushWithLease(ctx, s.cfg.Dir, s.cfg.Branch, expectedRevision); err != nil {
		return "", s.mapPushError(path, err)
	}
	return newRevision, nil
}

// Update runs a bounded read-transform-write loop with backoff between
// attempts. Conflicts trigger a re-read so transform always sees the latest
// content; every other failure aborts immediately.
func (s *GitStore) Update(ctx context.Context, path, message string, transform TransformFunc) (string, bool, error) {
	var (
		revision string
		changed  bool
	)
	op := func() error {
		content, head, err := s.Read(ctx, path)
		if err != nil {
			return backoff.Permanent(err)
		}
		updated, didChange, err := transform(content)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !didChange {
			revision, changed = head, false
			return nil
		}
		newRevision, err := s.Write(ctx, path, updated, head, message)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		revision, changed = newRevision, true
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RetryDelay
	expo.Multiplier = 2
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.cfg.Attempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return "", false, perm.Unwrap()
		}
		return "", false, err
	}
	return revision, changed, nil
}

// sync brings the working copy up to date with the remote branch and returns
// the resulting head revision.
func (s *GitStore) sync(ctx context.Context) (string, error) {
	if !s.cloned {
		if _, err := os.Stat(filepath.Join(s.cfg.Dir, ".git")); err != nil {
			if err := s.ops.CloneBranch(ctx, s.cfg.RepoURL, s.cfg.Branch, s.cfg.Dir); err != nil {
				return "", s.mapAuthError("clone", err)
			}
		}
		s.cloned = true
	} else {
		if err := s.ops.ResetToRemote(ctx, s.cfg.Dir, s.cfg.Branch); err != nil {
			return "", s.mapAuthError("fetch", err)
		}
	}
	head, err := s.ops.HeadRevision(ctx, s.cfg.Dir)
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return head, nil
}

// resolve joins path onto the working copy root, refusing paths that would
// escape it.
func (s *GitStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(path))
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("path cannot be empty")
	}
	joined := filepath.Join(s.cfg.Dir, cleaned)
	rel, err := filepath.Rel(s.cfg.Dir, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the store root", path)
	}
	return joined, nil
}

func (s *GitStore) mapPushError(path string, err error) error {
	switch {
	case errors.Is(err, git.ErrLeaseRejected):
		return fmt.Errorf("push %s: %w", path, ErrConflict)
	case errors.Is(err, git.ErrAuth):
		return fmt.Errorf("push %s: %w", path, ErrAuth)
	default:
		return fmt.Errorf("push %s: %w", path, err)
	}
}

func (s *GitStore) mapAuthError(op string, err error) error {
	if errors.Is(err, git.ErrAuth) {
		return fmt.Errorf("%s %s: %w", op, s.cfg.RepoURL, ErrAuth)
	}
	return fmt.Errorf("%s %s: %w", op, s.cfg.RepoURL, err)
}
