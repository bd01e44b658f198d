package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrLeaseRejected signals that a push was refused because the remote ref
// moved past the expected revision (compare-and-swap failure).
var ErrLeaseRejected = errors.New("git: push lease rejected")

// ErrAuth signals an authentication or permission failure against the remote.
var ErrAuth = errors.New("git: authentication failed")

// CheckoutRevision fetches exactly one revision of a repository into dest
// and checks it out.
func CheckoutRevision(ctx context.Context, repoURL, revision, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if revision == "" {
		return fmt.Errorf("revision cannot be empty")
	}
	steps := [][]string{
		{"init", "--quiet", "."},
		{"remote", "add", "origin", repoURL},
		{"fetch", "--quiet", "--depth", "1", "origin", revision},
		{"checkout", "--quiet", "FETCH_HEAD"},
	}
	for _, args := range steps {
		if _, err := run(ctx, dest, args...); err != nil {
			return fmt.Errorf("checkout %s: %w", shortRevision(revision), err)
		}
	}
	return nil
}

// CloneBranch clones a single branch of a repository into dest.
func CloneBranch(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if branch == "" {
		branch = "main"
	}
	if _, err := run(ctx, dest, "clone", "--quiet", "--branch", branch, "--single-branch", repoURL, "."); err != nil {
		return fmt.Errorf("clone branch %s: %w", branch, err)
	}
	return nil
}

// HeadRevision returns the commit SHA at HEAD of a checkout.
func HeadRevision(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitAll stages every change in the checkout and commits it. It returns
// the new commit SHA. An empty worktree is reported as ErrNothingToCommit.
func CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	status, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("inspect worktree: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return "", ErrNothingToCommit
	}
	if _, err := run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	args := []string{
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "--quiet", "-m", message,
	}
	if _, err := run(ctx, dir, args...); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return HeadRevision(ctx, dir)
}

// ErrNothingToCommit signals that the worktree held no changes to commit.
var ErrNothingToCommit = errors.New("git: nothing to commit")

// PushWithLease pushes HEAD to the named branch, succeeding only when the
// remote ref still points at expectedRev. A moved remote surfaces as
// ErrLeaseRejected; credential failures surface as ErrAuth.
func PushWithLease(ctx context.Context, dir, branch, expectedRev string) error {
	if branch == "" {
		branch = "main"
	}
	ref := "refs/heads/" + branch
	args := []string{"push", "--quiet", "origin", "HEAD:" + ref}
	if expectedRev != "" {
		args = append(args, "--force-with-lease="+ref+":"+expectedRev)
	}
	if _, err := run(ctx, dir, args...); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// ResetToRemote fetches the branch and hard-resets the checkout onto it,
// discarding local commits. Used to rebase a conflicted config write.
func ResetToRemote(ctx context.Context, dir, branch string) error {
	if branch == "" {
		branch = "main"
	}
	if _, err := run(ctx, dir, "fetch", "--quiet", "origin", branch); err != nil {
		return fmt.Errorf("fetch %s: %w", branch, err)
	}
	if _, err := run(ctx, dir, "reset", "--quiet", "--hard", "origin/"+branch); err != nil {
		return fmt.Errorf("reset to origin/%s: %w", branch, err)
	}
	return nil
}

// run executes git in dir with interactive credential prompts disabled.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify(args, string(output), err)
	}
	return string(output), nil
}

// classify maps git's stderr text onto the package sentinels.
func classify(args []string, output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "stale info") ||
		strings.Contains(lower, "[rejected]") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "non-fast-forward"):
		return fmt.Errorf("%w: %s", ErrLeaseRejected, firstLine(output))
	case strings.Contains(lower, "authentication failed") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "could not read username") ||
		strings.Contains(lower, "403"):
		return fmt.Errorf("%w: %s", ErrAuth, firstLine(output))
	default:
		return fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(output))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
