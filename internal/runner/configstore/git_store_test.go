package configstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/runner/git"
)

const valuesPath = "deploy/values.yaml"

// fakeOps simulates a remote repository. Clone and reset materialize the
// remote files into the working copy, commits advance a local revision, and
// pushes apply the working copy back to the remote unless the lease fails.
type fakeOps struct {
	dir        string
	remote     map[string]string
	remoteRev  string
	checkedOut map[string]string
	localRev   string

	commitSeq int
	resets    int
	pushCount int

	resetHook func(n int)
	pushHook  func(n int) error
}

func newFakeOps() *fakeOps {
	return &fakeOps{
		remote:    map[string]string{valuesPath: "image:\n  tag: abc123\n"},
		remoteRev: "r1",
	}
}

func (f *fakeOps) CloneBranch(ctx context.Context, repoURL, branch, dest string) error {
	f.dir = dest
	if err := os.MkdirAll(filepath.Join(dest, ".git"), 0o755); err != nil {
		return err
	}
	f.materialize()
	f.localRev = f.remoteRev
	return nil
}

func (f *fakeOps) ResetToRemote(ctx context.Context, dir, branch string) error {
	n := f.resets
	f.resets++
	if f.resetHook != nil {
		f.resetHook(n)
	}
	f.materialize()
	f.localRev = f.remoteRev
	return nil
}

func (f *fakeOps) HeadRevision(ctx context.Context, dir string) (string, error) {
	return f.localRev, nil
}

func (f *fakeOps) CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	current := f.readLocal()
	if mapsEqual(current, f.checkedOut) {
		return "", git.ErrNothingToCommit
	}
	f.commitSeq++
	f.localRev = fmt.Sprintf("c%d", f.commitSeq)
	f.checkedOut = current
	return f.localRev, nil
}

func (f *fakeOps) PushWithLease(ctx context.Context, dir, branch, expectedRev string) error {
	n := f.pushCount
	f.pushCount++
	if f.pushHook != nil {
		if err := f.pushHook(n); err != nil {
			return err
		}
	}
	if f.remoteRev != expectedRev {
		return git.ErrLeaseRejected
	}
	f.remote = f.readLocal()
	f.remoteRev = f.localRev
	return nil
}

func (f *fakeOps) materialize() {
	for p, content := range f.remote {
		full := filepath.Join(f.dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			panic(err)
		}
	}
	f.checkedOut = copyMap(f.remote)
}

func (f *fakeOps) readLocal() map[string]string {
	out := map[string]string{}
	_ = filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func newTestStore(t *testing.T, ops *fakeOps) *GitStore {
	t.Helper()
	return &GitStore{
		ops: ops,
		cfg: GitConfig{
			RepoURL:     "https://config.example.com/deploy.git",
			Branch:      "main",
			Dir:         filepath.Join(t.TempDir(), "store"),
			AuthorName:  "conveyor-ci",
			AuthorEmail: "ci@conveyor.dev",
			Attempts:    3,
			RetryDelay:  time.Millisecond,
		},
	}
}

func setTag(tag string) TransformFunc {
	return func(content []byte) ([]byte, bool, error) {
		updated := []byte("image:\n  tag: " + tag + "\n")
		if bytes.Equal(content, updated) {
			return content, false, nil
		}
		return updated, true, nil
	}
}

func TestReadReturnsContentAndRevision(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	content, revision, err := store.Read(context.Background(), valuesPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if revision != "r1" {
		t.Fatalf("expected revision r1, got %q", revision)
	}
	if string(content) != "image:\n  tag: abc123\n" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestReadMissingPath(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	_, _, err := store.Read(context.Background(), "deploy/missing.yaml")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadRejectsEscapingPath(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	if _, _, err := store.Read(context.Background(), "../outside.yaml"); err == nil {
		t.Fatal("expected error for escaping path")
	}
}

func TestWriteAdvancesRevision(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	_, revision, err := store.Read(context.Background(), valuesPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	newRevision, err := store.Write(context.Background(), valuesPath, []byte("image:\n  tag: def456\n"), revision, "promote def456")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if newRevision == revision {
		t.Fatalf("expected a new revision, got %q twice", revision)
	}
	if ops.remoteRev != newRevision {
		t.Fatalf("expected remote at %q, got %q", newRevision, ops.remoteRev)
	}
	if ops.remote[valuesPath] != "image:\n  tag: def456\n" {
		t.Fatalf("unexpected remote content %q", ops.remote[valuesPath])
	}
}

func TestWriteIdenticalContentCommitsNothing(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	content, revision, err := store.Read(context.Background(), valuesPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := store.Write(context.Background(), valuesPath, content, revision, "promote abc123")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if got != revision {
		t.Fatalf("expected revision %q, got %q", revision, got)
	}
	if ops.pushCount != 0 {
		t.Fatalf("expected no pushes, got %d", ops.pushCount)
	}
	if ops.commitSeq != 0 {
		t.Fatalf("expected no commits, got %d", ops.commitSeq)
	}
}

func TestWriteStaleRevisionConflicts(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	_, err := store.Write(context.Background(), valuesPath, []byte("image:\n  tag: def456\n"), "r0", "promote def456")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if ops.pushCount != 0 {
		t.Fatalf("expected conflict before push, got %d pushes", ops.pushCount)
	}
}

func TestWriteLeaseRejectionConflicts(t *testing.T) {
	ops := newFakeOps()
	ops.pushHook = func(n int) error {
		// A concurrent writer lands between our fetch and our push.
		ops.remote[valuesPath] = "image:\n  tag: zzz999\n"
		ops.remoteRev = "w1"
		return nil
	}
	store := newTestStore(t, ops)

	_, err := store.Write(context.Background(), valuesPath, []byte("image:\n  tag: def456\n"), "r1", "promote def456")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateRetriesAfterLeaseRejection(t *testing.T) {
	ops := newFakeOps()
	ops.pushHook = func(n int) error {
		if n == 0 {
			ops.remote["deploy/other.yaml"] = "replicas: 5\n"
			ops.remoteRev = "w1"
		}
		return nil
	}
	store := newTestStore(t, ops)

	revision, changed, err := store.Update(context.Background(), valuesPath, "promote def456", setTag("def456"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !changed {
		t.Fatal("expected changed to be true")
	}
	if ops.pushCount != 2 {
		t.Fatalf("expected 2 push attempts, got %d", ops.pushCount)
	}
	if ops.remoteRev != revision {
		t.Fatalf("expected remote at %q, got %q", revision, ops.remoteRev)
	}
	if ops.remote[valuesPath] != "image:\n  tag: def456\n" {
		t.Fatalf("unexpected values content %q", ops.remote[valuesPath])
	}
	if ops.remote["deploy/other.yaml"] != "replicas: 5\n" {
		t.Fatal("expected the concurrent write to survive the retry")
	}
}

func TestUpdateRetriesAfterLocalConflict(t *testing.T) {
	ops := newFakeOps()
	ops.resetHook = func(n int) {
		// The remote moves between the read and the write of attempt one.
		if n == 0 {
			ops.remote[valuesPath] = "image:\n  tag: interim\n"
			ops.remoteRev = "w1"
		}
	}
	store := newTestStore(t, ops)

	_, changed, err := store.Update(context.Background(), valuesPath, "promote def456", setTag("def456"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !changed {
		t.Fatal("expected changed to be true")
	}
	if ops.remote[valuesPath] != "image:\n  tag: def456\n" {
		t.Fatalf("unexpected values content %q", ops.remote[valuesPath])
	}
}

func TestUpdateNoChangeCommitsNothing(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	revision, changed, err := store.Update(context.Background(), valuesPath, "promote abc123", setTag("abc123"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if changed {
		t.Fatal("expected changed to be false")
	}
	if revision != "r1" {
		t.Fatalf("expected revision r1, got %q", revision)
	}
	if ops.commitSeq != 0 || ops.pushCount != 0 {
		t.Fatalf("expected no commits or pushes, got %d commits %d pushes", ops.commitSeq, ops.pushCount)
	}
}

func TestUpdateGivesUpAfterBoundedAttempts(t *testing.T) {
	ops := newFakeOps()
	ops.pushHook = func(n int) error {
		ops.remoteRev = fmt.Sprintf("w%d", n+1)
		return git.ErrLeaseRejected
	}
	store := newTestStore(t, ops)

	_, _, err := store.Update(context.Background(), valuesPath, "promote def456", setTag("def456"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if ops.pushCount != 3 {
		t.Fatalf("expected 3 push attempts, got %d", ops.pushCount)
	}
}

func TestUpdateAuthFailureIsNotRetried(t *testing.T) {
	ops := newFakeOps()
	ops.pushHook = func(n int) error {
		return git.ErrAuth
	}
	store := newTestStore(t, ops)

	_, _, err := store.Update(context.Background(), valuesPath, "promote def456", setTag("def456"))
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if ops.pushCount != 1 {
		t.Fatalf("expected 1 push attempt, got %d", ops.pushCount)
	}
}

func TestUpdateTransformErrorAborts(t *testing.T) {
	ops := newFakeOps()
	store := newTestStore(t, ops)

	wantErr := errors.New("key \"image.tag\": manifest: key not found")
	_, _, err := store.Update(context.Background(), valuesPath, "promote def456", func([]byte) ([]byte, bool, error) {
		return nil, false, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected transform error, got %v", err)
	}
	if ops.pushCount != 0 {
		t.Fatalf("expected no pushes, got %d", ops.pushCount)
	}
}
