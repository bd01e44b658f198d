package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
)

func TestHTTPNotifierPostsStageEvent(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		token  string
		gotRaw []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		token = r.Header.Get("X-Runner-Token")
		gotRaw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := newHTTPNotifier(server.URL, "secret-token", time.Second, testLogger())
	err := n.StageChanged(context.Background(), StageEvent{
		RunID:  "run-1",
		Stage:  domain.StagePublish,
		Status: domain.StageSucceeded,
		Artifact: &ArtifactReport{
			Repository: "registry.example.com/checkout",
			Tag:        "abc123",
			Digest:     "sha256:feedface",
		},
	})
	if err != nil {
		t.Fatalf("stage changed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/internal/runs/run-1/stages" {
		t.Fatalf("unexpected path %q", path)
	}
	if token != "secret-token" {
		t.Fatalf("unexpected token %q", token)
	}

	var got StageEvent
	if err := json.Unmarshal(gotRaw, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Stage != domain.StagePublish || got.Status != domain.StageSucceeded {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Artifact == nil || got.Artifact.Tag != "abc123" {
		t.Fatalf("artifact not delivered: %+v", got.Artifact)
	}
	if got.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled in")
	}
}

func TestHTTPNotifierCompletionPath(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := newHTTPNotifier(server.URL, "", time.Second, testLogger())
	if err := n.RunCompleted(context.Background(), CompletionEvent{RunID: "run-2", Status: domain.RunSucceeded}); err != nil {
		t.Fatalf("run completed: %v", err)
	}
	if path != "/internal/runs/run-2/complete" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestHTTPNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	n := newHTTPNotifier(server.URL, "", time.Second, testLogger())
	if err := n.StageChanged(context.Background(), StageEvent{RunID: "run-3"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestHTTPNotifierSuppressesLogsAfterRejection(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	n := newHTTPNotifier(server.URL, "", time.Second, testLogger())
	n.LogLine(context.Background(), LogEvent{RunID: "run-4", Line: "first"})
	n.LogLine(context.Background(), LogEvent{RunID: "run-4", Line: "second"})
	n.LogLine(context.Background(), LogEvent{RunID: "run-4", Line: "third"})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", calls)
	}
}

func TestHTTPNotifierSuppressionIsPerRun(t *testing.T) {
	var (
		mu   sync.Mutex
		runs []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		runs = append(runs, r.URL.Path)
		mu.Unlock()
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	n := newHTTPNotifier(server.URL, "", time.Second, testLogger())
	n.LogLine(context.Background(), LogEvent{RunID: "run-a", Line: "x"})
	n.LogLine(context.Background(), LogEvent{RunID: "run-b", Line: "y"})
	n.LogLine(context.Background(), LogEvent{RunID: "run-a", Line: "z"})

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 2 {
		t.Fatalf("expected one attempt per run, got %v", runs)
	}
}

func TestHTTPNotifierNoBaseURL(t *testing.T) {
	n := newHTTPNotifier("", "", time.Second, testLogger())
	if err := n.StageChanged(context.Background(), StageEvent{RunID: "run-5"}); err != nil {
		t.Fatalf("expected no-op without base url, got %v", err)
	}
	n.LogLine(context.Background(), LogEvent{RunID: "run-5", Line: "x"})
}
