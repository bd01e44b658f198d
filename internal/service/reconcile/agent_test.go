package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAgentClientQueriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/applications/checkout" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer agent-token" {
			t.Errorf("unexpected authorization header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"out_of_sync","revision":"abc123","message":"awaiting sync"}`))
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "agent-token", time.Second)
	status, err := client.Status(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "out_of_sync" || status.Revision != "abc123" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAgentClientRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewAgentClient(server.URL, "", time.Second)
	if _, err := client.Status(context.Background(), "checkout"); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
