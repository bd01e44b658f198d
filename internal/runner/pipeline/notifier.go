package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
)

// StageEvent reports a stage transition back to the control plane.
type StageEvent struct {
	RunID     string             `json:"run_id"`
	Stage     domain.StageName   `json:"stage"`
	Status    domain.StageStatus `json:"status"`
	Message   string             `json:"message,omitempty"`
	Error     *domain.RunError   `json:"error,omitempty"`
	Artifact  *ArtifactReport    `json:"artifact,omitempty"`
	Config    *ConfigWrite       `json:"config,omitempty"`
	LogKey    string             `json:"log_key,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ArtifactReport describes the image produced by the publish stage.
type ArtifactReport struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest"`
}

// ConfigWrite describes the outcome of the config update stage.
type ConfigWrite struct {
	Path     string `json:"path"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Revision string `json:"revision"`
	Changed  bool   `json:"changed"`
}

// CompletionEvent reports the final verdict of a run.
type CompletionEvent struct {
	RunID     string           `json:"run_id"`
	Status    domain.RunStatus `json:"status"`
	Error     *domain.RunError `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// LogEvent carries one line of stage output.
type LogEvent struct {
	RunID     string           `json:"run_id"`
	Stage     domain.StageName `json:"stage"`
	Level     string           `json:"level"`
	Line      string           `json:"line"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier delivers run progress to the control plane. Implementations must
// tolerate being called from the run goroutine after Handle has returned.
type Notifier interface {
	StageChanged(ctx context.Context, event StageEvent) error
	RunCompleted(ctx context.Context, event CompletionEvent) error
	LogLine(ctx context.Context, event LogEvent)
}

// httpNotifier posts events to the control plane callback endpoints. Log
// deliveries are suppressed per run for a short window after the control
// plane rejects one, so a dead run cannot hammer the API with line traffic.
type httpNotifier struct {
	baseURL    string
	token      string
	client     *http.Client
	logger     *slog.Logger
	suppressed *sync.Map
	ttl        time.Duration
}

type suppressionEntry struct {
	expires time.Time
}

func newHTTPNotifier(baseURL, token string, timeout time.Duration, logger *slog.Logger) *httpNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpNotifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		suppressed: &sync.Map{},
		ttl:        30 * time.Second,
	}
}

func (n *httpNotifier) StageChanged(ctx context.Context, event StageEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return n.post(ctx, fmt.Sprintf("/internal/runs/%s/stages", event.RunID), event)
}

func (n *httpNotifier) RunCompleted(ctx context.Context, event CompletionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return n.post(ctx, fmt.Sprintf("/internal/runs/%s/complete", event.RunID), event)
}

func (n *httpNotifier) LogLine(ctx context.Context, event LogEvent) {
	if n.baseURL == "" {
		return
	}
	if n.shouldSuppress(event.RunID) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := n.post(ctx, fmt.Sprintf("/internal/runs/%s/logs", event.RunID), event); err != nil {
		n.suppress(event.RunID)
		if n.logger != nil {
			n.logger.Warn("log callback failed", "run_id", event.RunID, "error", err)
		}
	}
}

func (n *httpNotifier) post(ctx context.Context, path string, payload any) error {
	if n.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(n.token); token != "" {
		req.Header.Set("X-Runner-Token", token)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()
	if _, copyErr := io.Copy(io.Discard, resp.Body); copyErr != nil && n.logger != nil {
		n.logger.Debug("discard callback response failed", "error", copyErr)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback response status %d", resp.StatusCode)
	}
	return nil
}

func (n *httpNotifier) shouldSuppress(runID string) bool {
	value, ok := n.suppressed.Load(runID)
	if !ok {
		return false
	}
	entry, ok := value.(suppressionEntry)
	if !ok {
		n.suppressed.Delete(runID)
		return false
	}
	if time.Now().Before(entry.expires) {
		return true
	}
	n.suppressed.Delete(runID)
	return false
}

func (n *httpNotifier) suppress(runID string) {
	n.suppressed.Store(runID, suppressionEntry{expires: time.Now().Add(n.ttl)})
}
