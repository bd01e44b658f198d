package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRunNotActive is returned by Cancel when the runner is not executing the
// run, typically because it already finished.
var ErrRunNotActive = errors.New("run: not active on runner")

// DispatchRequest is the payload sent to the runner's execute endpoint.
type DispatchRequest struct {
	RunID    string `json:"run_id"`
	AppID    string `json:"app_id"`
	AppName  string `json:"app_name"`
	Revision string `json:"revision"`
	Branch   string `json:"branch,omitempty"`
	Trigger  string `json:"trigger"`

	RepoURL      string            `json:"repo_url"`
	BuildCommand string            `json:"build_command,omitempty"`
	TestCommand  string            `json:"test_command,omitempty"`
	BuildImage   string            `json:"build_image,omitempty"`
	Env          map[string]string `json:"env,omitempty"`

	Dockerfile  string `json:"dockerfile,omitempty"`
	ImageRepo   string `json:"image_repo"`
	KnownDigest string `json:"known_digest,omitempty"`

	ConfigRepoURL string `json:"config_repo_url"`
	ConfigBranch  string `json:"config_branch"`
	ConfigPath    string `json:"config_path"`
	ConfigKey     string `json:"config_key"`
	Environment   string `json:"environment,omitempty"`
}

// RunnerClient dispatches work to a runner instance.
type RunnerClient interface {
	Execute(ctx context.Context, req DispatchRequest) error
	Cancel(ctx context.Context, runID string) error
}

// httpRunnerClient talks to the runner daemon over HTTP.
type httpRunnerClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRunnerClient returns an HTTP RunnerClient.
func NewRunnerClient(baseURL, token string, timeout time.Duration) RunnerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpRunnerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpRunnerClient) Execute(ctx context.Context, req DispatchRequest) error {
	return c.post(ctx, "/execute", req)
}

func (c *httpRunnerClient) Cancel(ctx context.Context, runID string) error {
	err := c.post(ctx, fmt.Sprintf("/runs/%s/cancel", runID), nil)
	var httpErr *callError
	if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
		return ErrRunNotActive
	}
	return err
}

type callError struct {
	status  int
	message string
}

func (e *callError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("runner responded %d: %s", e.status, e.message)
	}
	return fmt.Sprintf("runner responded %d", e.status)
}

func (c *httpRunnerClient) post(ctx context.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal runner payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create runner request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Runner-Token", c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &callError{status: resp.StatusCode, message: readErrorMessage(resp.Body)}
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return nil
	}
	return nil
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}
