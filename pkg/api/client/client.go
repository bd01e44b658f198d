package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the conveyor API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Operator reflects API operator payloads.
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken  string        `json:"AccessToken"`
	RefreshToken string        `json:"RefreshToken"`
	ExpiresIn    time.Duration `json:"ExpiresIn"`
}

// AuthResponse captures the operator and token payload emitted by the API.
type AuthResponse struct {
	Operator Operator  `json:"operator"`
	Tokens   TokenPair `json:"tokens"`
}

// Register creates a new operator account and returns its tokens.
func (c *Client) Register(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Application describes a registered deliverable.
type Application struct {
	ID            string    `json:"ID"`
	Name          string    `json:"Name"`
	RepoURL       string    `json:"RepoURL"`
	Branch        string    `json:"Branch"`
	BuildCommand  string    `json:"BuildCommand"`
	TestCommand   string    `json:"TestCommand"`
	BuildImage    string    `json:"BuildImage"`
	Dockerfile    string    `json:"Dockerfile"`
	ImageRepo     string    `json:"ImageRepo"`
	ConfigRepoURL string    `json:"ConfigRepoURL"`
	ConfigBranch  string    `json:"ConfigBranch"`
	ConfigPath    string    `json:"ConfigPath"`
	ConfigKey     string    `json:"ConfigKey"`
	Environment   string    `json:"Environment"`
	CreatedAt     time.Time `json:"CreatedAt"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
}

// CreateAppInput captures the payload for application registration.
type CreateAppInput struct {
	Name          string `json:"Name"`
	RepoURL       string `json:"RepoURL"`
	Branch        string `json:"Branch,omitempty"`
	BuildCommand  string `json:"BuildCommand,omitempty"`
	TestCommand   string `json:"TestCommand,omitempty"`
	BuildImage    string `json:"BuildImage,omitempty"`
	Dockerfile    string `json:"Dockerfile,omitempty"`
	ImageRepo     string `json:"ImageRepo"`
	ConfigRepoURL string `json:"ConfigRepoURL"`
	ConfigBranch  string `json:"ConfigBranch,omitempty"`
	ConfigPath    string `json:"ConfigPath"`
	ConfigKey     string `json:"ConfigKey"`
	Environment   string `json:"Environment,omitempty"`
}

// CreateAppResponse pairs the stored application with its one-time webhook
// secret. The secret cannot be recovered later, only rotated.
type CreateAppResponse struct {
	Application   Application `json:"application"`
	WebhookSecret string      `json:"webhook_secret"`
}

// CreateApp registers a new application.
func (c *Client) CreateApp(ctx context.Context, token string, input CreateAppInput) (CreateAppResponse, error) {
	var resp CreateAppResponse
	if err := c.do(ctx, http.MethodPost, "/apps", input, token, &resp); err != nil {
		return CreateAppResponse{}, err
	}
	return resp, nil
}

// ListApps returns all registered applications.
func (c *Client) ListApps(ctx context.Context, token string) ([]Application, error) {
	var apps []Application
	if err := c.do(ctx, http.MethodGet, "/apps", nil, token, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// GetApp fetches one application by ID or name.
func (c *Client) GetApp(ctx context.Context, token, idOrName string) (Application, error) {
	path := fmt.Sprintf("/apps/%s", url.PathEscape(idOrName))
	var app Application
	if err := c.do(ctx, http.MethodGet, path, nil, token, &app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// SetEnvVar stores a sealed build-time environment variable.
func (c *Client) SetEnvVar(ctx context.Context, token, app, key, value string) error {
	path := fmt.Sprintf("/apps/%s/env", url.PathEscape(app))
	body := map[string]string{"Key": key, "Value": value}
	return c.do(ctx, http.MethodPost, path, body, token, nil)
}

// ListEnvKeys returns the stored environment variable names. Values stay
// sealed server-side.
func (c *Client) ListEnvKeys(ctx context.Context, token, app string) ([]string, error) {
	path := fmt.Sprintf("/apps/%s/env", url.PathEscape(app))
	var resp struct {
		Keys []string `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// DeleteEnvVar removes a stored environment variable.
func (c *Client) DeleteEnvVar(ctx context.Context, token, app, key string) error {
	path := fmt.Sprintf("/apps/%s/env/%s", url.PathEscape(app), url.PathEscape(key))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// RotateWebhookSecret replaces the application webhook secret and returns the
// new plaintext value.
func (c *Client) RotateWebhookSecret(ctx context.Context, token, app string) (string, error) {
	path := fmt.Sprintf("/apps/%s/rotate-secret", url.PathEscape(app))
	var resp struct {
		WebhookSecret string `json:"webhook_secret"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, token, &resp); err != nil {
		return "", err
	}
	return resp.WebhookSecret, nil
}

// RunError describes why a run failed.
type RunError struct {
	Stage            string `json:"stage"`
	Kind             string `json:"kind"`
	Message          string `json:"message"`
	FirstFailingTest string `json:"first_failing_test,omitempty"`
}

// Run represents one promotion attempt for a revision.
type Run struct {
	ID              string     `json:"ID"`
	AppID           string     `json:"AppID"`
	Revision        string     `json:"Revision"`
	Branch          string     `json:"Branch"`
	Trigger         string     `json:"Trigger"`
	Status          string     `json:"Status"`
	Error           *RunError  `json:"Error"`
	CancelRequested bool       `json:"CancelRequested"`
	CreatedAt       time.Time  `json:"CreatedAt"`
	StartedAt       *time.Time `json:"StartedAt"`
	CompletedAt     *time.Time `json:"CompletedAt"`
	UpdatedAt       time.Time  `json:"UpdatedAt"`
}

// Stage is the outcome of one pipeline stage.
type Stage struct {
	RunID       string     `json:"RunID"`
	Name        string     `json:"Name"`
	Status      string     `json:"Status"`
	LogKey      string     `json:"LogKey"`
	StartedAt   *time.Time `json:"StartedAt"`
	CompletedAt *time.Time `json:"CompletedAt"`
	UpdatedAt   time.Time  `json:"UpdatedAt"`
}

// RunDetail pairs a run with its stages.
type RunDetail struct {
	Run    Run     `json:"run"`
	Stages []Stage `json:"stages"`
}

// TriggerRun starts a pipeline run for the given revision.
func (c *Client) TriggerRun(ctx context.Context, token, app, revision, branch string) (Run, error) {
	path := fmt.Sprintf("/apps/%s/runs", url.PathEscape(app))
	body := map[string]string{"revision": revision}
	if strings.TrimSpace(branch) != "" {
		body["branch"] = branch
	}
	var created Run
	if err := c.do(ctx, http.MethodPost, path, body, token, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// Rollback re-promotes a previously published revision.
func (c *Client) Rollback(ctx context.Context, token, app, revision string) (Run, error) {
	path := fmt.Sprintf("/apps/%s/rollback", url.PathEscape(app))
	body := map[string]string{"revision": revision}
	var created Run
	if err := c.do(ctx, http.MethodPost, path, body, token, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// ListRuns fetches recent runs for an application.
func (c *Client) ListRuns(ctx context.Context, token, app string, limit int) ([]Run, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/apps/%s/runs%s", url.PathEscape(app), query)
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches one run and its stage breakdown.
func (c *Client) GetRun(ctx context.Context, token, runID string) (RunDetail, error) {
	path := fmt.Sprintf("/runs/%s", url.PathEscape(runID))
	var detail RunDetail
	if err := c.do(ctx, http.MethodGet, path, nil, token, &detail); err != nil {
		return RunDetail{}, err
	}
	return detail, nil
}

// CancelRun requests cancellation of an active run.
func (c *Client) CancelRun(ctx context.Context, token, runID string) error {
	path := fmt.Sprintf("/runs/%s/cancel", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// Artifact is a published immutable image.
type Artifact struct {
	ID         string    `json:"ID"`
	RunID      string    `json:"RunID"`
	AppID      string    `json:"AppID"`
	Repository string    `json:"Repository"`
	Tag        string    `json:"Tag"`
	Digest     string    `json:"Digest"`
	SizeBytes  int64     `json:"SizeBytes"`
	PushedAt   time.Time `json:"PushedAt"`
}

// ListArtifacts fetches published images for an application.
func (c *Client) ListArtifacts(ctx context.Context, token, app string, limit int) ([]Artifact, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/apps/%s/artifacts%s", url.PathEscape(app), query)
	var artifacts []Artifact
	if err := c.do(ctx, http.MethodGet, path, nil, token, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DesiredState mirrors the configuration entry last written for an app.
type DesiredState struct {
	AppID       string    `json:"AppID"`
	Environment string    `json:"Environment"`
	Path        string    `json:"Path"`
	Key         string    `json:"Key"`
	Value       string    `json:"Value"`
	Revision    string    `json:"Revision"`
	RunID       string    `json:"RunID"`
	WrittenAt   time.Time `json:"WrittenAt"`
}

// Observation is one polled reconciliation agent sample.
type Observation struct {
	ID           int64     `json:"ID"`
	AppID        string    `json:"AppID"`
	State        string    `json:"State"`
	SyncRevision string    `json:"SyncRevision"`
	Message      string    `json:"Message"`
	ObservedAt   time.Time `json:"ObservedAt"`
}

// AppStatus aggregates latest run, desired state, and observed sync state.
type AppStatus struct {
	Application *Application  `json:"application"`
	LatestRun   *Run          `json:"latest_run"`
	Stages      []Stage       `json:"stages"`
	Desired     *DesiredState `json:"desired_state"`
	Observation *Observation  `json:"reconciliation"`
	Drift       bool          `json:"drift"`
}

// Status fetches the aggregate status surface for an application.
func (c *Client) Status(ctx context.Context, token, app string) (AppStatus, error) {
	path := fmt.Sprintf("/apps/%s/status", url.PathEscape(app))
	var status AppStatus
	if err := c.do(ctx, http.MethodGet, path, nil, token, &status); err != nil {
		return AppStatus{}, err
	}
	return status, nil
}

// LogEntry models a run log line.
type LogEntry struct {
	ID        int64     `json:"ID"`
	RunID     string    `json:"RunID"`
	Stage     string    `json:"Stage"`
	Source    string    `json:"Source"`
	Level     string    `json:"Level"`
	Message   string    `json:"Message"`
	CreatedAt time.Time `json:"CreatedAt"`
}

// FetchLogs returns stored logs for the run, oldest first.
func (c *Client) FetchLogs(ctx context.Context, token, runID string, limit int) ([]LogEntry, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/runs/%s/logs%s", url.PathEscape(runID), query)
	var entries []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, token, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// StageLogURL returns a presigned download URL for an archived stage log.
func (c *Client) StageLogURL(ctx context.Context, token, runID, stage string) (string, error) {
	path := fmt.Sprintf("/runs/%s/stages/%s/log", url.PathEscape(runID), url.PathEscape(stage))
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}
