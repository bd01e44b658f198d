package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AgentStatus is the sync state the reconciliation agent reports for one
// application.
type AgentStatus struct {
	Status   string `json:"status"`
	Revision string `json:"revision"`
	Message  string `json:"message"`
}

// AgentClient queries the external reconciliation agent. The agent is never
// driven, only observed.
type AgentClient interface {
	Status(ctx context.Context, appName string) (AgentStatus, error)
}

type httpAgentClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAgentClient returns an HTTP client for the agent's status interface.
func NewAgentClient(baseURL, token string, timeout time.Duration) AgentClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpAgentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpAgentClient) Status(ctx context.Context, appName string) (AgentStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/applications/%s", c.baseURL, url.PathEscape(appName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return AgentStatus{}, fmt.Errorf("build agent request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return AgentStatus{}, fmt.Errorf("query agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return AgentStatus{}, fmt.Errorf("agent returned status %d for %s", resp.StatusCode, appName)
	}
	var status AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return AgentStatus{}, fmt.Errorf("decode agent response: %w", err)
	}
	return status, nil
}
