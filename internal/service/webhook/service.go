package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/service/application"
)

var (
	// ErrInvalidSignature rejects a payload whose HMAC does not match the
	// application's webhook secret. No run is created.
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrIgnored marks events that verified fine but do not start a run.
	ErrIgnored = errors.New("webhook: event ignored")
)

// Trigger starts pipeline runs for verified push events.
type Trigger interface {
	Trigger(ctx context.Context, appID, revision, branch string, trigger domain.TriggerSource) (*domain.PipelineRun, error)
}

// PushEvent is the subset of a git push payload the pipeline reads.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit struct {
		ID string `json:"id"`
	} `json:"head_commit"`
}

// Service turns verified push webhooks into pipeline runs.
type Service struct {
	apps   application.Service
	runs   Trigger
	logger *slog.Logger
}

// New constructs a webhook service.
func New(apps application.Service, runs Trigger, logger *slog.Logger) Service {
	return Service{apps: apps, runs: runs, logger: logger}
}

// HandlePush verifies a push payload against the application's webhook
// secret and triggers a run when the pushed branch is the deployed one.
func (s Service) HandlePush(ctx context.Context, appName string, payload []byte, signature string) (*domain.PipelineRun, error) {
	app, err := s.apps.GetByName(ctx, appName)
	if err != nil {
		return nil, err
	}
	secret, err := s.apps.WebhookSecret(app)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateSignature(payload, []byte(secret), signature); err != nil {
		return nil, err
	}

	var event PushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parse push payload: %w", err)
	}

	if strings.HasPrefix(event.Ref, "refs/") && !strings.HasPrefix(event.Ref, "refs/heads/") {
		return nil, fmt.Errorf("%w: ref %q is not a branch push", ErrIgnored, event.Ref)
	}
	branch := strings.TrimPrefix(event.Ref, "refs/heads/")
	if branch == "" {
		return nil, fmt.Errorf("%w: payload carries no ref", ErrIgnored)
	}
	if branch != app.Branch {
		return nil, fmt.Errorf("%w: branch %q is not the deployed branch", ErrIgnored, branch)
	}

	revision := event.After
	if revision == "" {
		revision = event.HeadCommit.ID
	}
	if event.Deleted || isZeroHash(revision) {
		return nil, fmt.Errorf("%w: branch deletion", ErrIgnored)
	}
	if revision == "" {
		return nil, fmt.Errorf("%w: payload carries no commit", ErrIgnored)
	}

	s.logger.Info("push accepted", "app", app.Name, "branch", branch, "revision", revision)
	return s.runs.Trigger(ctx, app.ID, revision, branch, domain.TriggerWebhook)
}

// ValidateSignature checks the hex HMAC-SHA256 signature of a payload. The
// common sha256= header prefix is accepted.
func (s Service) ValidateSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// isZeroHash reports the all-zero commit id git sends for deleted refs.
func isZeroHash(revision string) bool {
	if revision == "" {
		return false
	}
	return strings.Trim(revision, "0") == ""
}
