package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/crypto"
)

// CreateInput encapsulates application registration attributes.
type CreateInput struct {
	Name          string
	RepoURL       string
	Branch        string
	BuildCommand  string
	TestCommand   string
	BuildImage    string
	Dockerfile    string
	ImageRepo     string
	ConfigRepoURL string
	ConfigBranch  string
	ConfigPath    string
	ConfigKey     string
	Environment   string
}

// UpdateInput holds the mutable application fields; empty fields keep their
// stored value.
type UpdateInput struct {
	RepoURL       string
	Branch        string
	BuildCommand  string
	TestCommand   string
	BuildImage    string
	Dockerfile    string
	ImageRepo     string
	ConfigRepoURL string
	ConfigBranch  string
	ConfigPath    string
	ConfigKey     string
	Environment   string
}

// EnvVarInput holds one build-time environment variable.
type EnvVarInput struct {
	AppID string
	Key   string
	Value string
}

// EnvVar is a decrypted environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var (
	errInvalidName       = errors.New("application name is required")
	errInvalidRepoURL    = errors.New("repository URL is required")
	errInvalidImageRepo  = errors.New("image repository is required")
	errInvalidConfigRepo = errors.New("config repository URL is required")
	errInvalidConfigPath = errors.New("config path is required")
	errInvalidConfigKey  = errors.New("config key is required")
	errInvalidEnvKey     = errors.New("environment variable key is required")
	errMissingAppID      = errors.New("application id required")
)

// Service manages application registrations and their sealed secrets.
type Service struct {
	apps   repository.ApplicationRepository
	logger *slog.Logger
	cfg    config.ServerConfig
}

// New returns an application service.
func New(apps repository.ApplicationRepository, logger *slog.Logger, cfg config.ServerConfig) Service {
	return Service{apps: apps, logger: logger, cfg: cfg}
}

// Create registers a new application and mints its webhook secret. The
// plaintext secret is returned exactly once; only the sealed form is stored.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Application, string, error) {
	name := strings.ToLower(strings.TrimSpace(input.Name))
	if name == "" {
		return nil, "", errInvalidName
	}
	if strings.TrimSpace(input.RepoURL) == "" {
		return nil, "", errInvalidRepoURL
	}
	if strings.TrimSpace(input.ImageRepo) == "" {
		return nil, "", errInvalidImageRepo
	}
	if strings.TrimSpace(input.ConfigRepoURL) == "" {
		return nil, "", errInvalidConfigRepo
	}
	if strings.TrimSpace(input.ConfigPath) == "" {
		return nil, "", errInvalidConfigPath
	}
	if strings.TrimSpace(input.ConfigKey) == "" {
		return nil, "", errInvalidConfigKey
	}

	secret, err := crypto.RandomHex(32)
	if err != nil {
		return nil, "", err
	}
	sealed, err := crypto.Seal(s.cfg.SecretSealKey, secret)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	app := &domain.Application{
		ID:            uuid.NewString(),
		Name:          name,
		RepoURL:       input.RepoURL,
		Branch:        defaultString(input.Branch, "main"),
		BuildCommand:  input.BuildCommand,
		TestCommand:   input.TestCommand,
		BuildImage:    input.BuildImage,
		Dockerfile:    defaultString(input.Dockerfile, "Dockerfile"),
		ImageRepo:     input.ImageRepo,
		ConfigRepoURL: input.ConfigRepoURL,
		ConfigBranch:  defaultString(input.ConfigBranch, "main"),
		ConfigPath:    input.ConfigPath,
		ConfigKey:     input.ConfigKey,
		Environment:   defaultString(input.Environment, "production"),
		WebhookSecret: sealed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.apps.CreateApplication(ctx, app); err != nil {
		return nil, "", err
	}
	s.logger.Info("application registered", "app_id", app.ID, "name", app.Name)
	return app, secret, nil
}

// Update applies the non-empty fields of input to a stored application.
func (s Service) Update(ctx context.Context, appID string, input UpdateInput) (*domain.Application, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	applyIfSet(&app.RepoURL, input.RepoURL)
	applyIfSet(&app.Branch, input.Branch)
	applyIfSet(&app.BuildCommand, input.BuildCommand)
	applyIfSet(&app.TestCommand, input.TestCommand)
	applyIfSet(&app.BuildImage, input.BuildImage)
	applyIfSet(&app.Dockerfile, input.Dockerfile)
	applyIfSet(&app.ImageRepo, input.ImageRepo)
	applyIfSet(&app.ConfigRepoURL, input.ConfigRepoURL)
	applyIfSet(&app.ConfigBranch, input.ConfigBranch)
	applyIfSet(&app.ConfigPath, input.ConfigPath)
	applyIfSet(&app.ConfigKey, input.ConfigKey)
	applyIfSet(&app.Environment, input.Environment)

	// Leave the stored secret alone; rotation has its own path.
	app.WebhookSecret = nil
	if err := s.apps.UpdateApplication(ctx, app); err != nil {
		return nil, err
	}
	s.logger.Info("application updated", "app_id", app.ID)
	return s.Get(ctx, appID)
}

// RotateWebhookSecret replaces the sealed webhook secret and returns the new
// plaintext exactly once.
func (s Service) RotateWebhookSecret(ctx context.Context, appID string) (string, error) {
	app, err := s.Get(ctx, appID)
	if err != nil {
		return "", err
	}
	secret, err := crypto.RandomHex(32)
	if err != nil {
		return "", err
	}
	sealed, err := crypto.Seal(s.cfg.SecretSealKey, secret)
	if err != nil {
		return "", err
	}
	app.WebhookSecret = sealed
	if err := s.apps.UpdateApplication(ctx, app); err != nil {
		return "", err
	}
	s.logger.Info("webhook secret rotated", "app_id", app.ID)
	return secret, nil
}

// WebhookSecret unseals the stored webhook secret for signature checks.
func (s Service) WebhookSecret(app *domain.Application) (string, error) {
	if app == nil || len(app.WebhookSecret) == 0 {
		return "", errors.New("application has no webhook secret")
	}
	return crypto.Open(s.cfg.SecretSealKey, app.WebhookSecret)
}

// Get returns application details by identifier.
func (s Service) Get(ctx context.Context, appID string) (*domain.Application, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, errMissingAppID
	}
	return s.apps.GetApplicationByID(ctx, appID)
}

// GetByName returns application details by unique name.
func (s Service) GetByName(ctx context.Context, name string) (*domain.Application, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, errInvalidName
	}
	return s.apps.GetApplicationByName(ctx, name)
}

// Resolve accepts either an application id or name.
func (s Service) Resolve(ctx context.Context, idOrName string) (*domain.Application, error) {
	app, err := s.Get(ctx, idOrName)
	if err == nil {
		return app, nil
	}
	if !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, errMissingAppID) {
		return nil, err
	}
	return s.GetByName(ctx, idOrName)
}

// List returns all registered applications.
func (s Service) List(ctx context.Context) ([]domain.Application, error) {
	return s.apps.ListApplications(ctx)
}

// SetEnvVar seals and stores a build environment variable.
func (s Service) SetEnvVar(ctx context.Context, input EnvVarInput) error {
	if strings.TrimSpace(input.Key) == "" {
		return errInvalidEnvKey
	}
	sealed, err := crypto.Seal(s.cfg.SecretSealKey, input.Value)
	if err != nil {
		return err
	}
	envVar := &domain.AppEnvVar{
		AppID:     input.AppID,
		Key:       input.Key,
		Value:     sealed,
		CreatedAt: time.Now().UTC(),
	}
	return s.apps.UpsertEnvVar(ctx, envVar)
}

// ListEnvVars unseals the stored environment variables for an application.
func (s Service) ListEnvVars(ctx context.Context, appID string) ([]EnvVar, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, errMissingAppID
	}
	stored, err := s.apps.ListEnvVars(ctx, appID)
	if err != nil {
		return nil, err
	}
	vars := make([]EnvVar, 0, len(stored))
	for _, item := range stored {
		value, err := crypto.Open(s.cfg.SecretSealKey, item.Value)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to unseal env var", "app_id", appID, "key", item.Key, "error", err)
			}
			continue
		}
		vars = append(vars, EnvVar{Key: item.Key, Value: value})
	}
	return vars, nil
}

// BuildEnv returns the unsealed environment map passed to the runner.
func (s Service) BuildEnv(ctx context.Context, appID string) (map[string]string, error) {
	vars, err := s.ListEnvVars(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Key] = v.Value
	}
	return env, nil
}

// DeleteEnvVar removes one environment variable.
func (s Service) DeleteEnvVar(ctx context.Context, appID, key string) error {
	if strings.TrimSpace(key) == "" {
		return errInvalidEnvKey
	}
	return s.apps.DeleteEnvVar(ctx, appID, key)
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func applyIfSet(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}
