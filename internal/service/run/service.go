package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/internal/service/application"
	"github.com/conveyorci/conveyor/internal/service/logs"
	"github.com/conveyorci/conveyor/pkg/config"
)

var (
	// ErrNoArtifact is returned when a rollback names a revision that was
	// never published.
	ErrNoArtifact      = errors.New("run: revision has no published image")
	errMissingRevision = errors.New("revision required")
)

// Service orchestrates pipeline runs: it creates them, dispatches them to the
// runner, applies runner callbacks, and answers the status surface.
type Service struct {
	runs         repository.RunRepository
	artifacts    repository.ArtifactRepository
	desired      repository.DesiredStateRepository
	observations repository.ReconcileRepository
	apps         application.Service
	logSvc       logs.Service
	runner       RunnerClient
	logger       *slog.Logger
	cfg          config.ServerConfig

	now func() time.Time
}

// New returns a run service.
func New(
	runs repository.RunRepository,
	artifacts repository.ArtifactRepository,
	desired repository.DesiredStateRepository,
	observations repository.ReconcileRepository,
	apps application.Service,
	logSvc logs.Service,
	runner RunnerClient,
	logger *slog.Logger,
	cfg config.ServerConfig,
) Service {
	return Service{
		runs:         runs,
		artifacts:    artifacts,
		desired:      desired,
		observations: observations,
		apps:         apps,
		logSvc:       logSvc,
		runner:       runner,
		logger:       logger,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Trigger creates a run for a revision and dispatches it to the runner.
func (s Service) Trigger(ctx context.Context, appID, revision, branch string, trigger domain.TriggerSource) (*domain.PipelineRun, error) {
	revision = strings.TrimSpace(revision)
	if revision == "" {
		return nil, errMissingRevision
	}
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = app.Branch
	}

	if trigger == domain.TriggerRollback {
		// Rollback re-points config at an image that must already exist.
		if _, err := s.artifacts.GetArtifactByTag(ctx, app.ID, revision); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNoArtifact, revision)
			}
			return nil, err
		}
	}

	if s.cfg.AutoSupersede && trigger == domain.TriggerWebhook {
		s.supersedeActive(ctx, app.ID, branch, revision)
	}

	now := s.now()
	run := &domain.PipelineRun{
		ID:        uuid.NewString(),
		AppID:     app.ID,
		Revision:  revision,
		Branch:    branch,
		Trigger:   trigger,
		Status:    domain.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.runs.CreateRun(ctx, run, seedStages(run, now)); err != nil {
		return nil, err
	}
	s.logger.Info("run created",
		"run_id", run.ID,
		"app_id", app.ID,
		"revision", revision,
		"trigger", trigger,
	)

	if err := s.dispatch(ctx, app, run); err != nil {
		failedAt := s.now()
		runErr := &domain.RunError{
			Stage:   firstPendingStage(run),
			Kind:    domain.ErrRunnerInternal,
			Message: fmt.Sprintf("failed to dispatch run to runner: %v", err),
		}
		if completeErr := s.runs.CompleteRun(ctx, run.ID, domain.RunFailed, runErr, failedAt); completeErr != nil {
			s.logger.Warn("mark dispatch failure failed", "run_id", run.ID, "error", completeErr)
		}
		if skipErr := s.runs.SkipPendingStages(ctx, run.ID, failedAt); skipErr != nil {
			s.logger.Warn("skip stages after dispatch failure failed", "run_id", run.ID, "error", skipErr)
		}
		s.logger.Error("run dispatch failed", "run_id", run.ID, "error", err)
		return nil, err
	}

	if err := s.runs.StartRun(ctx, run.ID, s.now()); err != nil {
		s.logger.Warn("mark run running failed", "run_id", run.ID, "error", err)
	} else {
		run.Status = domain.RunRunning
	}
	s.logger.Info("run dispatched", "run_id", run.ID, "app_id", app.ID)
	return run, nil
}

// Rollback starts a config-only run that re-points the application at an
// already published revision.
func (s Service) Rollback(ctx context.Context, appID, revision string) (*domain.PipelineRun, error) {
	return s.Trigger(ctx, appID, revision, "", domain.TriggerRollback)
}

// Cancel flags a run for cancellation and forwards the request to the runner.
// The in-flight stage finishes; the pipeline stops before the next one.
func (s Service) Cancel(ctx context.Context, runID string) error {
	if err := s.runs.RequestCancel(ctx, runID); err != nil {
		return err
	}
	if err := s.runner.Cancel(ctx, runID); err != nil {
		if errors.Is(err, ErrRunNotActive) {
			s.logger.Info("cancel recorded, run not executing on runner", "run_id", runID)
			return nil
		}
		s.logger.Warn("runner cancel call failed", "run_id", runID, "error", err)
	}
	return nil
}

// Get returns a run with its stage results.
func (s Service) Get(ctx context.Context, runID string) (*domain.PipelineRun, []domain.StageResult, error) {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	stages, err := s.runs.ListStages(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, stages, nil
}

// ListByApp returns recent runs for an application, newest first.
func (s Service) ListByApp(ctx context.Context, appID string, limit, offset int) ([]domain.PipelineRun, error) {
	return s.runs.ListRunsByApp(ctx, appID, limit, offset)
}

// ListArtifacts returns recent published images for an application.
func (s Service) ListArtifacts(ctx context.Context, appID string, limit int) ([]domain.ImageArtifact, error) {
	return s.artifacts.ListArtifactsByApp(ctx, appID, limit)
}

// AppStatus is the aggregate status surface for one application.
type AppStatus struct {
	App         *domain.Application          `json:"application"`
	LatestRun   *domain.PipelineRun          `json:"latest_run,omitempty"`
	Stages      []domain.StageResult         `json:"stages,omitempty"`
	Desired     *domain.DesiredStateRecord   `json:"desired_state,omitempty"`
	Observation *domain.ReconcileObservation `json:"reconciliation,omitempty"`
	Drift       bool                         `json:"drift"`
}

// Status assembles what is running, what should be running, and what the
// reconciliation agent last reported.
func (s Service) Status(ctx context.Context, appID string) (*AppStatus, error) {
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	status := &AppStatus{App: app}

	recent, err := s.runs.ListRunsByApp(ctx, app.ID, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		latest := recent[0]
		status.LatestRun = &latest
		stages, err := s.runs.ListStages(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		status.Stages = stages
	}

	desired, err := s.desired.GetDesiredState(ctx, app.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	status.Desired = desired

	observation, err := s.observations.LatestObservation(ctx, app.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	status.Observation = observation

	if desired != nil && observation != nil && observation.SyncRevision != "" {
		status.Drift = observation.SyncRevision != desired.Value
	}
	return status, nil
}

// supersedeActive cancels still-active runs for the same branch so the newest
// revision wins the pipeline.
func (s Service) supersedeActive(ctx context.Context, appID, branch, revision string) {
	active, err := s.runs.ListActiveRunsByApp(ctx, appID, branch)
	if err != nil {
		s.logger.Warn("list active runs failed", "app_id", appID, "error", err)
		return
	}
	for _, stale := range active {
		if stale.Revision == revision {
			continue
		}
		if err := s.runs.RequestCancel(ctx, stale.ID); err != nil {
			s.logger.Warn("supersede cancel failed", "run_id", stale.ID, "error", err)
			continue
		}
		if err := s.runner.Cancel(ctx, stale.ID); err != nil && !errors.Is(err, ErrRunNotActive) {
			s.logger.Warn("supersede runner cancel failed", "run_id", stale.ID, "error", err)
		}
		s.logger.Info("run superseded", "run_id", stale.ID, "app_id", appID, "by_revision", revision)
	}
}

func (s Service) dispatch(ctx context.Context, app *domain.Application, run *domain.PipelineRun) error {
	env, err := s.apps.BuildEnv(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("load build env: %w", err)
	}

	req := DispatchRequest{
		RunID:         run.ID,
		AppID:         app.ID,
		AppName:       app.Name,
		Revision:      run.Revision,
		Branch:        run.Branch,
		Trigger:       string(run.Trigger),
		RepoURL:       app.RepoURL,
		BuildCommand:  app.BuildCommand,
		TestCommand:   app.TestCommand,
		BuildImage:    app.BuildImage,
		Env:           env,
		Dockerfile:    app.Dockerfile,
		ImageRepo:     app.ImageRepo,
		ConfigRepoURL: app.ConfigRepoURL,
		ConfigBranch:  app.ConfigBranch,
		ConfigPath:    app.ConfigPath,
		ConfigKey:     app.ConfigKey,
		Environment:   app.Environment,
	}

	// A prior run may have published this revision already; pass the digest
	// so the runner can treat the existing tag as success instead of a
	// conflict.
	if artifact, err := s.artifacts.GetArtifactByTag(ctx, app.ID, run.Revision); err == nil {
		req.KnownDigest = artifact.Digest
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("artifact lookup failed", "run_id", run.ID, "revision", run.Revision, "error", err)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()
	return s.runner.Execute(dispatchCtx, req)
}

// seedStages creates the initial stage rows for a run. Rollback runs only
// execute the config stage; the others are recorded skipped from the start.
func seedStages(run *domain.PipelineRun, at time.Time) []domain.StageResult {
	stages := make([]domain.StageResult, 0, len(domain.StageOrder))
	for _, name := range domain.StageOrder {
		stage := domain.StageResult{
			RunID:     run.ID,
			Name:      name,
			Status:    domain.StagePending,
			UpdatedAt: at,
		}
		if run.Trigger == domain.TriggerRollback && name != domain.StageConfigUpdate {
			completed := at
			stage.Status = domain.StageSkipped
			stage.CompletedAt = &completed
		}
		stages = append(stages, stage)
	}
	return stages
}

func firstPendingStage(run *domain.PipelineRun) domain.StageName {
	if run.Trigger == domain.TriggerRollback {
		return domain.StageConfigUpdate
	}
	return domain.StageBuildTest
}
