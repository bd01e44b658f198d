package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/objectstore"
	"github.com/conveyorci/conveyor/internal/runner/configstore"
	"github.com/conveyorci/conveyor/internal/runner/git"
	"github.com/conveyorci/conveyor/internal/runner/registry"
	"github.com/conveyorci/conveyor/internal/runner/workspace"
	"github.com/conveyorci/conveyor/pkg/config"
)

var (
	// ErrUnknownRun is returned by Cancel when no such run is executing.
	ErrUnknownRun = errors.New("pipeline: unknown run")
	// ErrAlreadyRunning is returned by Handle for a run id that is still executing.
	ErrAlreadyRunning = errors.New("pipeline: run already executing")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("pipeline: invalid request")
)

// Request contains run parameters from the control plane.
type Request struct {
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

func (r Request) rollback() bool {
	return r.Trigger == string(domain.TriggerRollback)
}

// Result acknowledges an accepted run.
type Result struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ImageClient is the subset of the registry client the pipeline uses.
type ImageClient interface {
	Ping(ctx context.Context) error
	BuildImage(ctx context.Context, dir, dockerfile, tag string, buildArgs map[string]*string, onOutput registry.OutputCallback) error
	Push(ctx context.Context, ref string, auth registry.Auth, onOutput registry.OutputCallback) (string, error)
	Pull(ctx context.Context, ref string, auth registry.Auth, onOutput registry.OutputCallback) error
	Resolve(ctx context.Context, ref string, auth registry.Auth) (string, error)
	RunContainer(ctx context.Context, name, image, workdir string, cmd []string, env []string, binds []string) (string, error)
	StreamLogs(ctx context.Context, containerID string, onOutput registry.OutputCallback) error
	WaitForStop(ctx context.Context, containerID string) (int64, error)
	RemoveContainer(ctx context.Context, name string) error
}

var _ ImageClient = (*registry.Client)(nil)

// Service executes promotion pipelines. Each accepted run gets a goroutine
// that walks the stages in order, streams output and transitions back to the
// control plane, and stops at the first failure. Cancellation takes effect
// between stages; an in-flight stage always runs to completion.
type Service struct {
	images    ImageClient
	workspace *workspace.Manager
	archive   objectstore.Store
	notifier  Notifier
	logger    *slog.Logger
	cfg       config.RunnerConfig

	checkout func(ctx context.Context, repoURL, revision, dest string) error
	newStore func(cfg configstore.GitConfig) configstore.Store

	active *sync.Map
}

type runHandle struct {
	canceled atomic.Bool
}

// runState carries per-run paths and stage outputs across the stage loop.
type runState struct {
	workdir  string
	srcDir   string
	artifact *ArtifactReport
	config   *ConfigWrite
}

// New creates a pipeline service.
func New(images ImageClient, ws *workspace.Manager, archive objectstore.Store, logger *slog.Logger, cfg config.RunnerConfig) Service {
	return Service{
		images:    images,
		workspace: ws,
		archive:   archive,
		notifier:  newHTTPNotifier(cfg.CallbackURL, cfg.CallbackToken, cfg.CallbackTimeout, logger),
		logger:    logger,
		cfg:       cfg,
		checkout:  git.CheckoutRevision,
		newStore: func(storeCfg configstore.GitConfig) configstore.Store {
			return configstore.NewGitStore(storeCfg)
		},
		active: &sync.Map{},
	}
}

// Handle validates and accepts a run, then executes it asynchronously.
func (s Service) Handle(ctx context.Context, req Request) (Result, error) {
	if err := s.validateRequest(req); err != nil {
		return Result{}, err
	}
	if s.workspace == nil {
		return Result{}, fmt.Errorf("workspace manager not initialised")
	}
	if !req.rollback() {
		if err := s.images.Ping(ctx); err != nil {
			return Result{}, err
		}
	}
	if _, exists := s.active.LoadOrStore(req.RunID, &runHandle{}); exists {
		return Result{}, fmt.Errorf("run %s: %w", req.RunID, ErrAlreadyRunning)
	}
	s.logger.Info("run accepted",
		"run_id", req.RunID,
		"app_id", req.AppID,
		"revision", req.Revision,
		"trigger", req.Trigger,
	)

	go s.execute(context.Background(), req)

	return Result{RunID: req.RunID, Status: string(domain.RunRunning), Timestamp: time.Now().UTC()}, nil
}

// Cancel flags a run so it stops before its next stage.
func (s Service) Cancel(ctx context.Context, runID string) error {
	id := strings.TrimSpace(runID)
	if id == "" {
		return fmt.Errorf("run id required")
	}
	value, ok := s.active.Load(id)
	if !ok {
		return ErrUnknownRun
	}
	handle, ok := value.(*runHandle)
	if !ok {
		return ErrUnknownRun
	}
	handle.canceled.Store(true)
	s.logger.Info("cancel requested", "run_id", id)
	return nil
}

// Health verifies runner dependencies are reachable.
func (s Service) Health(ctx context.Context) error {
	if s.images == nil {
		return errors.New("image client not initialised")
	}
	return s.images.Ping(ctx)
}

func (s Service) validateRequest(req Request) error {
	if strings.TrimSpace(req.RunID) == "" {
		return fmt.Errorf("%w: run id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.AppID) == "" {
		return fmt.Errorf("%w: app id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Revision) == "" {
		return fmt.Errorf("%w: revision required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ConfigRepoURL) == "" {
		return fmt.Errorf("%w: config repository url required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ConfigPath) == "" {
		return fmt.Errorf("%w: config path required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.ConfigKey) == "" {
		return fmt.Errorf("%w: config key required", ErrInvalidRequest)
	}
	if !req.rollback() {
		if strings.TrimSpace(req.RepoURL) == "" {
			return fmt.Errorf("%w: repository url required", ErrInvalidRequest)
		}
		if strings.TrimSpace(req.ImageRepo) == "" {
			return fmt.Errorf("%w: image repository required", ErrInvalidRequest)
		}
	}
	return nil
}

func (s Service) execute(rootCtx context.Context, req Request) {
	defer s.active.Delete(req.RunID)
	value, ok := s.active.Load(req.RunID)
	if !ok {
		return
	}
	handle := value.(*runHandle)
	stages := stagesFor(req)

	workdir, err := s.workspace.Prepare(req.RunID)
	if err != nil {
		first := stages[0]
		serr := domain.NewStageError(first, domain.ErrRunnerInternal, fmt.Errorf("prepare workspace: %w", err))
		s.notifyStage(rootCtx, StageEvent{
			RunID:   req.RunID,
			Stage:   first,
			Status:  domain.StageFailed,
			Message: serr.Message,
			Error:   domain.RunErrorFrom(serr),
		})
		s.finishFailed(rootCtx, req, first, stages, serr)
		return
	}
	defer func() {
		if err := s.workspace.Cleanup(workdir); err != nil {
			s.logger.Error("workspace cleanup failed", "run_id", req.RunID, "error", err)
		}
	}()

	run := &runState{workdir: workdir, srcDir: workspace.SourceDir(workdir)}
	for _, stage := range stages {
		if handle.canceled.Load() {
			s.finishCanceled(rootCtx, req, stage, stages)
			return
		}
		if serr := s.runStage(rootCtx, req, stage, run); serr != nil {
			s.finishFailed(rootCtx, req, stage, stages, serr)
			return
		}
	}

	s.notifyCompletion(rootCtx, CompletionEvent{RunID: req.RunID, Status: domain.RunSucceeded})
	s.logger.Info("run succeeded", "run_id", req.RunID, "app_id", req.AppID, "revision", req.Revision)
}

// stagesFor returns the stages a run executes. Rollback runs re-point the
// deployment config at an already published revision, so only the config
// stage applies.
func stagesFor(req Request) []domain.StageName {
	if req.rollback() {
		return []domain.StageName{domain.StageConfigUpdate}
	}
	return domain.StageOrder
}

func (s Service) runStage(ctx context.Context, req Request, stage domain.StageName, run *runState) *domain.StageError {
	started := time.Now().UTC()
	s.notifyStage(ctx, StageEvent{
		RunID:   req.RunID,
		Stage:   stage,
		Status:  domain.StageRunning,
		Message: stageStartMessage(stage),
	})
	s.logger.Info("stage started", "run_id", req.RunID, "stage", stage)

	collector := newLogCollector(func(line string) {
		s.notifier.LogLine(ctx, LogEvent{RunID: req.RunID, Stage: stage, Level: "info", Line: line})
	})

	stageCtx, cancel := context.WithTimeout(ctx, s.stageTimeout(stage))
	var stageErr *domain.StageError
	switch stage {
	case domain.StageBuildTest:
		stageErr = s.runBuildTest(stageCtx, req, run, collector)
	case domain.StagePublish:
		run.artifact, stageErr = s.runPublish(stageCtx, req, run, collector)
	case domain.StageConfigUpdate:
		run.config, stageErr = s.runConfigUpdate(stageCtx, req, run, collector)
	default:
		stageErr = domain.NewStageError(stage, domain.ErrRunnerInternal, fmt.Errorf("unknown stage %s", stage))
	}
	cancel()
	collector.Flush()

	logKey := s.archiveStageLog(req.RunID, stage, collector)
	metadata := map[string]any{
		"duration_seconds": time.Since(started).Round(time.Millisecond).Seconds(),
	}

	if stageErr != nil {
		if tail := collector.Tail(40); len(tail) > 0 {
			metadata["log_tail"] = tail
		}
		s.notifyStage(ctx, StageEvent{
			RunID:    req.RunID,
			Stage:    stage,
			Status:   domain.StageFailed,
			Message:  stageErr.Message,
			Error:    domain.RunErrorFrom(stageErr),
			LogKey:   logKey,
			Metadata: metadata,
		})
		s.logger.Error("stage failed",
			"run_id", req.RunID,
			"stage", stage,
			"kind", stageErr.Kind,
			"error", stageErr.Message,
		)
		return stageErr
	}

	event := StageEvent{
		RunID:    req.RunID,
		Stage:    stage,
		Status:   domain.StageSucceeded,
		LogKey:   logKey,
		Metadata: metadata,
	}
	switch stage {
	case domain.StagePublish:
		event.Artifact = run.artifact
	case domain.StageConfigUpdate:
		event.Config = run.config
	}
	s.notifyStage(ctx, event)
	s.logger.Info("stage succeeded", "run_id", req.RunID, "stage", stage)
	return nil
}

func (s Service) finishFailed(ctx context.Context, req Request, failed domain.StageName, stages []domain.StageName, stageErr *domain.StageError) {
	s.skipRemaining(ctx, req, failed, stages, "skipped: earlier stage failed")
	s.notifyCompletion(ctx, CompletionEvent{
		RunID:  req.RunID,
		Status: domain.RunFailed,
		Error:  domain.RunErrorFrom(stageErr),
	})
	s.logger.Info("run failed",
		"run_id", req.RunID,
		"app_id", req.AppID,
		"stage", stageErr.Stage,
		"kind", stageErr.Kind,
	)
}

func (s Service) finishCanceled(ctx context.Context, req Request, next domain.StageName, stages []domain.StageName) {
	for i := stageIndexIn(stages, next); i >= 0 && i < len(stages); i++ {
		s.notifyStage(ctx, StageEvent{
			RunID:   req.RunID,
			Stage:   stages[i],
			Status:  domain.StageSkipped,
			Message: "skipped: run canceled",
		})
	}
	runErr := &domain.RunError{
		Stage:   next,
		Kind:    domain.ErrCanceled,
		Message: fmt.Sprintf("run canceled before stage %s", next),
	}
	s.notifyCompletion(ctx, CompletionEvent{RunID: req.RunID, Status: domain.RunFailed, Error: runErr})
	s.logger.Info("run canceled", "run_id", req.RunID, "app_id", req.AppID, "before_stage", next)
}

func (s Service) skipRemaining(ctx context.Context, req Request, after domain.StageName, stages []domain.StageName, message string) {
	idx := stageIndexIn(stages, after)
	if idx < 0 {
		return
	}
	for _, stage := range stages[idx+1:] {
		s.notifyStage(ctx, StageEvent{
			RunID:   req.RunID,
			Stage:   stage,
			Status:  domain.StageSkipped,
			Message: message,
		})
	}
}

func stageIndexIn(stages []domain.StageName, name domain.StageName) int {
	for i, stage := range stages {
		if stage == name {
			return i
		}
	}
	return -1
}

func (s Service) notifyStage(ctx context.Context, event StageEvent) {
	if err := s.notifier.StageChanged(ctx, event); err != nil {
		s.logger.Warn("stage callback failed", "run_id", event.RunID, "stage", event.Stage, "error", err)
	}
}

func (s Service) notifyCompletion(ctx context.Context, event CompletionEvent) {
	if err := s.notifier.RunCompleted(ctx, event); err != nil {
		s.logger.Warn("completion callback failed", "run_id", event.RunID, "error", err)
	}
}

func (s Service) archiveStageLog(runID string, stage domain.StageName, collector *logCollector) string {
	if s.archive == nil {
		return ""
	}
	data := collector.Archive()
	if len(data) == 0 {
		return ""
	}
	key := objectstore.LogKey(runID, string(stage))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "text/plain"); err != nil {
		s.logger.Warn("log archive failed", "run_id", runID, "stage", stage, "error", err)
		return ""
	}
	return key
}

func (s Service) stageTimeout(stage domain.StageName) time.Duration {
	switch stage {
	case domain.StageBuildTest:
		if s.cfg.BuildTimeout > 0 {
			return s.cfg.BuildTimeout
		}
		return 15 * time.Minute
	case domain.StagePublish:
		if s.cfg.PublishTimeout > 0 {
			return s.cfg.PublishTimeout
		}
		return 10 * time.Minute
	default:
		if s.cfg.ConfigTimeout > 0 {
			return s.cfg.ConfigTimeout
		}
		return 2 * time.Minute
	}
}

func stageStartMessage(stage domain.StageName) string {
	switch stage {
	case domain.StageBuildTest:
		return "checking out source and running build and tests"
	case domain.StagePublish:
		return "building and publishing container image"
	case domain.StageConfigUpdate:
		return "updating deployment configuration"
	default:
		return string(stage)
	}
}

func (s Service) registryAuth() registry.Auth {
	return registry.Auth{
		Username:      s.cfg.RegistryUsername,
		Password:      s.cfg.RegistryPassword,
		ServerAddress: s.cfg.RegistryServer,
	}
}

// authURL injects the configured git credentials into an http(s) remote URL
// that does not already carry userinfo.
func (s Service) authURL(raw string) string {
	if strings.TrimSpace(s.cfg.GitToken) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.User != nil {
		return raw
	}
	username := s.cfg.GitUsername
	if username == "" {
		username = "git"
	}
	u.User = url.UserPassword(username, s.cfg.GitToken)
	return u.String()
}
