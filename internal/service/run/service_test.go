package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
	"github.com/conveyorci/conveyor/internal/service/application"
	"github.com/conveyorci/conveyor/internal/service/logs"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/crypto"
)

var testTime = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func testApp() *domain.Application {
	return &domain.Application{
		ID:            "app-1",
		Name:          "checkout",
		RepoURL:       "https://git.example.com/checkout.git",
		Branch:        "main",
		BuildCommand:  "make build",
		TestCommand:   "make test",
		Dockerfile:    "Dockerfile",
		ImageRepo:     "registry.example.com/checkout",
		ConfigRepoURL: "https://git.example.com/deploy.git",
		ConfigBranch:  "main",
		ConfigPath:    "apps/checkout/values.yaml",
		ConfigKey:     "image.tag",
		Environment:   "production",
	}
}

type completionCall struct {
	id     string
	status domain.RunStatus
	err    *domain.RunError
}

type fakeRunRepo struct {
	runs   map[string]*domain.PipelineRun
	stages map[string][]domain.StageResult
	active []domain.PipelineRun

	createErr      error
	completeErr    error
	cancelErr      error
	updateStageErr error

	created        []*domain.PipelineRun
	cancelRequests []string
	completions    []completionCall
	stageUpdates   []domain.StageUpdate
	skipCalls      []string
	started        []string
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{
		runs:   map[string]*domain.PipelineRun{},
		stages: map[string][]domain.StageResult{},
	}
}

func (f *fakeRunRepo) CreateRun(ctx context.Context, run *domain.PipelineRun, stages []domain.StageResult) error {
	if f.createErr != nil {
		return f.createErr
	}
	copied := *run
	f.runs[run.ID] = &copied
	f.stages[run.ID] = append([]domain.StageResult(nil), stages...)
	f.created = append(f.created, &copied)
	return nil
}

func (f *fakeRunRepo) GetRunByID(ctx context.Context, id string) (*domain.PipelineRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeRunRepo) ListRunsByApp(ctx context.Context, appID string, limit, offset int) ([]domain.PipelineRun, error) {
	var out []domain.PipelineRun
	for _, run := range f.runs {
		if run.AppID == appID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeRunRepo) ListActiveRunsByApp(ctx context.Context, appID, branch string) ([]domain.PipelineRun, error) {
	return f.active, nil
}

func (f *fakeRunRepo) StartRun(ctx context.Context, id string, at time.Time) error {
	f.started = append(f.started, id)
	if run, ok := f.runs[id]; ok {
		run.Status = domain.RunRunning
	}
	return nil
}

func (f *fakeRunRepo) CompleteRun(ctx context.Context, id string, status domain.RunStatus, runErr *domain.RunError, at time.Time) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completions = append(f.completions, completionCall{id: id, status: status, err: runErr})
	if run, ok := f.runs[id]; ok {
		run.Status = status
		run.Error = runErr
	}
	return nil
}

func (f *fakeRunRepo) RequestCancel(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelRequests = append(f.cancelRequests, id)
	return nil
}

func (f *fakeRunRepo) ListStages(ctx context.Context, runID string) ([]domain.StageResult, error) {
	return append([]domain.StageResult(nil), f.stages[runID]...), nil
}

func (f *fakeRunRepo) UpdateStage(ctx context.Context, update domain.StageUpdate) error {
	if f.updateStageErr != nil {
		return f.updateStageErr
	}
	f.stageUpdates = append(f.stageUpdates, update)
	return nil
}

func (f *fakeRunRepo) SkipPendingStages(ctx context.Context, runID string, at time.Time) error {
	f.skipCalls = append(f.skipCalls, runID)
	return nil
}

type fakeArtifactRepo struct {
	byTag     map[string]*domain.ImageArtifact
	created   []domain.ImageArtifact
	createErr error
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{byTag: map[string]*domain.ImageArtifact{}}
}

func (f *fakeArtifactRepo) CreateArtifact(ctx context.Context, artifact *domain.ImageArtifact) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *artifact)
	f.byTag[artifact.AppID+":"+artifact.Tag] = artifact
	return nil
}

func (f *fakeArtifactRepo) GetArtifactByTag(ctx context.Context, appID, tag string) (*domain.ImageArtifact, error) {
	artifact, ok := f.byTag[appID+":"+tag]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *artifact
	return &copied, nil
}

func (f *fakeArtifactRepo) GetArtifactByRun(ctx context.Context, runID string) (*domain.ImageArtifact, error) {
	for _, artifact := range f.created {
		if artifact.RunID == runID {
			copied := artifact
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeArtifactRepo) ListArtifactsByApp(ctx context.Context, appID string, limit int) ([]domain.ImageArtifact, error) {
	return append([]domain.ImageArtifact(nil), f.created...), nil
}

type fakeDesiredRepo struct {
	state   *domain.DesiredStateRecord
	upserts []domain.DesiredStateRecord
}

func (f *fakeDesiredRepo) UpsertDesiredState(ctx context.Context, record *domain.DesiredStateRecord) error {
	f.upserts = append(f.upserts, *record)
	f.state = record
	return nil
}

func (f *fakeDesiredRepo) GetDesiredState(ctx context.Context, appID string) (*domain.DesiredStateRecord, error) {
	if f.state == nil {
		return nil, repository.ErrNotFound
	}
	copied := *f.state
	return &copied, nil
}

type fakeObservationRepo struct {
	latest  *domain.ReconcileObservation
	inserts []domain.ReconcileObservation
}

func (f *fakeObservationRepo) InsertObservation(ctx context.Context, obs *domain.ReconcileObservation) error {
	f.inserts = append(f.inserts, *obs)
	f.latest = obs
	return nil
}

func (f *fakeObservationRepo) LatestObservation(ctx context.Context, appID string) (*domain.ReconcileObservation, error) {
	if f.latest == nil {
		return nil, repository.ErrNotFound
	}
	copied := *f.latest
	return &copied, nil
}

func (f *fakeObservationRepo) ListObservations(ctx context.Context, appID string, limit int) ([]domain.ReconcileObservation, error) {
	return append([]domain.ReconcileObservation(nil), f.inserts...), nil
}

type fakeAppRepo struct {
	app     *domain.Application
	envVars []domain.AppEnvVar
}

func (f *fakeAppRepo) CreateApplication(ctx context.Context, app *domain.Application) error { return nil }
func (f *fakeAppRepo) UpdateApplication(ctx context.Context, app *domain.Application) error {
	return nil
}

func (f *fakeAppRepo) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	if f.app == nil || f.app.ID != id {
		return nil, repository.ErrNotFound
	}
	copied := *f.app
	return &copied, nil
}

func (f *fakeAppRepo) GetApplicationByName(ctx context.Context, name string) (*domain.Application, error) {
	if f.app == nil || f.app.Name != name {
		return nil, repository.ErrNotFound
	}
	copied := *f.app
	return &copied, nil
}

func (f *fakeAppRepo) ListApplications(ctx context.Context) ([]domain.Application, error) {
	if f.app == nil {
		return nil, nil
	}
	return []domain.Application{*f.app}, nil
}

func (f *fakeAppRepo) UpsertEnvVar(ctx context.Context, envVar *domain.AppEnvVar) error { return nil }

func (f *fakeAppRepo) ListEnvVars(ctx context.Context, appID string) ([]domain.AppEnvVar, error) {
	return append([]domain.AppEnvVar(nil), f.envVars...), nil
}

func (f *fakeAppRepo) DeleteEnvVar(ctx context.Context, appID, key string) error { return nil }

type fakeRunner struct {
	executes  []DispatchRequest
	execErr   error
	cancels   []string
	cancelErr error
}

func (f *fakeRunner) Execute(ctx context.Context, req DispatchRequest) error {
	f.executes = append(f.executes, req)
	return f.execErr
}

func (f *fakeRunner) Cancel(ctx context.Context, runID string) error {
	f.cancels = append(f.cancels, runID)
	return f.cancelErr
}

type fakeLogRepo struct {
	entries []domain.RunLog
}

func (f *fakeLogRepo) AppendLog(ctx context.Context, log domain.RunLog) error {
	f.entries = append(f.entries, log)
	return nil
}

func (f *fakeLogRepo) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	return append([]domain.RunLog(nil), f.entries...), nil
}

func newTestService(opts ...func(*Service)) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{
		SecretSealKey:   "seal-key",
		DispatchTimeout: time.Second,
	}
	appRepo := &fakeAppRepo{app: testApp()}
	svc := New(
		newFakeRunRepo(),
		newFakeArtifactRepo(),
		&fakeDesiredRepo{},
		&fakeObservationRepo{},
		application.New(appRepo, logger, cfg),
		logs.New(&fakeLogRepo{}, nil, logger),
		&fakeRunner{},
		logger,
		cfg,
	)
	svc.now = func() time.Time { return testTime }
	for _, opt := range opts {
		opt(&svc)
	}
	return svc
}

func TestTriggerCreatesAndDispatchesRun(t *testing.T) {
	runRepo := newFakeRunRepo()
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.runner = runner
	})

	created, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerWebhook)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if created.Status != domain.RunRunning {
		t.Fatalf("expected running after dispatch ack, got %s", created.Status)
	}
	if created.Branch != "main" {
		t.Fatalf("expected app default branch, got %q", created.Branch)
	}

	if len(runner.executes) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(runner.executes))
	}
	dispatched := runner.executes[0]
	if dispatched.RunID != created.ID || dispatched.Revision != "abc123" {
		t.Fatalf("unexpected dispatch %+v", dispatched)
	}
	if dispatched.ImageRepo != "registry.example.com/checkout" || dispatched.ConfigKey != "image.tag" {
		t.Fatalf("application fields not forwarded: %+v", dispatched)
	}
	if dispatched.KnownDigest != "" {
		t.Fatalf("expected no known digest for a new revision, got %q", dispatched.KnownDigest)
	}

	stages := runRepo.stages[created.ID]
	if len(stages) != len(domain.StageOrder) {
		t.Fatalf("expected %d seeded stages, got %d", len(domain.StageOrder), len(stages))
	}
	for i, stage := range stages {
		if stage.Name != domain.StageOrder[i] {
			t.Fatalf("stage %d out of order: %s", i, stage.Name)
		}
		if stage.Status != domain.StagePending {
			t.Fatalf("stage %s should start pending, got %s", stage.Name, stage.Status)
		}
	}
	if len(runRepo.started) != 1 {
		t.Fatalf("expected StartRun once, got %d", len(runRepo.started))
	}
}

func TestTriggerForwardsSealedEnvVars(t *testing.T) {
	sealed, err := crypto.Seal("seal-key", "super-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.ServerConfig{SecretSealKey: "seal-key", DispatchTimeout: time.Second}
	appRepo := &fakeAppRepo{
		app:     testApp(),
		envVars: []domain.AppEnvVar{{AppID: "app-1", Key: "NPM_TOKEN", Value: sealed}},
	}
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.apps = application.New(appRepo, logger, cfg)
		s.runner = runner
	})

	if _, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := runner.executes[0].Env["NPM_TOKEN"]; got != "super-secret" {
		t.Fatalf("expected unsealed env var, got %q", got)
	}
}

func TestTriggerPassesKnownDigestForRepublishedRevision(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	artifacts.byTag["app-1:abc123"] = &domain.ImageArtifact{
		AppID: "app-1", Tag: "abc123", Digest: "sha256:feedface",
	}
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.artifacts = artifacts
		s.runner = runner
	})

	if _, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := runner.executes[0].KnownDigest; got != "sha256:feedface" {
		t.Fatalf("expected known digest forwarded, got %q", got)
	}
}

func TestTriggerDispatchFailureMarksRunFailed(t *testing.T) {
	runRepo := newFakeRunRepo()
	runner := &fakeRunner{execErr: errors.New("connection refused")}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.runner = runner
	})

	_, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerWebhook)
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if len(runRepo.completions) != 1 {
		t.Fatalf("expected run marked failed, got %d completions", len(runRepo.completions))
	}
	completion := runRepo.completions[0]
	if completion.status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", completion.status)
	}
	if completion.err == nil || completion.err.Kind != domain.ErrRunnerInternal {
		t.Fatalf("expected runner_internal, got %+v", completion.err)
	}
	if completion.err.Stage != domain.StageBuildTest {
		t.Fatalf("expected build_test stage, got %s", completion.err.Stage)
	}
	if len(runRepo.skipCalls) != 1 {
		t.Fatalf("expected pending stages skipped, got %d calls", len(runRepo.skipCalls))
	}
}

func TestTriggerSupersedesActiveRuns(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.active = []domain.PipelineRun{
		{ID: "run-old", AppID: "app-1", Revision: "old111", Status: domain.RunRunning},
		{ID: "run-same", AppID: "app-1", Revision: "abc123", Status: domain.RunRunning},
	}
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.runner = runner
		s.cfg.AutoSupersede = true
	})

	if _, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerWebhook); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(runRepo.cancelRequests) != 1 || runRepo.cancelRequests[0] != "run-old" {
		t.Fatalf("expected only stale run canceled, got %v", runRepo.cancelRequests)
	}
	if len(runner.cancels) != 1 || runner.cancels[0] != "run-old" {
		t.Fatalf("expected runner cancel for stale run, got %v", runner.cancels)
	}
}

func TestTriggerNoSupersedeForManualRuns(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.active = []domain.PipelineRun{
		{ID: "run-old", AppID: "app-1", Revision: "old111", Status: domain.RunRunning},
	}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.cfg.AutoSupersede = true
	})

	if _, err := svc.Trigger(context.Background(), "app-1", "abc123", "", domain.TriggerManual); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(runRepo.cancelRequests) != 0 {
		t.Fatalf("manual runs must not supersede, got %v", runRepo.cancelRequests)
	}
}

func TestRollbackRequiresPublishedArtifact(t *testing.T) {
	runRepo := newFakeRunRepo()
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
	})

	_, err := svc.Rollback(context.Background(), "app-1", "ghost99")
	if !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("expected ErrNoArtifact, got %v", err)
	}
	if len(runRepo.created) != 0 {
		t.Fatalf("expected no run created, got %d", len(runRepo.created))
	}
}

func TestRollbackSeedsSkippedStages(t *testing.T) {
	runRepo := newFakeRunRepo()
	artifacts := newFakeArtifactRepo()
	artifacts.byTag["app-1:abc123"] = &domain.ImageArtifact{
		AppID: "app-1", Tag: "abc123", Digest: "sha256:feedface",
	}
	runner := &fakeRunner{}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.artifacts = artifacts
		s.runner = runner
	})

	created, err := svc.Rollback(context.Background(), "app-1", "abc123")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if created.Trigger != domain.TriggerRollback {
		t.Fatalf("expected rollback trigger, got %s", created.Trigger)
	}

	stages := runRepo.stages[created.ID]
	byName := map[domain.StageName]domain.StageResult{}
	for _, stage := range stages {
		byName[stage.Name] = stage
	}
	if byName[domain.StageBuildTest].Status != domain.StageSkipped {
		t.Fatalf("build_test should be pre-skipped, got %s", byName[domain.StageBuildTest].Status)
	}
	if byName[domain.StagePublish].Status != domain.StageSkipped {
		t.Fatalf("publish should be pre-skipped, got %s", byName[domain.StagePublish].Status)
	}
	if byName[domain.StageConfigUpdate].Status != domain.StagePending {
		t.Fatalf("config_update should be pending, got %s", byName[domain.StageConfigUpdate].Status)
	}
	if runner.executes[0].KnownDigest != "sha256:feedface" {
		t.Fatalf("rollback dispatch missing known digest: %+v", runner.executes[0])
	}
}

func TestCancelForwardsToRunner(t *testing.T) {
	runRepo := newFakeRunRepo()
	runner := &fakeRunner{cancelErr: ErrRunNotActive}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.runner = runner
	})

	if err := svc.Cancel(context.Background(), "run-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(runRepo.cancelRequests) != 1 {
		t.Fatalf("expected cancel recorded, got %v", runRepo.cancelRequests)
	}
	if len(runner.cancels) != 1 {
		t.Fatalf("expected runner cancel attempted, got %v", runner.cancels)
	}
}

func TestCancelTerminalRunRefused(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.cancelErr = repository.ErrImmutable
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
	})

	if err := svc.Cancel(context.Background(), "run-1"); !errors.Is(err, repository.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestProcessStageEventUpdatesStage(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.runs["run-1"] = &domain.PipelineRun{ID: "run-1", AppID: "app-1", Status: domain.RunRunning}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
	})

	err := svc.ProcessStageEvent(context.Background(), StageEventPayload{
		RunID:     "run-1",
		Stage:     domain.StageBuildTest,
		Status:    domain.StageRunning,
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(runRepo.stageUpdates) != 1 {
		t.Fatalf("expected one stage update, got %d", len(runRepo.stageUpdates))
	}
	update := runRepo.stageUpdates[0]
	if update.Status != domain.StageRunning {
		t.Fatalf("unexpected status %s", update.Status)
	}
	if update.StartedAt == nil || !update.StartedAt.Equal(testTime) {
		t.Fatalf("expected started_at from payload, got %v", update.StartedAt)
	}
	if update.CompletedAt != nil {
		t.Fatal("running transition must not complete the stage")
	}
}

func TestProcessStageEventRecordsArtifact(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.runs["run-1"] = &domain.PipelineRun{ID: "run-1", AppID: "app-1", Status: domain.RunRunning}
	artifacts := newFakeArtifactRepo()
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.artifacts = artifacts
	})

	err := svc.ProcessStageEvent(context.Background(), StageEventPayload{
		RunID:  "run-1",
		Stage:  domain.StagePublish,
		Status: domain.StageSucceeded,
		Artifact: &ArtifactPayload{
			Repository: "registry.example.com/checkout",
			Tag:        "abc123",
			Digest:     "sha256:feedface",
		},
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(artifacts.created) != 1 {
		t.Fatalf("expected artifact recorded, got %d", len(artifacts.created))
	}
	artifact := artifacts.created[0]
	if artifact.AppID != "app-1" || artifact.RunID != "run-1" {
		t.Fatalf("artifact ownership wrong: %+v", artifact)
	}
	if artifact.Tag != "abc123" || artifact.Digest != "sha256:feedface" {
		t.Fatalf("artifact fields wrong: %+v", artifact)
	}
}

func TestProcessStageEventRecordsDesiredState(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.runs["run-1"] = &domain.PipelineRun{ID: "run-1", AppID: "app-1", Status: domain.RunRunning}
	desired := &fakeDesiredRepo{}
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.desired = desired
	})

	err := svc.ProcessStageEvent(context.Background(), StageEventPayload{
		RunID:  "run-1",
		Stage:  domain.StageConfigUpdate,
		Status: domain.StageSucceeded,
		Config: &ConfigPayload{
			Path:     "apps/checkout/values.yaml",
			Key:      "image.tag",
			Value:    "abc123",
			Revision: "cfg-7",
			Changed:  true,
		},
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(desired.upserts) != 1 {
		t.Fatalf("expected desired state recorded, got %d", len(desired.upserts))
	}
	record := desired.upserts[0]
	if record.Value != "abc123" || record.Revision != "cfg-7" || record.Environment != "production" {
		t.Fatalf("desired state wrong: %+v", record)
	}
}

func TestProcessStageEventRejectsUnknownStage(t *testing.T) {
	svc := newTestService()
	err := svc.ProcessStageEvent(context.Background(), StageEventPayload{
		RunID:  "run-1",
		Stage:  "lint",
		Status: domain.StageRunning,
	})
	if err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestProcessStageEventImmutableAfterTerminal(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.runs["run-1"] = &domain.PipelineRun{ID: "run-1", AppID: "app-1", Status: domain.RunFailed}
	runRepo.updateStageErr = repository.ErrImmutable
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
	})

	err := svc.ProcessStageEvent(context.Background(), StageEventPayload{
		RunID:  "run-1",
		Stage:  domain.StageBuildTest,
		Status: domain.StageSucceeded,
	})
	if !errors.Is(err, repository.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
}

func TestProcessCompletionFinalizesRun(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.runs["run-1"] = &domain.PipelineRun{ID: "run-1", AppID: "app-1", Status: domain.RunRunning}
	logRepo := &fakeLogRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
		s.logSvc = logs.New(logRepo, nil, logger)
	})

	err := svc.ProcessCompletion(context.Background(), CompletionPayload{
		RunID:  "run-1",
		Status: "failed",
		Error: &domain.RunError{
			Stage:            domain.StageBuildTest,
			Kind:             domain.ErrTestFailure,
			Message:          "test command exited with status 1",
			FirstFailingTest: "TestCheckout",
		},
		Timestamp: testTime,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(runRepo.completions) != 1 {
		t.Fatalf("expected one completion, got %d", len(runRepo.completions))
	}
	completion := runRepo.completions[0]
	if completion.status != domain.RunFailed {
		t.Fatalf("expected failed, got %s", completion.status)
	}
	if completion.err == nil || completion.err.FirstFailingTest != "TestCheckout" {
		t.Fatalf("run error not preserved: %+v", completion.err)
	}
	if len(runRepo.skipCalls) != 1 {
		t.Fatal("expected pending stages skipped after completion")
	}
	found := false
	for _, entry := range logRepo.entries {
		if entry.Level == "error" && entry.RunID == "run-1" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected error log entry for failed run")
	}
}

func TestProcessCompletionRejectsNonTerminalStatus(t *testing.T) {
	svc := newTestService()
	err := svc.ProcessCompletion(context.Background(), CompletionPayload{RunID: "run-1", Status: "running"})
	if err == nil {
		t.Fatal("expected invalid status error")
	}
}

func TestProcessCompletionDuplicateRefused(t *testing.T) {
	runRepo := newFakeRunRepo()
	runRepo.completeErr = repository.ErrImmutable
	svc := newTestService(func(s *Service) {
		s.runs = runRepo
	})

	err := svc.ProcessCompletion(context.Background(), CompletionPayload{RunID: "run-1", Status: "succeeded"})
	if !errors.Is(err, repository.ErrImmutable) {
		t.Fatalf("expected ErrImmutable for redelivery, got %v", err)
	}
}

func TestProcessLogLineAppends(t *testing.T) {
	logRepo := &fakeLogRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestService(func(s *Service) {
		s.logSvc = logs.New(logRepo, nil, logger)
	})

	err := svc.ProcessLogLine(context.Background(), LogPayload{
		RunID: "run-1",
		Stage: domain.StageBuildTest,
		Line:  "$ make build",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(logRepo.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logRepo.entries))
	}
	entry := logRepo.entries[0]
	if entry.Source != "runner" || entry.Level != "info" || entry.Message != "$ make build" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestStatusReportsDrift(t *testing.T) {
	desired := &fakeDesiredRepo{state: &domain.DesiredStateRecord{
		AppID: "app-1", Value: "abc123", Revision: "cfg-7",
	}}
	observations := &fakeObservationRepo{latest: &domain.ReconcileObservation{
		AppID: "app-1", State: domain.ReconcileProgressing, SyncRevision: "old111",
	}}
	svc := newTestService(func(s *Service) {
		s.desired = desired
		s.observations = observations
	})

	status, err := svc.Status(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Drift {
		t.Fatal("expected drift when agent runs an older revision")
	}

	observations.latest.SyncRevision = "abc123"
	status, err = svc.Status(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Drift {
		t.Fatal("expected no drift once revisions match")
	}
}
