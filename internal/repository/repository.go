package repository

import (
	"context"
	"time"

	"github.com/conveyorci/conveyor/internal/domain"
)

// OperatorRepository persists control-plane accounts.
type OperatorRepository interface {
	CreateOperator(ctx context.Context, operator *domain.Operator) error
	GetOperatorByEmail(ctx context.Context, email string) (*domain.Operator, error)
	GetOperatorByID(ctx context.Context, id string) (*domain.Operator, error)
}

// ApplicationRepository persists application registrations.
type ApplicationRepository interface {
	CreateApplication(ctx context.Context, app *domain.Application) error
	UpdateApplication(ctx context.Context, app *domain.Application) error
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	GetApplicationByName(ctx context.Context, name string) (*domain.Application, error)
	ListApplications(ctx context.Context) ([]domain.Application, error)
	UpsertEnvVar(ctx context.Context, envVar *domain.AppEnvVar) error
	ListEnvVars(ctx context.Context, appID string) ([]domain.AppEnvVar, error)
	DeleteEnvVar(ctx context.Context, appID, key string) error
}

// RunRepository stores pipeline runs and their stage results.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.PipelineRun, stages []domain.StageResult) error
	GetRunByID(ctx context.Context, id string) (*domain.PipelineRun, error)
	ListRunsByApp(ctx context.Context, appID string, limit, offset int) ([]domain.PipelineRun, error)
	ListActiveRunsByApp(ctx context.Context, appID, branch string) ([]domain.PipelineRun, error)
	StartRun(ctx context.Context, id string, at time.Time) error
	CompleteRun(ctx context.Context, id string, status domain.RunStatus, runErr *domain.RunError, at time.Time) error
	RequestCancel(ctx context.Context, id string) error
	ListStages(ctx context.Context, runID string) ([]domain.StageResult, error)
	UpdateStage(ctx context.Context, update domain.StageUpdate) error
	SkipPendingStages(ctx context.Context, runID string, at time.Time) error
}

// ArtifactRepository stores published image artifacts.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact *domain.ImageArtifact) error
	GetArtifactByTag(ctx context.Context, appID, tag string) (*domain.ImageArtifact, error)
	GetArtifactByRun(ctx context.Context, runID string) (*domain.ImageArtifact, error)
	ListArtifactsByApp(ctx context.Context, appID string, limit int) ([]domain.ImageArtifact, error)
}

// DesiredStateRepository mirrors the last written configuration entries.
type DesiredStateRepository interface {
	UpsertDesiredState(ctx context.Context, record *domain.DesiredStateRecord) error
	GetDesiredState(ctx context.Context, appID string) (*domain.DesiredStateRecord, error)
}

// ReconcileRepository stores observed reconciliation agent states.
type ReconcileRepository interface {
	InsertObservation(ctx context.Context, obs *domain.ReconcileObservation) error
	LatestObservation(ctx context.Context, appID string) (*domain.ReconcileObservation, error)
	ListObservations(ctx context.Context, appID string, limit int) ([]domain.ReconcileObservation, error)
}

// LogRepository handles run log persistence and retrieval.
type LogRepository interface {
	AppendLog(ctx context.Context, log domain.RunLog) error
	ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error)
}
