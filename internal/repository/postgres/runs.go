package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
)

const runColumns = `id, app_id, revision, branch, trigger_source, status, error, cancel_requested,
		created_at, started_at, completed_at, updated_at`

// CreateRun inserts a pipeline run together with its ordered stage rows.
func (r *Repository) CreateRun(ctx context.Context, run *domain.PipelineRun, stages []domain.StageResult) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const runQuery = `INSERT INTO pipeline_runs (id, app_id, revision, branch, trigger_source, status, error, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	errPayload, err := marshalRunError(run.Error)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, runQuery,
		run.ID, run.AppID, run.Revision, run.Branch, run.Trigger, run.Status, errPayload,
		run.CancelRequested, run.CreatedAt, run.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02", "23505":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}

	if len(stages) > 0 {
		const stageQuery = `INSERT INTO stage_results (run_id, name, position, status, log_key, metadata, started_at, completed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		batch := &pgx.Batch{}
		for _, stage := range stages {
			batch.Queue(stageQuery,
				stage.RunID, stage.Name, domain.StageIndex(stage.Name), stage.Status,
				stage.LogKey, stage.Metadata, timePtrToNil(stage.StartedAt), timePtrToNil(stage.CompletedAt), stage.UpdatedAt,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range stages {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) {
					switch pgErr.Code {
					case "23503":
						return repository.ErrNotFound
					case "23514", "22P02", "23505":
						return repository.ErrInvalidArgument
					}
				}
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetRunByID fetches a run by identifier.
func (r *Repository) GetRunByID(ctx context.Context, id string) (*domain.PipelineRun, error) {
	const query = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanRun(row)
}

// ListRunsByApp returns recent runs for an application, newest first.
func (r *Repository) ListRunsByApp(ctx context.Context, appID string, limit, offset int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, appID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListActiveRunsByApp returns non-terminal runs for an application branch.
func (r *Repository) ListActiveRunsByApp(ctx context.Context, appID, branch string) ([]domain.PipelineRun, error) {
	const query = `SELECT ` + runColumns + ` FROM pipeline_runs
		WHERE app_id = $1 AND branch = $2 AND status IN ('pending', 'running')
		ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, appID, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// StartRun transitions a pending run to running.
func (r *Repository) StartRun(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE pipeline_runs
		SET status = 'running', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	cmdTag, err := r.pool.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return r.runUpdateRefusal(ctx, id)
	}
	return nil
}

// CompleteRun finalizes a run. Terminal runs are immutable; a second
// completion attempt is refused.
func (r *Repository) CompleteRun(ctx context.Context, id string, status domain.RunStatus, runErr *domain.RunError, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("complete run: %q is not a terminal status: %w", status, repository.ErrInvalidArgument)
	}
	errPayload, err := marshalRunError(runErr)
	if err != nil {
		return err
	}
	const query = `UPDATE pipeline_runs
		SET status = $2, error = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`
	cmdTag, err := r.pool.Exec(ctx, query, id, status, errPayload, at.UTC())
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return r.runUpdateRefusal(ctx, id)
	}
	return nil
}

// RequestCancel flags a non-terminal run for cancellation between stages.
func (r *Repository) RequestCancel(ctx context.Context, id string) error {
	const query = `UPDATE pipeline_runs
		SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`
	cmdTag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return r.runUpdateRefusal(ctx, id)
	}
	return nil
}

// runUpdateRefusal distinguishes a missing run from an immutable one.
func (r *Repository) runUpdateRefusal(ctx context.Context, id string) error {
	const query = `SELECT status FROM pipeline_runs WHERE id = $1`
	var status domain.RunStatus
	if err := r.pool.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if status.Terminal() {
		return repository.ErrImmutable
	}
	return repository.ErrInvalidArgument
}

// ListStages returns the ordered stage results of a run.
func (r *Repository) ListStages(ctx context.Context, runID string) ([]domain.StageResult, error) {
	const query = `SELECT run_id, name, status, log_key, metadata, started_at, completed_at, updated_at
		FROM stage_results WHERE run_id = $1 ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stages := make([]domain.StageResult, 0, len(domain.StageOrder))
	for rows.Next() {
		var s domain.StageResult
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&s.RunID, &s.Name, &s.Status, &s.LogKey, &s.Metadata, &startedAt, &completedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			value := startedAt.Time
			s.StartedAt = &value
		}
		if completedAt.Valid {
			value := completedAt.Time
			s.CompletedAt = &value
		}
		stages = append(stages, s)
	}
	return stages, rows.Err()
}

// UpdateStage applies a runner-reported stage transition. Terminal stages
// are immutable.
func (r *Repository) UpdateStage(ctx context.Context, update domain.StageUpdate) error {
	const query = `UPDATE stage_results
		SET status = $3,
			log_key = COALESCE($4, log_key),
			metadata = COALESCE($5, metadata),
			started_at = COALESCE($6, started_at),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE run_id = $1 AND name = $2 AND status IN ('pending', 'running')`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.RunID, update.Name, update.Status,
		emptyToNil(update.LogKey), update.Metadata,
		timePtrToNil(update.StartedAt), timePtrToNil(update.CompletedAt),
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return r.stageUpdateRefusal(ctx, update.RunID, update.Name)
	}
	return nil
}

func (r *Repository) stageUpdateRefusal(ctx context.Context, runID string, name domain.StageName) error {
	const query = `SELECT status FROM stage_results WHERE run_id = $1 AND name = $2`
	var status domain.StageStatus
	if err := r.pool.QueryRow(ctx, query, runID, name).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if status.Terminal() {
		return repository.ErrImmutable
	}
	return repository.ErrInvalidArgument
}

// SkipPendingStages marks all still-pending stages of a run skipped.
func (r *Repository) SkipPendingStages(ctx context.Context, runID string, at time.Time) error {
	const query = `UPDATE stage_results
		SET status = 'skipped', completed_at = $2, updated_at = NOW()
		WHERE run_id = $1 AND status = 'pending'`
	_, err := r.pool.Exec(ctx, query, runID, at.UTC())
	return err
}

// CreateArtifact records a published image.
func (r *Repository) CreateArtifact(ctx context.Context, artifact *domain.ImageArtifact) error {
	const query = `INSERT INTO image_artifacts (id, run_id, app_id, repository, tag, digest, size_bytes, pushed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		artifact.ID, artifact.RunID, artifact.AppID, artifact.Repository, artifact.Tag,
		artifact.Digest, artifact.SizeBytes, artifact.PushedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

const artifactColumns = `id, run_id, app_id, repository, tag, digest, size_bytes, pushed_at`

// GetArtifactByTag fetches a published artifact by application and tag.
func (r *Repository) GetArtifactByTag(ctx context.Context, appID, tag string) (*domain.ImageArtifact, error) {
	const query = `SELECT ` + artifactColumns + ` FROM image_artifacts WHERE app_id = $1 AND tag = $2`
	return scanArtifact(r.pool.QueryRow(ctx, query, appID, tag))
}

// GetArtifactByRun fetches the artifact a run published, if any.
func (r *Repository) GetArtifactByRun(ctx context.Context, runID string) (*domain.ImageArtifact, error) {
	const query = `SELECT ` + artifactColumns + ` FROM image_artifacts WHERE run_id = $1`
	return scanArtifact(r.pool.QueryRow(ctx, query, runID))
}

// ListArtifactsByApp returns recent artifacts for an application.
func (r *Repository) ListArtifactsByApp(ctx context.Context, appID string, limit int) ([]domain.ImageArtifact, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + artifactColumns + ` FROM image_artifacts
		WHERE app_id = $1 ORDER BY pushed_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	artifacts := make([]domain.ImageArtifact, 0)
	for rows.Next() {
		var a domain.ImageArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.AppID, &a.Repository, &a.Tag, &a.Digest, &a.SizeBytes, &a.PushedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row pgx.Row) (*domain.ImageArtifact, error) {
	var a domain.ImageArtifact
	if err := row.Scan(&a.ID, &a.RunID, &a.AppID, &a.Repository, &a.Tag, &a.Digest, &a.SizeBytes, &a.PushedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// UpsertDesiredState mirrors the latest written configuration entry.
func (r *Repository) UpsertDesiredState(ctx context.Context, record *domain.DesiredStateRecord) error {
	const query = `INSERT INTO desired_states (app_id, environment, path, key, value, revision, run_id, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (app_id) DO UPDATE SET
			environment = EXCLUDED.environment,
			path = EXCLUDED.path,
			key = EXCLUDED.key,
			value = EXCLUDED.value,
			revision = EXCLUDED.revision,
			run_id = EXCLUDED.run_id,
			written_at = EXCLUDED.written_at`
	_, err := r.pool.Exec(ctx, query,
		record.AppID, record.Environment, record.Path, record.Key, record.Value,
		record.Revision, record.RunID, record.WrittenAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// GetDesiredState returns the mirrored configuration entry for an application.
func (r *Repository) GetDesiredState(ctx context.Context, appID string) (*domain.DesiredStateRecord, error) {
	const query = `SELECT app_id, environment, path, key, value, revision, run_id, written_at
		FROM desired_states WHERE app_id = $1`
	row := r.pool.QueryRow(ctx, query, appID)
	var d domain.DesiredStateRecord
	if err := row.Scan(&d.AppID, &d.Environment, &d.Path, &d.Key, &d.Value, &d.Revision, &d.RunID, &d.WrittenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// InsertObservation appends a reconciliation agent sample.
func (r *Repository) InsertObservation(ctx context.Context, obs *domain.ReconcileObservation) error {
	const query = `INSERT INTO reconcile_observations (app_id, state, sync_revision, message, observed_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, obs.AppID, obs.State, obs.SyncRevision, obs.Message, obs.ObservedAt)
	if err := row.Scan(&obs.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// LatestObservation returns the most recent sample for an application.
func (r *Repository) LatestObservation(ctx context.Context, appID string) (*domain.ReconcileObservation, error) {
	const query = `SELECT id, app_id, state, sync_revision, message, observed_at
		FROM reconcile_observations WHERE app_id = $1 ORDER BY id DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, appID)
	var o domain.ReconcileObservation
	if err := row.Scan(&o.ID, &o.AppID, &o.State, &o.SyncRevision, &o.Message, &o.ObservedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ListObservations returns recent samples for an application, newest first.
func (r *Repository) ListObservations(ctx context.Context, appID string, limit int) ([]domain.ReconcileObservation, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, app_id, state, sync_revision, message, observed_at
		FROM reconcile_observations WHERE app_id = $1 ORDER BY id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	observations := make([]domain.ReconcileObservation, 0)
	for rows.Next() {
		var o domain.ReconcileObservation
		if err := rows.Scan(&o.ID, &o.AppID, &o.State, &o.SyncRevision, &o.Message, &o.ObservedAt); err != nil {
			return nil, err
		}
		observations = append(observations, o)
	}
	return observations, rows.Err()
}

func collectRuns(rows pgx.Rows) ([]domain.PipelineRun, error) {
	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	run, err := scanRunInto(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func scanRunFromRows(rows pgx.Rows) (*domain.PipelineRun, error) {
	return scanRunInto(rows.Scan)
}

func scanRunInto(scan func(dest ...any) error) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var errPayload []byte
	var startedAt, completedAt sql.NullTime
	if err := scan(
		&run.ID, &run.AppID, &run.Revision, &run.Branch, &run.Trigger, &run.Status, &errPayload,
		&run.CancelRequested, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		value := startedAt.Time
		run.StartedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time
		run.CompletedAt = &value
	}
	if len(errPayload) > 0 {
		var runErr domain.RunError
		if err := json.Unmarshal(errPayload, &runErr); err != nil {
			return nil, fmt.Errorf("decode run error payload: %w", err)
		}
		run.Error = &runErr
	}
	return &run, nil
}

func marshalRunError(runErr *domain.RunError) ([]byte, error) {
	if runErr == nil {
		return nil, nil
	}
	payload, err := json.Marshal(runErr)
	if err != nil {
		return nil, fmt.Errorf("encode run error payload: %w", err)
	}
	return payload, nil
}
