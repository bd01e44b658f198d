package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conveyorci/conveyor/internal/domain"
	"github.com/conveyorci/conveyor/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.OperatorRepository     = (*Repository)(nil)
	_ repository.ApplicationRepository  = (*Repository)(nil)
	_ repository.RunRepository          = (*Repository)(nil)
	_ repository.ArtifactRepository     = (*Repository)(nil)
	_ repository.DesiredStateRepository = (*Repository)(nil)
	_ repository.ReconcileRepository    = (*Repository)(nil)
	_ repository.LogRepository          = (*Repository)(nil)
)

// CreateOperator inserts an operator account.
func (r *Repository) CreateOperator(ctx context.Context, operator *domain.Operator) error {
	const query = `INSERT INTO operators (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, operator.ID, operator.Email, operator.PasswordHash, operator.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrInvalidArgument
		}
		return err
	}
	return nil
}

// GetOperatorByEmail fetches an operator by email.
func (r *Repository) GetOperatorByEmail(ctx context.Context, email string) (*domain.Operator, error) {
	const query = `SELECT id, email, password_hash, created_at FROM operators WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var o domain.Operator
	if err := row.Scan(&o.ID, &o.Email, &o.PasswordHash, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// GetOperatorByID retrieves an operator by identifier.
func (r *Repository) GetOperatorByID(ctx context.Context, id string) (*domain.Operator, error) {
	const query = `SELECT id, email, password_hash, created_at FROM operators WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var o domain.Operator
	if err := row.Scan(&o.ID, &o.Email, &o.PasswordHash, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

const applicationColumns = `id, name, repo_url, branch, build_command, test_command, build_image, dockerfile,
		image_repo, config_repo_url, config_branch, config_path, config_key, environment, webhook_secret,
		created_at, updated_at`

// CreateApplication inserts an application registration.
func (r *Repository) CreateApplication(ctx context.Context, app *domain.Application) error {
	const query = `INSERT INTO applications (id, name, repo_url, branch, build_command, test_command, build_image, dockerfile,
			image_repo, config_repo_url, config_branch, config_path, config_key, environment, webhook_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.pool.Exec(ctx, query,
		app.ID, app.Name, app.RepoURL, app.Branch, app.BuildCommand, app.TestCommand, app.BuildImage, app.Dockerfile,
		app.ImageRepo, app.ConfigRepoURL, app.ConfigBranch, app.ConfigPath, app.ConfigKey, app.Environment, app.WebhookSecret,
		app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// UpdateApplication rewrites the mutable fields of an application.
func (r *Repository) UpdateApplication(ctx context.Context, app *domain.Application) error {
	const query = `UPDATE applications
		SET repo_url = $2,
			branch = $3,
			build_command = $4,
			test_command = $5,
			build_image = $6,
			dockerfile = $7,
			image_repo = $8,
			config_repo_url = $9,
			config_branch = $10,
			config_path = $11,
			config_key = $12,
			environment = $13,
			webhook_secret = COALESCE($14, webhook_secret),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query,
		app.ID, app.RepoURL, app.Branch, app.BuildCommand, app.TestCommand, app.BuildImage, app.Dockerfile,
		app.ImageRepo, app.ConfigRepoURL, app.ConfigBranch, app.ConfigPath, app.ConfigKey, app.Environment,
		bytesToNil(app.WebhookSecret),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetApplicationByID fetches an application by identifier.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	const query = `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	return r.scanApplication(r.pool.QueryRow(ctx, query, id))
}

// GetApplicationByName fetches an application by its unique name.
func (r *Repository) GetApplicationByName(ctx context.Context, name string) (*domain.Application, error) {
	const query = `SELECT ` + applicationColumns + ` FROM applications WHERE name = $1`
	return r.scanApplication(r.pool.QueryRow(ctx, query, name))
}

func (r *Repository) scanApplication(row pgx.Row) (*domain.Application, error) {
	var a domain.Application
	if err := row.Scan(
		&a.ID, &a.Name, &a.RepoURL, &a.Branch, &a.BuildCommand, &a.TestCommand, &a.BuildImage, &a.Dockerfile,
		&a.ImageRepo, &a.ConfigRepoURL, &a.ConfigBranch, &a.ConfigPath, &a.ConfigKey, &a.Environment, &a.WebhookSecret,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListApplications returns all registered applications.
func (r *Repository) ListApplications(ctx context.Context) ([]domain.Application, error) {
	const query = `SELECT ` + applicationColumns + ` FROM applications ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.Application, 0)
	for rows.Next() {
		var a domain.Application
		if err := rows.Scan(
			&a.ID, &a.Name, &a.RepoURL, &a.Branch, &a.BuildCommand, &a.TestCommand, &a.BuildImage, &a.Dockerfile,
			&a.ImageRepo, &a.ConfigRepoURL, &a.ConfigBranch, &a.ConfigPath, &a.ConfigKey, &a.Environment, &a.WebhookSecret,
			&a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// UpsertEnvVar stores or replaces a sealed build environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.AppEnvVar) error {
	const query = `INSERT INTO app_env_vars (app_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, key) DO UPDATE SET value = EXCLUDED.value`
	_, err := r.pool.Exec(ctx, query, envVar.AppID, envVar.Key, envVar.Value, envVar.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// ListEnvVars fetches the sealed env vars for an application.
func (r *Repository) ListEnvVars(ctx context.Context, appID string) ([]domain.AppEnvVar, error) {
	const query = `SELECT app_id, key, value, created_at FROM app_env_vars WHERE app_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.AppEnvVar, 0)
	for rows.Next() {
		var v domain.AppEnvVar
		if err := rows.Scan(&v.AppID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// DeleteEnvVar removes one sealed env var.
func (r *Repository) DeleteEnvVar(ctx context.Context, appID, key string) error {
	const query = `DELETE FROM app_env_vars WHERE app_id = $1 AND key = $2`
	cmdTag, err := r.pool.Exec(ctx, query, appID, key)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendLog persists a run log line.
func (r *Repository) AppendLog(ctx context.Context, log domain.RunLog) error {
	const query = `INSERT INTO run_logs (run_id, stage, source, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, log.RunID, log.Stage, log.Source, log.Level, log.Message, log.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "22P02":
				return repository.ErrInvalidArgument
			case "23503":
				return repository.ErrNotFound
			}
		}
		return err
	}
	return nil
}

// ListLogsByRun returns logs for a run, oldest first.
func (r *Repository) ListLogsByRun(ctx context.Context, runID string, limit, offset int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, run_id, stage, source, level, message, created_at
		FROM run_logs WHERE run_id = $1 ORDER BY id ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.RunLog, 0)
	for rows.Next() {
		var l domain.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Stage, &l.Source, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func timePtrToNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
