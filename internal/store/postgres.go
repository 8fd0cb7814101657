package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"regenopt/internal/apperrors"
	"regenopt/internal/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS optimization_jobs (
	id             TEXT PRIMARY KEY,
	scenario_id    TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	status         TEXT NOT NULL,
	progress       DOUBLE PRECISION NOT NULL DEFAULT 0,
	iteration      INTEGER NOT NULL DEFAULT 0,
	max_iterations INTEGER NOT NULL DEFAULT 0,
	best_objective DOUBLE PRECISION,
	best_design    JSONB,
	history        JSONB NOT NULL DEFAULT '[]',
	result         JSONB,
	error          TEXT NOT NULL DEFAULT '',
	settings       JSONB NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	rounds         INTEGER NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS optimization_jobs_user_status_idx ON optimization_jobs (user_id, status);
CREATE INDEX IF NOT EXISTS optimization_jobs_scenario_idx ON optimization_jobs (scenario_id);
`

const jobColumns = `id, scenario_id, user_id, status, progress, iteration, max_iterations, best_objective,
	best_design, history, result, error, settings, correlation_id, rounds, attempts, created_at, started_at, completed_at`

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// Postgres is a Store backed by a PostgreSQL table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database described by dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the jobs table and its indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job schema: %w", err)
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, j *job.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return apperrors.Internal("store.insert", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO optimization_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Conflict("job", j.ID, "already exists")
		}
		return apperrors.Internal("store.insert", err)
	}
	return nil
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of the
// transaction, so writers in other processes wait until this one commits.
func (p *Postgres) Update(ctx context.Context, id string, mutate func(*job.Job) error) (*job.Job, error) {
	var (
		updated   *job.Job
		mutateErr error
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM optimization_jobs WHERE id = $1 FOR UPDATE`, id)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("job", id)
		}
		if err != nil {
			return apperrors.Internal("store.update", err)
		}
		if mutateErr = mutate(j); mutateErr != nil {
			return mutateErr
		}
		args, err := jobArgs(j)
		if err != nil {
			return apperrors.Internal("store.update", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE optimization_jobs SET
			scenario_id = $2, user_id = $3, status = $4, progress = $5, iteration = $6, max_iterations = $7,
			best_objective = $8, best_design = $9, history = $10, result = $11, error = $12, settings = $13,
			correlation_id = $14, rounds = $15, attempts = $16, created_at = $17, started_at = $18, completed_at = $19
			WHERE id = $1`, args...); err != nil {
			return apperrors.Internal("store.update", err)
		}
		updated = j
		return nil
	})
	switch {
	case mutateErr != nil:
		return nil, mutateErr
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrInternal):
		return nil, err
	case err != nil:
		return nil, apperrors.Internal("store.update", err)
	}
	return updated, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM optimization_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	return j, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.ScenarioID != "" {
		args = append(args, f.ScenarioID)
		where = append(where, fmt.Sprintf("scenario_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM optimization_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Internal("store.list", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.list", err)
	}
	return jobs, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM optimization_jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("store.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}

// Pool returns the connection pool, shared with other readers of the same database.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func jobArgs(j *job.Job) ([]any, error) {
	bestDesign, err := marshalOptional(j.BestDesign, j.BestDesign == nil)
	if err != nil {
		return nil, err
	}
	history := j.History
	if history == nil {
		history = []job.Sample{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	result, err := marshalOptional(j.Result, j.Result == nil)
	if err != nil {
		return nil, err
	}
	settings, err := json.Marshal(j.Settings)
	if err != nil {
		return nil, err
	}
	return []any{
		j.ID, j.ScenarioID, j.UserID, string(j.Status), j.Progress, j.Iteration, j.MaxIterations, j.BestObjective,
		bestDesign, historyJSON, result, j.Error, settings, j.CorrelationID, j.Rounds, j.Attempts,
		j.CreatedAt, j.StartedAt, j.CompletedAt,
	}, nil
}

func marshalOptional(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                                  job.Job
		status                             string
		bestDesign, history, result, setts []byte
		startedAt, completedAt             *time.Time
	)
	err := row.Scan(
		&j.ID, &j.ScenarioID, &j.UserID, &status, &j.Progress, &j.Iteration, &j.MaxIterations, &j.BestObjective,
		&bestDesign, &history, &result, &j.Error, &setts, &j.CorrelationID, &j.Rounds, &j.Attempts,
		&j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.StartedAt = startedAt
	j.CompletedAt = completedAt

	if len(bestDesign) > 0 {
		if err := json.Unmarshal(bestDesign, &j.BestDesign); err != nil {
			return nil, fmt.Errorf("decode best_design: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		if len(j.History) == 0 {
			j.History = nil
		}
	}
	if len(result) > 0 {
		j.Result = &job.Result{}
		if err := json.Unmarshal(result, j.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if err := json.Unmarshal(setts, &j.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &j, nil
}

var _ Store = (*Postgres)(nil)
