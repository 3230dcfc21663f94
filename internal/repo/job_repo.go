package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Dispatch/internal/domain"
)

const jobsSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		queue_name       TEXT NOT NULL,
		status           TEXT NOT NULL,
		token            TEXT NOT NULL,
		engine_token     TEXT NOT NULL,
		message          TEXT NOT NULL DEFAULT '',
		payload          JSONB,
		run_context      JSONB,
		output           JSONB,
		attempt          INTEGER NOT NULL DEFAULT 0,
		retries          INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 0,
		worker_id        TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ,
		retry_at         TIMESTAMPTZ,
		revision         BIGINT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS jobs_lease_idx ON jobs (lease_expires_at) WHERE status IN ('CLAIMED', 'RUNNING');
	CREATE INDEX IF NOT EXISTS jobs_retry_idx ON jobs (retry_at) WHERE status = 'FAILED';
	CREATE INDEX IF NOT EXISTS jobs_queued_idx ON jobs (updated_at) WHERE status = 'QUEUED';
`

const jobColumns = `
	id, queue_name, status, token, engine_token, message, payload, run_context, output,
	attempt, retries, max_retries, worker_id, lease_expires_at, retry_at, revision,
	created_at, updated_at, finished_at
`

// JobRepo — репозиторий jobs в PostgreSQL.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Remote сообщает координатору, что хранилище за сетью.
func (r *JobRepo) Remote() bool { return true }

// EnsureSchema создаёт таблицу jobs, если её нет.
func (r *JobRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, jobsSchema); err != nil {
		return fmt.Errorf("create jobs schema: %w", err)
	}
	return nil
}

// Create создаёт новый job. Revision выставляется в 1.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	runContext, err := marshalRunContext(job.RunContext)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ExecutionCorrelationID,
		job.QueueName,
		job.Status,
		job.Token,
		job.EngineToken,
		job.Message,
		nullJSON(job.Payload),
		runContext,
		nullJSON(job.Output),
		job.Attempt,
		job.Retries,
		job.MaxRetries,
		job.WorkerID,
		job.LeaseExpiresAt,
		job.RetryAt,
		int64(1),
		job.CreatedAt,
		job.UpdatedAt,
		job.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Revision = 1
	return nil
}

// Get возвращает job по correlation id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// Update сохраняет job при совпадении revision.
func (r *JobRepo) Update(ctx context.Context, job *domain.Job) error {
	runContext, err := marshalRunContext(job.RunContext)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = $3, token = $4, engine_token = $5, message = $6, run_context = $7,
		    output = $8, attempt = $9, retries = $10, max_retries = $11, worker_id = $12,
		    lease_expires_at = $13, retry_at = $14, updated_at = $15, finished_at = $16,
		    revision = revision + 1
		WHERE id = $1 AND revision = $2
	`
	result, err := r.pool.Exec(ctx, query,
		job.ExecutionCorrelationID,
		job.Revision,
		job.Status,
		job.Token,
		job.EngineToken,
		job.Message,
		runContext,
		nullJSON(job.Output),
		job.Attempt,
		job.Retries,
		job.MaxRetries,
		job.WorkerID,
		job.LeaseExpiresAt,
		job.RetryAt,
		job.UpdatedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missOrConflict(ctx, job.ExecutionCorrelationID)
	}
	job.Revision++
	return nil
}

func (r *JobRepo) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// List возвращает jobs по фильтру, новые первыми.
func (r *JobRepo) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR queue_name = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	return r.queryJobs(ctx, query, string(filter.Queue), string(filter.Status), filter.limit())
}

// ListExpiredLeases возвращает CLAIMED/RUNNING jobs с истёкшим lease.
func (r *JobRepo) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= $1
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`
	return r.queryJobs(ctx, query, now, limit)
}

// ListDueRetries возвращает FAILED jobs, у которых наступил retry_at.
func (r *JobRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'FAILED' AND retry_at IS NOT NULL AND retry_at <= $1
		ORDER BY retry_at ASC
		LIMIT $2
	`
	return r.queryJobs(ctx, query, now, limit)
}

// ListStaleQueued возвращает QUEUED jobs, не обновлявшиеся с before.
func (r *JobRepo) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'QUEUED' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.queryJobs(ctx, query, before, limit)
}

// --- Helpers ---

func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var payload, runContext, output []byte

	err := row.Scan(
		&job.ExecutionCorrelationID,
		&job.QueueName,
		&job.Status,
		&job.Token,
		&job.EngineToken,
		&job.Message,
		&payload,
		&runContext,
		&output,
		&job.Attempt,
		&job.Retries,
		&job.MaxRetries,
		&job.WorkerID,
		&job.LeaseExpiresAt,
		&job.RetryAt,
		&job.Revision,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := fillJSON(&job, payload, runContext, output); err != nil {
		return nil, err
	}
	return &job, nil
}

func fillJSON(job *domain.Job, payload, runContext, output []byte) error {
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if len(output) > 0 {
		job.Output = json.RawMessage(output)
	}
	if len(runContext) > 0 {
		if err := json.Unmarshal(runContext, &job.RunContext); err != nil {
			return fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	return nil
}

func marshalRunContext(rc map[string]string) ([]byte, error) {
	if rc == nil {
		return nil, nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("marshal run context: %w", err)
	}
	return b, nil
}

// nullJSON превращает пустой документ в NULL.
func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
