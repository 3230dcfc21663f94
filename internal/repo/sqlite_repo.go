package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// драйвер "sqlite"
	_ "modernc.org/sqlite"

	"github.com/shaiso/Dispatch/internal/domain"
)

const sqliteJobsSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		queue_name       TEXT NOT NULL,
		status           TEXT NOT NULL,
		token            TEXT NOT NULL,
		engine_token     TEXT NOT NULL,
		message          TEXT NOT NULL DEFAULT '',
		payload          BLOB,
		run_context      BLOB,
		output           BLOB,
		attempt          INTEGER NOT NULL DEFAULT 0,
		retries          INTEGER NOT NULL DEFAULT 0,
		max_retries      INTEGER NOT NULL DEFAULT 0,
		worker_id        TEXT NOT NULL DEFAULT '',
		lease_expires_at INTEGER,
		retry_at         INTEGER,
		revision         INTEGER NOT NULL,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		finished_at      INTEGER
	);
	CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
`

// SQLiteJobRepo — хранилище jobs в SQLite (modernc.org/sqlite).
// Время хранится в unix-наносекундах.
type SQLiteJobRepo struct {
	db *sql.DB
}

// OpenSQLite открывает базу по пути и создаёт схему.
func OpenSQLite(ctx context.Context, path string) (*SQLiteJobRepo, *sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite допускает одного писателя
	db.SetMaxOpenConns(1)

	r, err := NewSQLiteJobRepo(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return r, db, nil
}

// NewSQLiteJobRepo создаёт репозиторий и схему в переданной базе.
func NewSQLiteJobRepo(ctx context.Context, db *sql.DB) (*SQLiteJobRepo, error) {
	if _, err := db.ExecContext(ctx, sqliteJobsSchema); err != nil {
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteJobRepo{db: db}, nil
}

// Create сохраняет новый job. Revision выставляется в 1.
func (r *SQLiteJobRepo) Create(ctx context.Context, job *domain.Job) error {
	runContext, err := marshalRunContext(job.RunContext)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ExecutionCorrelationID,
		string(job.QueueName),
		string(job.Status),
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
		toNanos(job.LeaseExpiresAt),
		toNanos(job.RetryAt),
		int64(1),
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
		toNanos(job.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	job.Revision = 1
	return nil
}

// Get возвращает job по correlation id.
func (r *SQLiteJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// Update сохраняет job при совпадении revision.
func (r *SQLiteJobRepo) Update(ctx context.Context, job *domain.Job) error {
	runContext, err := marshalRunContext(job.RunContext)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, token = ?, engine_token = ?, message = ?, run_context = ?,
		    output = ?, attempt = ?, retries = ?, max_retries = ?, worker_id = ?,
		    lease_expires_at = ?, retry_at = ?, updated_at = ?, finished_at = ?,
		    revision = revision + 1
		WHERE id = ? AND revision = ?`,
		string(job.Status),
		job.Token,
		job.EngineToken,
		job.Message,
		runContext,
		nullJSON(job.Output),
		job.Attempt,
		job.Retries,
		job.MaxRetries,
		job.WorkerID,
		toNanos(job.LeaseExpiresAt),
		toNanos(job.RetryAt),
		job.UpdatedAt.UnixNano(),
		toNanos(job.FinishedAt),
		job.ExecutionCorrelationID,
		job.Revision,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ExecutionCorrelationID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	job.Revision++
	return nil
}

// List возвращает jobs по фильтру, новые первыми.
func (r *SQLiteJobRepo) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (? = '' OR queue_name = ?) AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?`,
		string(filter.Queue), string(filter.Queue),
		string(filter.Status), string(filter.Status),
		filter.limit(),
	)
}

// ListExpiredLeases возвращает CLAIMED/RUNNING jobs с истёкшим lease.
func (r *SQLiteJobRepo) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC
		LIMIT ?`,
		now.UnixNano(), limit,
	)
}

// ListDueRetries возвращает FAILED jobs, у которых наступил retry_at.
func (r *SQLiteJobRepo) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'FAILED' AND retry_at IS NOT NULL AND retry_at <= ?
		ORDER BY retry_at ASC
		LIMIT ?`,
		now.UnixNano(), limit,
	)
}

// ListStaleQueued возвращает QUEUED jobs, не обновлявшиеся с before.
func (r *SQLiteJobRepo) ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'QUEUED' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		before.UnixNano(), limit,
	)
}

func (r *SQLiteJobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlScanner) (*domain.Job, error) {
	var job domain.Job
	var queue, status string
	var payload, runContext, output []byte
	var lease, retryAt, finished sql.NullInt64
	var created, updated int64

	err := row.Scan(
		&job.ExecutionCorrelationID,
		&queue,
		&status,
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
		&lease,
		&retryAt,
		&job.Revision,
		&created,
		&updated,
		&finished,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.QueueName = domain.QueueName(queue)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	job.LeaseExpiresAt = fromNanos(lease)
	job.RetryAt = fromNanos(retryAt)
	job.FinishedAt = fromNanos(finished)

	if err := fillJSON(&job, payload, runContext, output); err != nil {
		return nil, err
	}
	return &job, nil
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
