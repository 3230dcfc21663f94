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

const schedulesSchema = `
	CREATE TABLE IF NOT EXISTS schedules (
		id           TEXT PRIMARY KEY,
		name         TEXT,
		queue_name   TEXT NOT NULL,
		payload      JSONB,
		run_context  JSONB,
		max_retries  INTEGER,
		cron_expr    TEXT,
		interval_sec INTEGER,
		timezone     TEXT NOT NULL DEFAULT 'UTC',
		enabled      BOOLEAN NOT NULL DEFAULT true,
		next_due_at  TIMESTAMPTZ,
		last_run_at  TIMESTAMPTZ,
		last_job_id  TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (next_due_at) WHERE enabled;
`

const scheduleColumns = `
	id, name, queue_name, payload, run_context, max_retries, cron_expr, interval_sec,
	timezone, enabled, next_due_at, last_run_at, last_job_id, created_at, updated_at
`

// ScheduleFilter — параметры фильтрации schedules.
type ScheduleFilter struct {
	Queue   domain.QueueName
	Enabled *bool
	Limit   int
}

func (f ScheduleFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f ScheduleFilter) matches(s *domain.Schedule) bool {
	if f.Queue != "" && s.QueueName != f.Queue {
		return false
	}
	if f.Enabled != nil && s.Enabled != *f.Enabled {
		return false
	}
	return true
}

// ScheduleRepo — репозиторий schedules в PostgreSQL.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

// EnsureSchema создаёт таблицу schedules, если её нет.
func (r *ScheduleRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schedulesSchema); err != nil {
		return fmt.Errorf("create schedules schema: %w", err)
	}
	return nil
}

// Create создаёт новый schedule.
func (r *ScheduleRepo) Create(ctx context.Context, s *domain.Schedule) error {
	runContext, err := marshalRunContext(s.RunContext)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.pool.Exec(ctx, query,
		s.ID,
		nullString(s.Name),
		s.QueueName,
		nullJSON(s.Payload),
		runContext,
		s.MaxRetries,
		nullString(s.CronExpr),
		nullInt(s.IntervalSec),
		s.Timezone,
		s.Enabled,
		s.NextDueAt,
		s.LastRunAt,
		nullString(s.LastJobID),
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// Get возвращает schedule по ID.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// List возвращает список schedules с фильтрацией.
func (r *ScheduleRepo) List(ctx context.Context, filter ScheduleFilter) ([]*domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE ($1 = '' OR queue_name = $1)
		  AND ($2::boolean IS NULL OR enabled = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	return r.querySchedules(ctx, query, string(filter.Queue), filter.Enabled, filter.limit())
}

// ListDue возвращает schedules, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + ` FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	return r.querySchedules(ctx, query, now, limit)
}

// Update обновляет schedule.
func (r *ScheduleRepo) Update(ctx context.Context, s *domain.Schedule) error {
	runContext, err := marshalRunContext(s.RunContext)
	if err != nil {
		return err
	}

	query := `
		UPDATE schedules
		SET name = $2, queue_name = $3, payload = $4, run_context = $5, max_retries = $6,
		    cron_expr = $7, interval_sec = $8, timezone = $9, enabled = $10,
		    next_due_at = $11, last_run_at = $12, last_job_id = $13, updated_at = $14
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		s.ID,
		nullString(s.Name),
		s.QueueName,
		nullJSON(s.Payload),
		runContext,
		s.MaxRetries,
		nullString(s.CronExpr),
		nullInt(s.IntervalSec),
		s.Timezone,
		s.Enabled,
		s.NextDueAt,
		s.LastRunAt,
		nullString(s.LastJobID),
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет schedule.
func (r *ScheduleRepo) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *ScheduleRepo) querySchedules(ctx context.Context, query string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var name, cronExpr, lastJobID *string
	var intervalSec *int
	var payload, runContext []byte

	err := row.Scan(
		&s.ID,
		&name,
		&s.QueueName,
		&payload,
		&runContext,
		&s.MaxRetries,
		&cronExpr,
		&intervalSec,
		&s.Timezone,
		&s.Enabled,
		&s.NextDueAt,
		&s.LastRunAt,
		&lastJobID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if name != nil {
		s.Name = *name
	}
	if cronExpr != nil {
		s.CronExpr = *cronExpr
	}
	if intervalSec != nil {
		s.IntervalSec = *intervalSec
	}
	if lastJobID != nil {
		s.LastJobID = *lastJobID
	}
	if len(payload) > 0 {
		s.Payload = json.RawMessage(payload)
	}
	if len(runContext) > 0 {
		if err := json.Unmarshal(runContext, &s.RunContext); err != nil {
			return nil, fmt.Errorf("unmarshal run context: %w", err)
		}
	}

	return &s, nil
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt возвращает nil для нулевого int.
func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
