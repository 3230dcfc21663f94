package api

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
)

// Job DTOs

// EnqueueJobRequest — запрос на постановку job.
type EnqueueJobRequest struct {
	QueueName  domain.QueueName  `json:"queue_name"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	RunContext map[string]string `json:"run_context,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
}

// EnqueueJobResponse — ответ на постановку job.
type EnqueueJobResponse struct {
	ExecutionCorrelationID string `json:"execution_correlation_id"`
}

// PollRequest — тело long poll воркера.
type PollRequest struct {
	WorkerID  string `json:"worker_id,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ReportStatusRequest — внешний отчёт о статусе (без токена).
type ReportStatusRequest struct {
	Status  domain.JobStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// CredentialResponse — ответ с engine token.
type CredentialResponse struct {
	EngineToken string `json:"engine_token"`
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name        string            `json:"name"`
	QueueName   domain.QueueName  `json:"queue_name"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	RunContext  map[string]string `json:"run_context,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	QueueName   domain.QueueName  `json:"queue_name"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	RunContext  map[string]string `json:"run_context,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone"`
	Enabled     bool              `json:"enabled"`
	NextDueAt   *time.Time        `json:"next_due_at,omitempty"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	LastJobID   string            `json:"last_job_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:          s.ID,
		Name:        s.Name,
		QueueName:   s.QueueName,
		Payload:     s.Payload,
		RunContext:  s.RunContext,
		MaxRetries:  s.MaxRetries,
		CronExpr:    s.CronExpr,
		IntervalSec: s.IntervalSec,
		Timezone:    s.Timezone,
		Enabled:     s.Enabled,
		NextDueAt:   s.NextDueAt,
		LastRunAt:   s.LastRunAt,
		LastJobID:   s.LastJobID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
