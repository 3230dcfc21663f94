package domain

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Job — единица работы в очереди (envelope).
//
// Job создаётся координатором при Enqueue, изменяется только держателем
// текущего Token (status/message) или координатором (requeue, expiry).
//
// Token и EngineToken никогда не отдаются наружу в составе job:
// для этого есть View().
type Job struct {
	// ExecutionCorrelationID — идентификатор, связывающий отчёты воркера с Enqueue.
	// Не меняется между retry.
	ExecutionCorrelationID string `json:"execution_correlation_id"`

	// QueueName — очередь, в которую поставлен job.
	QueueName QueueName `json:"queue_name"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	// Token — capability-токен текущей попытки.
	// Ротируется при requeue.
	Token string `json:"token"`

	// EngineToken — credential для движка выполнения шага.
	// Выдаётся воркеру отдельно через ExecutionCredential.
	EngineToken string `json:"engine_token"`

	// Message — диагностическое сообщение последнего перехода.
	Message string `json:"message,omitempty"`

	// Payload — полезная нагрузка, переданная при Enqueue.
	Payload json.RawMessage `json:"payload,omitempty"`

	// RunContext — контекст run, видимый вызывающей стороне.
	RunContext map[string]string `json:"run_context,omitempty"`

	// Output — результат, приложенный к финальному отчёту.
	Output json.RawMessage `json:"output,omitempty"`

	// Attempt — сколько раз job был получен воркером.
	Attempt int `json:"attempt"`

	// Retries — сколько раз job был возвращён в очередь.
	Retries int `json:"retries"`

	// MaxRetries — лимит requeue.
	MaxRetries int `json:"max_retries"`

	// WorkerID — воркер, удерживающий lease.
	WorkerID string `json:"worker_id,omitempty"`

	// LeaseExpiresAt — когда lease считается брошенным.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// RetryAt — когда FAILED job будет автоматически возвращён в очередь.
	RetryAt *time.Time `json:"retry_at,omitempty"`

	// Revision — счётчик для optimistic concurrency в хранилищах.
	Revision int64 `json:"revision"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewToken генерирует новый capability-токен.
func NewToken() string {
	return uuid.NewString()
}

// NewJob создаёт job в статусе QUEUED со свежими идентификатором и токенами.
func NewJob(queue QueueName, payload json.RawMessage, maxRetries int, now time.Time) *Job {
	return &Job{
		ExecutionCorrelationID: uuid.NewString(),
		QueueName:              queue,
		Status:                 JobStatusQueued,
		Token:                  NewToken(),
		EngineToken:            NewToken(),
		Payload:                payload,
		MaxRetries:             maxRetries,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// IsFinished возвращает true, если job в финальном статусе.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// LeaseExpired проверяет, истёк ли lease на момент now.
func (j *Job) LeaseExpired(now time.Time) bool {
	if !j.Status.IsLeased() || j.LeaseExpiresAt == nil {
		return false
	}
	return !now.Before(*j.LeaseExpiresAt)
}

// MarkClaimed переводит job в CLAIMED и выставляет lease.
func (j *Job) MarkClaimed(workerID string, lease time.Duration, now time.Time) {
	expires := now.Add(lease)
	j.Status = JobStatusClaimed
	j.WorkerID = workerID
	j.LeaseExpiresAt = &expires
	j.Attempt++
	j.Message = ""
	j.UpdatedAt = now
}

// MarkRunning переводит job в RUNNING и продлевает lease.
func (j *Job) MarkRunning(message string, lease time.Duration, now time.Time) {
	expires := now.Add(lease)
	j.Status = JobStatusRunning
	j.LeaseExpiresAt = &expires
	j.Message = message
	j.UpdatedAt = now
}

// MarkCompleted переводит job в COMPLETED.
func (j *Job) MarkCompleted(message string, output json.RawMessage, now time.Time) {
	j.Status = JobStatusCompleted
	j.Message = message
	j.Output = output
	j.LeaseExpiresAt = nil
	j.RetryAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// MarkFailed переводит job в FAILED. retryAt может быть nil — тогда
// автоматического retry не будет, только ручной Requeue.
func (j *Job) MarkFailed(message string, output json.RawMessage, retryAt *time.Time, now time.Time) {
	j.Status = JobStatusFailed
	j.Message = message
	if output != nil {
		j.Output = output
	}
	j.LeaseExpiresAt = nil
	j.RetryAt = retryAt
	j.UpdatedAt = now
}

// MarkTimedOut переводит job в TIMED_OUT после истечения lease.
func (j *Job) MarkTimedOut(now time.Time) {
	j.Status = JobStatusTimedOut
	j.Message = "lease expired"
	j.LeaseExpiresAt = nil
	j.RetryAt = nil
	j.UpdatedAt = now
}

// MarkRetryExhausted переводит job в RETRY_EXHAUSTED.
func (j *Job) MarkRetryExhausted(now time.Time) {
	j.Status = JobStatusRetryExhausted
	if j.Message == "" {
		j.Message = "retry attempts exhausted"
	}
	j.LeaseExpiresAt = nil
	j.RetryAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// ResetForRetry возвращает job в QUEUED с новыми токенами.
// Старый токен после этого недействителен.
func (j *Job) ResetForRetry(now time.Time) {
	j.Status = JobStatusQueued
	j.Token = NewToken()
	j.EngineToken = NewToken()
	j.Retries++
	j.WorkerID = ""
	j.LeaseExpiresAt = nil
	j.RetryAt = nil
	j.UpdatedAt = now
}

// CanRetry проверяет, остался ли бюджет requeue.
func (j *Job) CanRetry() bool {
	return j.Retries < j.MaxRetries
}

// Clone возвращает глубокую копию job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Output != nil {
		c.Output = append(json.RawMessage(nil), j.Output...)
	}
	if j.RunContext != nil {
		c.RunContext = maps.Clone(j.RunContext)
	}
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.RetryAt = cloneTime(j.RetryAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

// View возвращает внешнее представление job без токенов.
func (j *Job) View() JobView {
	return JobView{
		ExecutionCorrelationID: j.ExecutionCorrelationID,
		QueueName:              j.QueueName,
		Status:                 j.Status,
		Message:                j.Message,
		Payload:                j.Payload,
		RunContext:             j.RunContext,
		Output:                 j.Output,
		Attempt:                j.Attempt,
		Retries:                j.Retries,
		MaxRetries:             j.MaxRetries,
		WorkerID:               j.WorkerID,
		LeaseExpiresAt:         j.LeaseExpiresAt,
		RetryAt:                j.RetryAt,
		CreatedAt:              j.CreatedAt,
		UpdatedAt:              j.UpdatedAt,
		FinishedAt:             j.FinishedAt,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// JobView — job без токенов. Всё, что уходит наружу
// (API, логи, логика шага), использует JobView.
type JobView struct {
	ExecutionCorrelationID string            `json:"execution_correlation_id"`
	QueueName              QueueName         `json:"queue_name"`
	Status                 JobStatus         `json:"status"`
	Message                string            `json:"message,omitempty"`
	Payload                json.RawMessage   `json:"payload,omitempty"`
	RunContext             map[string]string `json:"run_context,omitempty"`
	Output                 json.RawMessage   `json:"output,omitempty"`
	Attempt                int               `json:"attempt"`
	Retries                int               `json:"retries"`
	MaxRetries             int               `json:"max_retries"`
	WorkerID               string            `json:"worker_id,omitempty"`
	LeaseExpiresAt         *time.Time        `json:"lease_expires_at,omitempty"`
	RetryAt                *time.Time        `json:"retry_at,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	FinishedAt             *time.Time        `json:"finished_at,omitempty"`
}

// Claim — результат успешного poll.
//
// Token — активный токен job; передаётся рядом с view, а не внутри,
// и нужен только для Update.
type Claim struct {
	Job   JobView `json:"job"`
	Token string  `json:"token"`
}

// StatusUpdate — отчёт воркера о переходе статуса.
type StatusUpdate struct {
	ExecutionCorrelationID string          `json:"execution_correlation_id"`
	QueueName              QueueName       `json:"queue_name"`
	Status                 JobStatus       `json:"status"`
	Token                  string          `json:"token"`
	Message                string          `json:"message,omitempty"`
	Output                 json.RawMessage `json:"output,omitempty"`
}
