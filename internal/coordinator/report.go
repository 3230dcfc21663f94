package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// Update применяет отчёт воркера о статусе job.
//
// Принимается только от держателя текущего токена. RUNNING продлевает lease,
// повтор уже применённого финального отчёта ничего не меняет.
func (c *Coordinator) Update(ctx context.Context, upd domain.StatusUpdate) error {
	logger := telemetry.WithCorrelationID(c.logger, upd.ExecutionCorrelationID)

	var retryAt *time.Time
	var from domain.JobStatus
	unauthorized := false

	job, err := c.mutate(ctx, upd.ExecutionCorrelationID, func(job *domain.Job) (mutation, error) {
		from = job.Status
		retryAt = nil
		unauthorized = false

		if job.QueueName != upd.QueueName || !tokenEqual(job.Token, upd.Token) {
			unauthorized = true
			return noChange, domain.ErrUnauthorized
		}

		if job.Status == upd.Status && (upd.Status == domain.JobStatusCompleted || upd.Status == domain.JobStatusFailed) {
			return noChange, nil
		}
		if !domain.CanReport(job.Status, upd.Status) {
			return noChange, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, upd.Status)
		}

		now := c.now()
		switch upd.Status {
		case domain.JobStatusRunning:
			job.MarkRunning(upd.Message, c.leaseTimeout, now)
		case domain.JobStatusCompleted:
			job.MarkCompleted(upd.Message, upd.Output, now)
		case domain.JobStatusFailed:
			c.fail(job, upd.Message, upd.Output, now)
			retryAt = job.RetryAt
		}
		return save, nil
	})
	if unauthorized {
		telemetry.UnauthorizedUpdates.WithLabelValues(upd.QueueName.String()).Inc()
		logger.Warn("rejected status update with stale token",
			"queue", upd.QueueName,
			"status", upd.Status,
		)
		return err
	}
	if err != nil {
		return err
	}
	if from == job.Status && job.Status != domain.JobStatusRunning {
		return nil
	}

	c.reported(job, from, retryAt)
	return nil
}

// OnStatusReport сверяет состояние job с отчётом выполнения run.
//
// Неизвестный id — ErrNotFound. Отчёт для job в финальном статусе
// или повтор текущего статуса ничего не меняет.
func (c *Coordinator) OnStatusReport(ctx context.Context, id string, status domain.JobStatus, message string) error {
	var from domain.JobStatus
	var retryAt *time.Time
	changed := false

	job, err := c.mutate(ctx, id, func(job *domain.Job) (mutation, error) {
		from = job.Status
		retryAt = nil
		changed = false

		if job.IsFinished() || job.Status == status {
			return noChange, nil
		}

		now := c.now()
		switch {
		case status == domain.JobStatusCompleted:
			job.MarkCompleted(message, nil, now)
		case status == domain.JobStatusFailed && (job.Status == domain.JobStatusQueued || job.Status.IsLeased()):
			c.fail(job, message, nil, now)
			retryAt = job.RetryAt
		case status == domain.JobStatusRunning && job.Status.IsLeased():
			job.MarkRunning(message, c.leaseTimeout, now)
		default:
			return noChange, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
		}
		changed = true
		return save, nil
	})
	if err != nil {
		return err
	}
	if changed {
		c.reported(job, from, retryAt)
	}
	return nil
}

// fail переводит job в FAILED. С AutoRetry планирует retry или,
// если бюджет исчерпан, сразу переводит job в RETRY_EXHAUSTED.
func (c *Coordinator) fail(job *domain.Job, message string, output []byte, now time.Time) {
	if !c.autoRetry {
		job.MarkFailed(message, output, nil, now)
		return
	}
	if !job.CanRetry() {
		job.MarkFailed(message, output, nil, now)
		job.MarkRetryExhausted(now)
		return
	}
	at := now.Add(calculateBackoff(job.Retries, c.initialBackoff, c.maxBackoff))
	job.MarkFailed(message, output, &at, now)
}

func (c *Coordinator) reported(job *domain.Job, from domain.JobStatus, retryAt *time.Time) {
	telemetry.StatusReports.WithLabelValues(job.QueueName.String(), job.Status.String()).Inc()

	logger := telemetry.WithCorrelationID(c.logger, job.ExecutionCorrelationID)
	switch {
	case job.Status == domain.JobStatusRunning && from == domain.JobStatusRunning:
		logger.Debug("lease extended", "lease_expires_at", job.LeaseExpiresAt)
	case job.Status == domain.JobStatusRetryExhausted:
		telemetry.Requeues.WithLabelValues(job.QueueName.String(), "exhausted").Inc()
		logger.Warn("job failed, retry attempts exhausted",
			"retries", job.Retries,
			"max_retries", job.MaxRetries,
		)
	case retryAt != nil:
		logger.Info("job failed, retry scheduled",
			"retry_at", *retryAt,
			"retries", job.Retries,
		)
	default:
		logger.Info("job status changed",
			"from", from,
			"status", job.Status,
		)
	}
}
