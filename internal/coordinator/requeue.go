package coordinator

import (
	"context"
	"fmt"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// Причины requeue для метрик и логов.
const (
	reasonManual       = "manual"
	reasonAuto         = "auto"
	reasonLeaseExpired = "lease_expired"
	reasonExhausted    = "exhausted"
)

// Requeue возвращает FAILED или TIMED_OUT job в очередь с новыми токенами.
//
// Если бюджет retry исчерпан, job переходит в RETRY_EXHAUSTED
// и возвращается ErrRetryExhausted (в том числе при всех последующих вызовах).
func (c *Coordinator) Requeue(ctx context.Context, id string) error {
	return c.requeue(ctx, id, reasonManual, func(job *domain.Job) error {
		switch {
		case job.Status == domain.JobStatusRetryExhausted:
			return domain.ErrRetryExhausted
		case !job.Status.IsRetryable():
			return fmt.Errorf("%w: status %s", domain.ErrNotRetryable, job.Status)
		}
		return nil
	})
}

// requeueCheck проверяет, что job можно вернуть в очередь.
// Ошибка прерывает requeue без изменений.
type requeueCheck func(job *domain.Job) error

func (c *Coordinator) requeue(ctx context.Context, id, reason string, check requeueCheck) error {
	requeued, exhausted := false, false

	job, err := c.mutate(ctx, id, func(job *domain.Job) (mutation, error) {
		requeued, exhausted = false, false

		if err := check(job); err != nil {
			return noChange, err
		}

		now := c.now()
		if !job.CanRetry() {
			job.MarkRetryExhausted(now)
			exhausted = true
			return save, domain.ErrRetryExhausted
		}

		job.ResetForRetry(now)
		requeued = true
		return saveAndPublish, nil
	})
	if job == nil {
		return err
	}

	logger := telemetry.WithCorrelationID(c.logger, id)
	queue := job.QueueName.String()

	switch {
	case requeued:
		telemetry.Requeues.WithLabelValues(queue, reason).Inc()
		logger.Info("job requeued",
			"queue", queue,
			"reason", reason,
			"retries", job.Retries,
			"max_retries", job.MaxRetries,
		)
	case exhausted:
		telemetry.Requeues.WithLabelValues(queue, reasonExhausted).Inc()
		logger.Warn("retry attempts exhausted",
			"queue", queue,
			"retries", job.Retries,
			"max_retries", job.MaxRetries,
		)
	}

	return err
}
