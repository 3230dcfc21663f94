package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// errSkip — job изменился после выборки, sweep его пропускает.
var errSkip = errors.New("skip")

// sweepLoop выполняет sweep сразу и затем каждые sweepInterval.
func (c *Coordinator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	if n, err := c.ExpireLeases(ctx); err != nil {
		c.logger.Error("failed to expire leases", "error", err)
	} else if n > 0 {
		c.logger.Info("expired leases", "count", n)
	}

	if n, err := c.RetryDue(ctx); err != nil {
		c.logger.Error("failed to retry due jobs", "error", err)
	} else if n > 0 {
		c.logger.Info("retried due jobs", "count", n)
	}

	if n, err := c.Redeliver(ctx); err != nil {
		c.logger.Error("failed to redeliver jobs", "error", err)
	} else if n > 0 {
		c.logger.Info("redelivered queued jobs", "count", n)
	}
}

// ExpireLeases переводит CLAIMED/RUNNING jobs с истёкшим lease в TIMED_OUT
// и возвращает их в очередь с новым токеном. Если бюджет retry исчерпан,
// job переходит в RETRY_EXHAUSTED. Возвращает число обработанных jobs.
func (c *Coordinator) ExpireLeases(ctx context.Context) (int, error) {
	jobs, err := c.store.ListExpiredLeases(ctx, c.now(), c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	count := 0
	for _, candidate := range jobs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		requeued := false
		job, err := c.mutate(ctx, candidate.ExecutionCorrelationID, func(job *domain.Job) (mutation, error) {
			requeued = false

			now := c.now()
			if !job.LeaseExpired(now) {
				return noChange, errSkip
			}

			job.MarkTimedOut(now)
			if !job.CanRetry() {
				job.MarkRetryExhausted(now)
				return save, nil
			}
			job.ResetForRetry(now)
			requeued = true
			return saveAndPublish, nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}

		count++
		queue := job.QueueName.String()
		logger := telemetry.WithCorrelationID(c.logger, job.ExecutionCorrelationID)
		telemetry.LeasesExpired.WithLabelValues(queue).Inc()

		if requeued {
			telemetry.Requeues.WithLabelValues(queue, reasonLeaseExpired).Inc()
			logger.Warn("lease expired, job requeued",
				"queue", queue,
				"worker_id", candidate.WorkerID,
				"retries", job.Retries,
			)
		} else {
			telemetry.Requeues.WithLabelValues(queue, reasonExhausted).Inc()
			logger.Warn("lease expired, retry attempts exhausted",
				"queue", queue,
				"worker_id", candidate.WorkerID,
				"retries", job.Retries,
			)
		}
	}

	return count, nil
}

// RetryDue возвращает в очередь FAILED jobs, у которых наступил RetryAt.
func (c *Coordinator) RetryDue(ctx context.Context) (int, error) {
	jobs, err := c.store.ListDueRetries(ctx, c.now(), c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due retries: %w", err)
	}

	count := 0
	for _, candidate := range jobs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		err := c.requeue(ctx, candidate.ExecutionCorrelationID, reasonAuto, func(job *domain.Job) error {
			if job.Status != domain.JobStatusFailed || job.RetryAt == nil || c.now().Before(*job.RetryAt) {
				return errSkip
			}
			return nil
		})
		switch {
		case errors.Is(err, errSkip), errors.Is(err, domain.ErrNotFound):
			continue
		case errors.Is(err, domain.ErrRetryExhausted):
			count++
		case err != nil:
			return count, err
		default:
			count++
		}
	}

	return count, nil
}

// Redeliver переотправляет QUEUED jobs, которые не менялись дольше
// RedeliverAfter: сообщение могло потеряться в брокере.
// Дубликаты отбрасываются в Poll по токену и статусу.
func (c *Coordinator) Redeliver(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.redeliverAfter)
	jobs, err := c.store.ListStaleQueued(ctx, cutoff, c.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale queued jobs: %w", err)
	}

	count := 0
	for _, candidate := range jobs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		_, err := c.mutate(ctx, candidate.ExecutionCorrelationID, func(job *domain.Job) (mutation, error) {
			now := c.now()
			if job.Status != domain.JobStatusQueued || !job.UpdatedAt.Before(now.Add(-c.redeliverAfter)) {
				return noChange, errSkip
			}
			job.UpdatedAt = now
			return saveAndPublish, nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, err
		}

		count++
		telemetry.WithCorrelationID(c.logger, candidate.ExecutionCorrelationID).Info("job redelivered",
			"queue", candidate.QueueName,
		)
	}

	return count, nil
}
