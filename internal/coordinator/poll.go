package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/mq"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// PollOptions — параметры Poll.
type PollOptions struct {
	// Token — credential воркера.
	Token string

	// WorkerID — идентификатор воркера, записывается в job.
	WorkerID string

	// Timeout — сколько ждать сообщения. 0 — PollTimeout координатора.
	Timeout time.Duration
}

// Poll ждёт job в очереди и выдаёт его воркеру.
//
// Возвращает nil, nil если за Timeout ничего не пришло,
// nil, ctx.Err() при отмене ctx.
func (c *Coordinator) Poll(ctx context.Context, queue domain.QueueName, opts PollOptions) (*domain.Claim, error) {
	if !queue.IsValid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownQueue, queue)
	}
	if !c.authorizeWorker(opts.Token) {
		return nil, domain.ErrUnauthorized
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.pollTimeout
	}

	start := time.Now()
	claim, err := c.poll(ctx, queue, opts.WorkerID, timeout)

	result := "claimed"
	switch {
	case err != nil:
		result = "error"
	case claim == nil:
		result = "timeout"
	}
	telemetry.PollDuration.WithLabelValues(queue.String(), result).Observe(time.Since(start).Seconds())

	return claim, err
}

func (c *Coordinator) poll(ctx context.Context, queue domain.QueueName, workerID string, timeout time.Duration) (*domain.Claim, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := telemetry.WithWorkerID(telemetry.WithQueue(c.logger, queue.String()), workerID)

	for {
		delivery, err := c.transport.Receive(pollCtx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Debug("poll timed out", "timeout", timeout)
				return nil, nil
			}
			return nil, fmt.Errorf("receive: %w", err)
		}

		claim, err := c.claim(ctx, queue, workerID, delivery.Envelope)
		if err != nil {
			if nackErr := delivery.Nack(true); nackErr != nil {
				logger.Error("failed to nack delivery", "error", nackErr)
			}
			return nil, err
		}
		if err := delivery.Ack(); err != nil {
			logger.Error("failed to ack delivery", "error", err)
		}

		if claim == nil {
			// устаревшее сообщение: job уже выдан, завершён или токен ротирован
			logger.Debug("skipping stale delivery",
				"correlation_id", delivery.Envelope.ExecutionCorrelationID,
			)
			continue
		}

		telemetry.JobsClaimed.WithLabelValues(queue.String()).Inc()
		logger.Info("job claimed",
			"correlation_id", claim.Job.ExecutionCorrelationID,
			"attempt", claim.Job.Attempt,
		)
		return claim, nil
	}
}

// claim переводит job из QUEUED в CLAIMED. Возвращает nil, nil,
// если envelope больше не соответствует job.
func (c *Coordinator) claim(ctx context.Context, queue domain.QueueName, workerID string, env mq.Envelope) (*domain.Claim, error) {
	stale := false
	job, err := c.mutate(ctx, env.ExecutionCorrelationID, func(job *domain.Job) (mutation, error) {
		if job.Status != domain.JobStatusQueued || job.QueueName != queue || job.Token != env.Token {
			stale = true
			return noChange, nil
		}
		stale = false
		job.MarkClaimed(workerID, c.leaseTimeout, c.now())
		return save, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if stale {
		return nil, nil
	}

	return &domain.Claim{Job: job.View(), Token: job.Token}, nil
}

// ExecutionCredential возвращает engine token job держателю текущего токена.
func (c *Coordinator) ExecutionCredential(ctx context.Context, id, token string) (string, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return "", storeError(err)
	}
	if !job.Status.IsLeased() || !tokenEqual(job.Token, token) {
		return "", domain.ErrUnauthorized
	}
	return job.EngineToken, nil
}

// authorizeWorker проверяет credential воркера.
func (c *Coordinator) authorizeWorker(token string) bool {
	if len(c.workerTokens) == 0 {
		return true
	}
	ok := false
	for _, t := range c.workerTokens {
		if subtle.ConstantTimeCompare(t, []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}

func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
