package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/tidwall/gjson"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

// EnqueueOption настраивает создаваемый job.
type EnqueueOption func(*domain.Job)

// WithRunContext прикладывает контекст run к job.
func WithRunContext(rc map[string]string) EnqueueOption {
	return func(j *domain.Job) {
		if len(rc) > 0 {
			j.RunContext = maps.Clone(rc)
		}
	}
}

// WithMaxRetries переопределяет лимит requeue для job.
func WithMaxRetries(n int) EnqueueOption {
	return func(j *domain.Job) {
		j.MaxRetries = max(n, 0)
	}
}

// Enqueue создаёт job в статусе QUEUED и публикует его в очередь.
// Возвращает execution correlation id.
func (c *Coordinator) Enqueue(ctx context.Context, queue domain.QueueName, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	if !queue.IsValid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownQueue, queue)
	}
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return "", domain.ErrInvalidPayload
	}

	job := domain.NewJob(queue, append(json.RawMessage(nil), payload...), c.maxRetries, c.now())
	for _, opt := range opts {
		opt(job)
	}

	if err := c.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	telemetry.JobsEnqueued.WithLabelValues(queue.String()).Inc()
	telemetry.WithCorrelationID(c.logger, job.ExecutionCorrelationID).Info("job enqueued",
		"queue", queue,
		"max_retries", job.MaxRetries,
	)

	c.publish(ctx, job)

	return job.ExecutionCorrelationID, nil
}
