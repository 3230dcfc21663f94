package worker

import (
	"context"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
)

// LocalDialer подключает воркер к координатору в том же процессе.
type LocalDialer struct {
	Coordinator *coordinator.Coordinator
}

// Dial возвращает backend поверх координатора.
func (d LocalDialer) Dial(_ context.Context) (Backend, error) {
	if d.Coordinator == nil {
		return nil, ErrNoDialer
	}
	return &localBackend{coord: d.Coordinator}, nil
}

type localBackend struct {
	coord *coordinator.Coordinator
}

func (b *localBackend) Poll(ctx context.Context, queue domain.QueueName, opts BackendPollOptions) (*domain.Claim, error) {
	return b.coord.Poll(ctx, queue, coordinator.PollOptions{
		Token:    opts.Token,
		WorkerID: opts.WorkerID,
		Timeout:  opts.Timeout,
	})
}

func (b *localBackend) Update(ctx context.Context, upd domain.StatusUpdate) error {
	return b.coord.Update(ctx, upd)
}

func (b *localBackend) ExecutionCredential(ctx context.Context, id, token string) (string, error) {
	return b.coord.ExecutionCredential(ctx, id, token)
}

func (b *localBackend) Close() error { return nil }
