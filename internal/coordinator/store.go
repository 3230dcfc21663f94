package coordinator

import (
	"context"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
)

// JobStore — граница хранилища jobs.
//
// Update — compare-and-swap по Revision: при несовпадении
// возвращается repo.ErrConflict, при успехе Revision увеличивается.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	List(ctx context.Context, filter repo.JobFilter) ([]*domain.Job, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	ListStaleQueued(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
}

// RemoteStore — хранилище за сетью (PostgreSQL, Redis).
//
// Для такого хранилища Coordinator не держит блокировку ключа на время
// Get/Update: писателей одного job упорядочивает revision CAS.
type RemoteStore interface {
	Remote() bool
}

func isRemote(store JobStore) bool {
	r, ok := store.(RemoteStore)
	return ok && r.Remote()
}
