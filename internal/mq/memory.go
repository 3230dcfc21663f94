package mq

import (
	"context"
	"sync"

	"github.com/shaiso/Dispatch/internal/domain"
)

// MemoryTransport — транспорт в памяти процесса.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[domain.QueueName]*memoryQueue
	closed bool
	done   chan struct{}
}

type memoryQueue struct {
	items []Envelope
	dead  []Envelope
	// notify закрывается при появлении сообщения
	notify chan struct{}
}

// NewMemoryTransport создаёт пустой транспорт.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[domain.QueueName]*memoryQueue),
		done:   make(chan struct{}),
	}
}

func (t *MemoryTransport) queue(name domain.QueueName) *memoryQueue {
	q, ok := t.queues[name]
	if !ok {
		q = &memoryQueue{notify: make(chan struct{})}
		t.queues[name] = q
	}
	return q
}

// Publish добавляет envelope в конец очереди.
func (t *MemoryTransport) Publish(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	q := t.queue(env.QueueName)
	q.items = append(q.items, env)
	t.wake(q)
	return nil
}

func (t *MemoryTransport) wake(q *memoryQueue) {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Receive забирает первое сообщение очереди.
func (t *MemoryTransport) Receive(ctx context.Context, name domain.QueueName) (*Delivery, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		q := t.queue(name)
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			t.mu.Unlock()
			return t.delivery(name, env), nil
		}
		notify := q.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrClosed
		case <-notify:
		}
	}
}

func (t *MemoryTransport) delivery(name domain.QueueName, env Envelope) *Delivery {
	return NewDelivery(env,
		func() error { return nil },
		func(requeue bool) error {
			t.mu.Lock()
			defer t.mu.Unlock()

			q := t.queue(name)
			if requeue {
				q.items = append([]Envelope{env}, q.items...)
				t.wake(q)
			} else {
				q.dead = append(q.dead, env)
			}
			return nil
		},
	)
}

// Len возвращает число сообщений в очереди.
func (t *MemoryTransport) Len(name domain.QueueName) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue(name).items)
}

// Dead возвращает сообщения, отклонённые без requeue.
func (t *MemoryTransport) Dead(name domain.QueueName) []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.queue(name).dead...)
}

// Close закрывает транспорт и будит ожидающих Receive.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
