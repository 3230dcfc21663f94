package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/mq"
	"github.com/shaiso/Dispatch/internal/repo"
)

// --- helpers ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testSystem struct {
	coord *coordinator.Coordinator
	store *repo.MemoryJobRepo
	clock *testClock
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()

	store := repo.NewMemoryJobRepo()
	transport := mq.NewMemoryTransport()
	t.Cleanup(func() { _ = transport.Close() })

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	coord := coordinator.New(coordinator.Config{
		Store:        store,
		Transport:    transport,
		LeaseTimeout: time.Minute,
		WorkerTokens: []string{"worker-secret"},
		Now:          clock.Now,
		Logger:       slog.New(slog.DiscardHandler),
	})
	return &testSystem{coord: coord, store: store, clock: clock}
}

func (s *testSystem) startWorker(t *testing.T, mods ...func(*Config)) *Worker {
	t.Helper()

	cfg := Config{
		Dialer:            LocalDialer{Coordinator: s.coord},
		WorkerID:          "w-test",
		Token:             "worker-secret",
		PollTimeout:       20 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		ReconnectMin:      5 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		Logger:            slog.New(slog.DiscardHandler),
	}
	for _, mod := range mods {
		mod(&cfg)
	}

	w := New(cfg)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func (s *testSystem) enqueue(t *testing.T, payload string) string {
	t.Helper()
	id, err := s.coord.Enqueue(context.Background(), domain.QueueExecutor, json.RawMessage(payload))
	require.NoError(t, err)
	return id
}

func (s *testSystem) waitStatus(t *testing.T, id string, status domain.JobStatus) *domain.Job {
	t.Helper()

	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := s.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 2*time.Second, 5*time.Millisecond, "job did not reach %s", status)
	return job
}

// --- Worker ---

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})

	assert.Equal(t, []domain.QueueName{domain.QueueExecutor}, w.queues)
	assert.Equal(t, defaultConcurrency, w.concurrency)
	assert.Equal(t, defaultHeartbeatInterval, w.heartbeatInterval)
	assert.Equal(t, defaultReconnectMin, w.reconnectMin)
	assert.Equal(t, defaultReconnectMax, w.reconnectMax)
	assert.NotNil(t, w.registry)
	assert.NotNil(t, w.resolver)
	assert.False(t, w.IsStopped())
}

func TestWorker_CompletesTransformJob(t *testing.T) {
	sys := newTestSystem(t)
	sys.startWorker(t)

	id := sys.enqueue(t, `{
		"step_type": "transform",
		"props": {
			"n": {"type": "NUMBER", "required": true},
			"flag": {"type": "CHECKBOX"}
		},
		"input": {"n": "{{ order.qty }}", "flag": "yes", "note": "qty={{ order.qty }}"},
		"data": {"order": {"qty": "42"}}
	}`)

	job := sys.waitStatus(t, id, domain.JobStatusCompleted)
	assert.JSONEq(t, `{"n":42,"flag":true,"note":"qty=42"}`, string(job.Output))
	assert.Equal(t, "w-test", job.WorkerID)
	assert.Equal(t, 1, job.Attempt)
}

func TestWorker_FailsInvalidInput(t *testing.T) {
	sys := newTestSystem(t)
	sys.startWorker(t)

	id := sys.enqueue(t, `{
		"step_type": "transform",
		"props": {"n": {"type": "NUMBER"}},
		"input": {"n": "abc"}
	}`)

	job := sys.waitStatus(t, id, domain.JobStatusFailed)
	assert.Equal(t, "invalid input: n", job.Message)
}

func TestWorker_FailsMissingRequiredInput(t *testing.T) {
	sys := newTestSystem(t)
	sys.startWorker(t)

	id := sys.enqueue(t, `{
		"step_type": "transform",
		"props": {"url": {"type": "SHORT_TEXT", "required": true}},
		"input": {"url": "{{ missing }}"}
	}`)

	job := sys.waitStatus(t, id, domain.JobStatusFailed)
	assert.Equal(t, "missing required input: url", job.Message)
}

func TestWorker_FailsUnknownStepType(t *testing.T) {
	sys := newTestSystem(t)
	sys.startWorker(t)

	id := sys.enqueue(t, `{"step_type":"lua"}`)

	job := sys.waitStatus(t, id, domain.JobStatusFailed)
	assert.Contains(t, job.Message, ErrUnknownStepType.Error())

	bad := sys.enqueue(t, `{"input":{}}`)
	job = sys.waitStatus(t, bad, domain.JobStatusFailed)
	assert.Contains(t, job.Message, domain.ErrInvalidPayload.Error())
}

func TestWorker_ExecutorFailure(t *testing.T) {
	sys := newTestSystem(t)

	registry := NewRegistry()
	registry.Register("boom", ExecutorFunc(func(context.Context, *Task) (*ExecutionResult, error) {
		return nil, errors.New("exploded")
	}))
	sys.startWorker(t, func(cfg *Config) { cfg.Registry = registry })

	id := sys.enqueue(t, `{"step_type":"boom"}`)

	job := sys.waitStatus(t, id, domain.JobStatusFailed)
	assert.Equal(t, "exploded", job.Message)
}

func TestWorker_PassesEngineToken(t *testing.T) {
	sys := newTestSystem(t)

	tokens := make(chan string, 1)
	registry := NewRegistry()
	registry.Register("probe", ExecutorFunc(func(_ context.Context, task *Task) (*ExecutionResult, error) {
		tokens <- task.EngineToken
		return &ExecutionResult{}, nil
	}))
	sys.startWorker(t, func(cfg *Config) { cfg.Registry = registry })

	id := sys.enqueue(t, `{"step_type":"probe"}`)
	sys.waitStatus(t, id, domain.JobStatusCompleted)

	job, err := sys.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.EngineToken, <-tokens)
}

func TestWorker_AbortsWhenTokenRevoked(t *testing.T) {
	sys := newTestSystem(t)

	started := make(chan struct{}, 4)
	cancelled := make(chan struct{}, 4)
	registry := NewRegistry()
	registry.Register("block", ExecutorFunc(func(ctx context.Context, _ *Task) (*ExecutionResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		cancelled <- struct{}{}
		return nil, ctx.Err()
	}))
	sys.startWorker(t, func(cfg *Config) { cfg.Registry = registry })

	id := sys.enqueue(t, `{"step_type":"block"}`)
	<-started

	// lease истёк: координатор выдаёт новый токен, heartbeat получает ErrUnauthorized
	require.Eventually(t, func() bool {
		sys.clock.Advance(2 * time.Minute)
		n, err := sys.coord.ExpireLeases(context.Background())
		return err == nil && n > 0
	}, time.Second, 5*time.Millisecond)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("execution was not cancelled after token revocation")
	}

	job, err := sys.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, domain.JobStatusFailed, job.Status)
	assert.NotEqual(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Retries)
}

func TestWorker_RejectedWorkerTokenKeepsRetrying(t *testing.T) {
	sys := newTestSystem(t)
	sys.startWorker(t, func(cfg *Config) { cfg.Token = "wrong" })

	id := sys.enqueue(t, `{"step_type":"transform"}`)
	time.Sleep(50 * time.Millisecond)

	job, err := sys.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestWorker_Stop(t *testing.T) {
	sys := newTestSystem(t)
	w := New(Config{
		Dialer:      LocalDialer{Coordinator: sys.coord},
		Token:       "worker-secret",
		PollTimeout: 20 * time.Millisecond,
		Logger:      slog.New(slog.DiscardHandler),
	})
	require.NoError(t, w.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.True(t, w.IsStopped())
}

// --- Consumer ---

type fakeBackend struct {
	pollErr atomic.Value
	closed  atomic.Bool
}

func (b *fakeBackend) Poll(ctx context.Context, _ domain.QueueName, _ BackendPollOptions) (*domain.Claim, error) {
	if err, ok := b.pollErr.Load().(error); ok && err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (b *fakeBackend) Update(context.Context, domain.StatusUpdate) error { return nil }

func (b *fakeBackend) ExecutionCredential(context.Context, string, string) (string, error) {
	return "", nil
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	backends []*fakeBackend
	failNext error
	pollErr  error
}

func (d *fakeDialer) Dial(context.Context) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return nil, err
	}
	b := &fakeBackend{}
	if d.pollErr != nil {
		b.pollErr.Store(d.pollErr)
	}
	d.backends = append(d.backends, b)
	return b, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestConsumer_InitIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewConsumer(ConsumerConfig{Dialer: dialer, WorkerID: "w1"})
	ctx := context.Background()

	s1, err := c.Init(ctx)
	require.NoError(t, err)
	s2, err := c.Init(ctx)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dialer.count())

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	assert.True(t, s1.Closed())
	assert.True(t, dialer.backends[0].closed.Load())

	_, err = s1.Poll(ctx, domain.QueueExecutor, PollOptions{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s1.Update(ctx, domain.StatusUpdate{}), ErrSessionClosed)

	s3, err := c.Init(ctx)
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Equal(t, 2, dialer.count())
}

func TestConsumer_InitErrors(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{}).Init(context.Background())
	assert.ErrorIs(t, err, ErrNoDialer)

	dialErr := errors.New("connection refused")
	dialer := &fakeDialer{failNext: dialErr}
	c := NewConsumer(ConsumerConfig{Dialer: dialer})

	_, err = c.Init(context.Background())
	assert.ErrorIs(t, err, dialErr)

	_, err = c.Init(context.Background())
	assert.NoError(t, err)
}

func TestWorker_ReconnectsAfterPollError(t *testing.T) {
	dialer := &fakeDialer{pollErr: errors.New("broker gone")}
	w := New(Config{
		Dialer:       dialer,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool { return dialer.count() >= 3 }, time.Second, 5*time.Millisecond)
}

// flakyDialer — LocalDialer, чей backend один раз отвечает ошибкой на Poll
// после взведения failPoll.
type flakyDialer struct {
	LocalDialer
	failPoll atomic.Bool
	dials    atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context) (Backend, error) {
	b, err := d.LocalDialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	d.dials.Add(1)
	return &flakyBackend{Backend: b, dialer: d}, nil
}

type flakyBackend struct {
	Backend
	dialer *flakyDialer
}

func (b *flakyBackend) Poll(ctx context.Context, queue domain.QueueName, opts BackendPollOptions) (*domain.Claim, error) {
	if b.dialer.failPoll.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset")
	}
	return b.Backend.Poll(ctx, queue, opts)
}

func TestWorker_ReportSurvivesSiblingPollError(t *testing.T) {
	sys := newTestSystem(t)
	dialer := &flakyDialer{LocalDialer: LocalDialer{Coordinator: sys.coord}}

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register("slow", ExecutorFunc(func(context.Context, *Task) (*ExecutionResult, error) {
		started <- struct{}{}
		<-release
		return &ExecutionResult{Outputs: map[string]any{"ok": true}}, nil
	}))
	sys.startWorker(t, func(cfg *Config) {
		cfg.Dialer = dialer
		cfg.Registry = registry
		cfg.Concurrency = 2
	})

	id := sys.enqueue(t, `{"step_type":"slow"}`)
	<-started

	// второй цикл получает ошибку poll и закрывает общую сессию
	dialer.failPoll.Store(true)
	require.Eventually(t, func() bool {
		return !dialer.failPoll.Load() && dialer.dials.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	close(release)

	job := sys.waitStatus(t, id, domain.JobStatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(job.Output))
}

func TestWorker_Wait(t *testing.T) {
	w := New(Config{ReconnectMin: time.Millisecond, ReconnectMax: 4 * time.Millisecond})

	assert.Equal(t, 2*time.Millisecond, w.wait(context.Background(), time.Millisecond))
	assert.Equal(t, 4*time.Millisecond, w.wait(context.Background(), 2*time.Millisecond))
	assert.Equal(t, 4*time.Millisecond, w.wait(context.Background(), 4*time.Millisecond))
}
