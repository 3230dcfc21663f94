package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Dispatch/internal/domain"
)

// Task — шаг, готовый к выполнению.
type Task struct {
	// Job — view полученного job (без токенов).
	Job domain.JobView

	// StepType — тип шага (http, delay, transform).
	StepType string

	// Config — входные значения шага после шаблонов и приведения типов.
	Config map[string]any

	// EngineToken — credential движка, выданный координатором для этой попытки.
	EngineToken string
}

// Executor — интерфейс для выполнения конкретного типа шага.
//
// Реализации: HTTPExecutor, DelayExecutor, TransformExecutor.
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// ExecutionResult — результат выполнения шага.
type ExecutionResult struct {
	// Outputs — выходные данные выполнения.
	Outputs map[string]any

	// Error — сообщение об ошибке (логическая ошибка выполнения).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по типу шага.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр с зарегистрированными executor'ами по умолчанию.
//
// Регистрирует: http, delay, transform.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register("http", &HTTPExecutor{})
	r.Register("delay", &DelayExecutor{})
	r.Register("transform", &TransformExecutor{})
	return r
}

// Register добавляет (или заменяет) executor для типа шага.
func (r *Registry) Register(stepType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stepType] = executor
}

// Get возвращает executor для типа шага.
func (r *Registry) Get(stepType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStepType, stepType)
	}
	return executor, nil
}

// Types возвращает зарегистрированные типы шагов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
