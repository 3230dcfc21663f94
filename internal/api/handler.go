package api

import (
	"log/slog"
	"time"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/scheduler"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	coord       *coordinator.Coordinator
	scheduler   *scheduler.Scheduler
	maxPollWait time.Duration
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Coordinator *coordinator.Coordinator

	// Scheduler — опционально; без него /schedules отвечают 404.
	Scheduler *scheduler.Scheduler

	// MaxPollWait — верхняя граница timeout_ms в запросе poll (default: 60s).
	MaxPollWait time.Duration

	Logger *slog.Logger
}

// DefaultMaxPollWait — максимальное ожидание одного long poll.
const DefaultMaxPollWait = 60 * time.Second

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPollWait := cfg.MaxPollWait
	if maxPollWait <= 0 {
		maxPollWait = DefaultMaxPollWait
	}
	return &Handler{
		coord:       cfg.Coordinator,
		scheduler:   cfg.Scheduler,
		maxPollWait: maxPollWait,
		logger:      logger,
	}
}
