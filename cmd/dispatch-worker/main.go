// Dispatch Worker — выполняет шаги jobs.
//
// Worker:
//   - Забирает jobs из очередей координатора через HTTP long poll
//   - Разрешает входные значения шага через variable processors
//   - Выполняет шаг в зависимости от типа (http, delay, transform)
//   - Отчитывается о статусе с токеном job
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Dispatch/internal/config"
	"github.com/shaiso/Dispatch/internal/telemetry"
	"github.com/shaiso/Dispatch/internal/worker"
)

func main() {
	logger := telemetry.SetupLogger()

	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	logger.Info("starting dispatch-worker",
		"worker_id", workerID,
		"coordinator_url", cfg.CoordinatorURL,
		"queues", cfg.WorkerQueues,
		"concurrency", cfg.WorkerConcurrency,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w := worker.New(worker.Config{
		Dialer:      worker.HTTPDialer{BaseURL: cfg.CoordinatorURL},
		WorkerID:    workerID,
		Token:       cfg.WorkerToken,
		Queues:      cfg.WorkerQueues,
		Concurrency: cfg.WorkerConcurrency,
		PollTimeout: cfg.PollTimeout,
		Logger:      logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())

	addr := fmt.Sprintf(":%d", cfg.WorkerPort)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	w.Stop()
	logger.Info("dispatch-worker stopped")
}
