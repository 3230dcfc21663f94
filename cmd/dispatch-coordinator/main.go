// Dispatch Coordinator — владелец очередей и состояния jobs.
//
// Coordinator:
//   - Принимает Enqueue и отдаёт jobs воркерам через long poll
//   - Сверяет отчёты воркеров по токену job
//   - Возвращает брошенные и упавшие jobs в очередь (sweeper)
//   - Ставит повторяющиеся jobs по расписанию (scheduler)
//
// Хранилище и транспорт выбираются через STORE_DRIVER и TRANSPORT_DRIVER.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Dispatch/internal/api"
	"github.com/shaiso/Dispatch/internal/config"
	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/scheduler"
	"github.com/shaiso/Dispatch/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	if err := run(logger); err != nil {
		logger.Error("dispatch-coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting dispatch-coordinator",
		"store", cfg.StoreDriver,
		"transport", cfg.TransportDriver,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	transport, err := openTransport(ctx, cfg, stores, logger)
	if err != nil {
		return err
	}
	defer transport.Close()

	maxRetries := cfg.RetryMax
	coord := coordinator.New(coordinator.Config{
		Store:          stores.jobs,
		Transport:      transport,
		LeaseTimeout:   cfg.LeaseTimeout,
		MaxRetries:     &maxRetries,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		AutoRetry:      cfg.AutoRetry,
		SweepInterval:  cfg.SweepInterval,
		RedeliverAfter: cfg.RedeliverAfter,
		PollTimeout:    cfg.PollTimeout,
		WorkerTokens:   cfg.WorkerTokens,
		Logger:         logger,
	})
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop()

	sched := scheduler.New(scheduler.Config{
		Store:    stores.schedules,
		Enqueuer: coord,
		Elector:  stores.elector,
		Logger:   logger,
	})
	sched.Start(ctx)
	defer sched.Stop()

	handler := api.NewHandler(api.Config{
		Coordinator: coord,
		Scheduler:   sched,
		Logger:      logger,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	// Ждём завершения long poll не дольше 10 секунд.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("dispatch-coordinator stopped")
	return nil
}
