// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает:
//   - logging.go — structured logging через slog
//   - metrics.go — Prometheus метрики dispatch_*
//
// Координатор и воркеры используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
