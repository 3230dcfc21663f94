// Package api содержит HTTP API координатора.
//
// Структура:
//   - handler.go          — Handler с DI (координатор, scheduler, logger)
//   - routes.go           — регистрация маршрутов, /healthz и /metrics
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и HandleError
//   - dto.go              — Data Transfer Objects (request/response)
//   - queue_handler.go    — протокол воркера: poll, status, credential
//   - job_handler.go      — обработчики для /jobs
//   - schedule_handler.go — обработчики для /schedules
//
// Ответы: {"data": ...} при успехе, {"error": {"code", "message"}} при ошибке.
package api
