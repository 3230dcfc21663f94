package api

import (
	"net/http"

	"github.com/shaiso/Dispatch/internal/telemetry"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Служебные
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	// Протокол воркера
	mux.Handle("POST /api/v1/queues/{queue}/poll", chain(http.HandlerFunc(h.PollQueue)))
	mux.Handle("POST /api/v1/jobs/{id}/status", chain(http.HandlerFunc(h.UpdateStatus)))
	mux.Handle("GET /api/v1/jobs/{id}/credential", chain(http.HandlerFunc(h.GetCredential)))

	// Jobs
	mux.Handle("GET /api/v1/jobs", chain(http.HandlerFunc(h.ListJobs)))
	mux.Handle("POST /api/v1/jobs", chain(http.HandlerFunc(h.EnqueueJob)))
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("POST /api/v1/jobs/{id}/requeue", chain(http.HandlerFunc(h.RequeueJob)))
	mux.Handle("POST /api/v1/jobs/{id}/report", chain(http.HandlerFunc(h.ReportStatus)))

	// Schedules
	if h.scheduler != nil {
		mux.Handle("GET /api/v1/schedules", chain(http.HandlerFunc(h.ListSchedules)))
		mux.Handle("POST /api/v1/schedules", chain(http.HandlerFunc(h.CreateSchedule)))
		mux.Handle("GET /api/v1/schedules/{id}", chain(http.HandlerFunc(h.GetSchedule)))
		mux.Handle("DELETE /api/v1/schedules/{id}", chain(http.HandlerFunc(h.DeleteSchedule)))
		mux.Handle("PUT /api/v1/schedules/{id}/enabled", chain(http.HandlerFunc(h.SetScheduleEnabled)))
	}
}

// Health отвечает на проверку живости.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
