package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
)

// ListJobs возвращает список jobs с фильтрацией.
// GET /api/v1/jobs?queue=...&status=...&limit=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repo.JobFilter{}
	q := r.URL.Query()

	if queue := q.Get("queue"); queue != "" {
		name, err := domain.ParseQueueName(queue)
		if HandleError(w, h.logger, err) {
			return
		}
		filter.Queue = name
	}

	if status := q.Get("status"); status != "" {
		filter.Status = domain.JobStatus(status)
		if !filter.Status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
	}

	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	jobs, err := h.coord.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	List(w, jobs, len(jobs))
}

// EnqueueJob ставит job в очередь.
// POST /api/v1/jobs
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	var opts []coordinator.EnqueueOption
	if len(req.RunContext) > 0 {
		opts = append(opts, coordinator.WithRunContext(req.RunContext))
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			BadRequest(w, "max_retries must not be negative")
			return
		}
		opts = append(opts, coordinator.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.coord.Enqueue(r.Context(), req.QueueName, req.Payload, opts...)
	if HandleError(w, h.logger, err) {
		return
	}

	Created(w, EnqueueJobResponse{ExecutionCorrelationID: id})
}

// GetJob возвращает job по correlation id.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.Get(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, job)
}

// RequeueJob возвращает FAILED или TIMED_OUT job в очередь.
// POST /api/v1/jobs/{id}/requeue
//
// 409 — retry исчерпаны, 422 — статус не допускает requeue.
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if HandleError(w, h.logger, h.coord.Requeue(r.Context(), id)) {
		return
	}

	job, err := h.coord.Get(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, job)
}

// ReportStatus принимает отчёт о статусе от внешней системы.
// POST /api/v1/jobs/{id}/report
func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	var req ReportStatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if !req.Status.IsValid() {
		BadRequest(w, "invalid status")
		return
	}

	err := h.coord.OnStatusReport(r.Context(), r.PathValue("id"), req.Status, req.Message)
	if HandleError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// parseLimit разбирает параметр limit. Пустое значение — лимит по умолчанию.
func parseLimit(w http.ResponseWriter, s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		BadRequest(w, "invalid limit")
		return 0, false
	}
	return n, true
}
