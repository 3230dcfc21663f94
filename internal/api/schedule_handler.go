package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
)

// ListSchedules возвращает список schedules с фильтрацией.
// GET /api/v1/schedules?queue=...&enabled=...&limit=...
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	filter := repo.ScheduleFilter{}
	q := r.URL.Query()

	if queue := q.Get("queue"); queue != "" {
		name, err := domain.ParseQueueName(queue)
		if HandleError(w, h.logger, err) {
			return
		}
		filter.Queue = name
	}

	if enabledStr := q.Get("enabled"); enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			BadRequest(w, "invalid enabled")
			return
		}
		filter.Enabled = &enabled
	}

	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	filter.Limit = limit

	schedules, err := h.scheduler.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]ScheduleResponse, len(schedules))
	for i, s := range schedules {
		result[i] = ScheduleFromDomain(s)
	}

	List(w, result, len(result))
}

// CreateSchedule создаёт новый schedule.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		BadRequest(w, "max_retries must not be negative")
		return
	}

	schedule := domain.NewSchedule(req.Name, req.QueueName, req.Payload, time.Now())
	schedule.RunContext = req.RunContext
	schedule.MaxRetries = req.MaxRetries
	schedule.CronExpr = req.CronExpr
	schedule.IntervalSec = req.IntervalSec
	schedule.Timezone = req.Timezone
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if HandleError(w, h.logger, h.scheduler.Create(r.Context(), schedule)) {
		return
	}

	Created(w, ScheduleFromDomain(schedule))
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.scheduler.Get(r.Context(), r.PathValue("id"))
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, ScheduleFromDomain(schedule))
}

// DeleteSchedule удаляет schedule.
// DELETE /api/v1/schedules/{id}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, h.logger, h.scheduler.Delete(r.Context(), r.PathValue("id"))) {
		return
	}
	NoContent(w)
}

// SetScheduleEnabled включает или выключает schedule.
// PUT /api/v1/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	var req SetEnabledRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	schedule, err := h.scheduler.SetEnabled(r.Context(), r.PathValue("id"), req.Enabled)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, ScheduleFromDomain(schedule))
}
