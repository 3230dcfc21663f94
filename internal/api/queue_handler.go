package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Dispatch/internal/coordinator"
	"github.com/shaiso/Dispatch/internal/domain"
)

// JobTokenHeader — заголовок с токеном job для запроса credential.
const JobTokenHeader = "X-Job-Token"

// PollQueue — long poll воркера.
// POST /api/v1/queues/{queue}/poll
//
// 200 — claim, 204 — за таймаут ничего не пришло, 401 — неверный токен воркера.
func (h *Handler) PollQueue(w http.ResponseWriter, r *http.Request) {
	queue := domain.QueueName(r.PathValue("queue"))

	var req PollRequest
	if err := decodeBody(w, r, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout < 0 {
		timeout = 0
	}
	timeout = min(timeout, h.maxPollWait)

	claim, err := h.coord.Poll(r.Context(), queue, coordinator.PollOptions{
		Token:    bearerToken(r),
		WorkerID: req.WorkerID,
		Timeout:  timeout,
	})
	if err != nil {
		// Клиент ушёл: отвечать некому.
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		HandleError(w, h.logger, err)
		return
	}
	if claim == nil {
		NoContent(w)
		return
	}

	Success(w, claim)
}

// UpdateStatus принимает отчёт воркера.
// POST /api/v1/jobs/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var upd domain.StatusUpdate
	if err := decodeBody(w, r, &upd); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	upd.ExecutionCorrelationID = r.PathValue("id")

	if !upd.Status.IsValid() {
		BadRequest(w, "invalid status")
		return
	}

	if HandleError(w, h.logger, h.coord.Update(r.Context(), upd)) {
		return
	}
	NoContent(w)
}

// GetCredential выдаёт engine token держателю активного токена job.
// GET /api/v1/jobs/{id}/credential
func (h *Handler) GetCredential(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(JobTokenHeader)
	if token == "" {
		Unauthorized(w, "missing "+JobTokenHeader+" header")
		return
	}

	engineToken, err := h.coord.ExecutionCredential(r.Context(), r.PathValue("id"), token)
	if HandleError(w, h.logger, err) {
		return
	}
	Success(w, CredentialResponse{EngineToken: engineToken})
}

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
