package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Dispatch/internal/domain"
	"github.com/shaiso/Dispatch/internal/repo"
)

// ErrorCode — код ошибки API.
//
// HTTP-клиент воркера восстанавливает sentinel-ошибки по паре
// (HTTP-статус, код), поэтому коды — часть протокола.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeNotRetryable      ErrorCode = "NOT_RETRYABLE"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeUnknownQueue      ErrorCode = "UNKNOWN_QUEUE"
	ErrCodeInvalidPayload    ErrorCode = "INVALID_PAYLOAD"
	ErrCodeInvalidSchedule   ErrorCode = "INVALID_SCHEDULE"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized отправляет ошибку 401.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку координатора или хранилища в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		Unauthorized(w, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, domain.ErrRetryExhausted):
		Error(w, http.StatusConflict, ErrCodeRetryExhausted, err.Error())
	case errors.Is(err, repo.ErrAlreadyExists):
		Error(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, domain.ErrNotRetryable):
		Error(w, http.StatusUnprocessableEntity, ErrCodeNotRetryable, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, domain.ErrUnknownQueue):
		Error(w, http.StatusBadRequest, ErrCodeUnknownQueue, err.Error())
	case errors.Is(err, domain.ErrInvalidPayload):
		Error(w, http.StatusBadRequest, ErrCodeInvalidPayload, err.Error())
	case errors.Is(err, domain.ErrInvalidSchedule):
		Error(w, http.StatusBadRequest, ErrCodeInvalidSchedule, err.Error())
	default:
		InternalError(w, logger, err)
	}
	return true
}

// decodeBody читает JSON тело запроса. Пустое тело допустимо.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// maxBodyBytes — ограничение размера тела запроса.
const maxBodyBytes = 4 << 20
