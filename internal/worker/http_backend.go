package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/Dispatch/internal/domain"
)

// JobTokenHeader — заголовок с токеном job для запроса credential.
const JobTokenHeader = "X-Job-Token"

// pollSlack — запас к таймауту poll на время HTTP round trip.
const pollSlack = 10 * time.Second

// HTTPDialer подключает воркер к координатору по HTTP API.
type HTTPDialer struct {
	// BaseURL — адрес API координатора, например http://localhost:8080.
	BaseURL string

	// Client — HTTP-клиент (default: http.Client без общего таймаута,
	// таймаут задаётся на каждый запрос).
	Client *http.Client
}

// Dial проверяет адрес и возвращает HTTPBackend.
func (d HTTPDialer) Dial(ctx context.Context) (Backend, error) {
	b, err := NewHTTPBackend(d.BaseURL, d.Client)
	if err != nil {
		return nil, err
	}
	if err := b.ping(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// HTTPBackend — Backend поверх HTTP API координатора.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend создаёт HTTPBackend.
func NewHTTPBackend(baseURL string, client *http.Client) (*HTTPBackend, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid coordinator url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}, nil
}

type pollRequest struct {
	WorkerID  string `json:"worker_id,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type credentialResponse struct {
	EngineToken string `json:"engine_token"`
}

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Poll выполняет long poll. 204 — за таймаут ничего не пришло.
func (b *HTTPBackend) Poll(ctx context.Context, queue domain.QueueName, opts BackendPollOptions) (*domain.Claim, error) {
	body := pollRequest{WorkerID: opts.WorkerID, TimeoutMS: opts.Timeout.Milliseconds()}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout+pollSlack)
		defer cancel()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := b.do(ctx, http.MethodPost, "/api/v1/queues/"+url.PathEscape(queue.String())+"/poll", body, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var claim domain.Claim
	if err := decodeData(resp, &claim); err != nil {
		return nil, err
	}
	return &claim, nil
}

// Update отправляет отчёт о статусе.
func (b *HTTPBackend) Update(ctx context.Context, upd domain.StatusUpdate) error {
	resp, err := b.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(upd.ExecutionCorrelationID)+"/status", upd, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkError(resp)
}

// ExecutionCredential запрашивает engine token.
func (b *HTTPBackend) ExecutionCredential(ctx context.Context, id, token string) (string, error) {
	header := http.Header{}
	header.Set(JobTokenHeader, token)

	resp, err := b.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/credential", nil, header)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cred credentialResponse
	if err := decodeData(resp, &cred); err != nil {
		return "", err
	}
	return cred.EngineToken, nil
}

// Close закрывает простаивающие соединения.
func (b *HTTPBackend) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}

func (b *HTTPBackend) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := b.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkError(resp)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return resp, nil
}

func decodeData(resp *http.Response, result any) error {
	if err := checkError(resp); err != nil {
		return err
	}
	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}
	if err := json.Unmarshal(dr.Data, result); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrBackend, err)
	}
	return nil
}

// checkError переводит HTTP-статус ответа в sentinel-ошибки domain.
func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	msg := er.Error.Message
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = domain.ErrUnauthorized
	case http.StatusNotFound:
		sentinel = domain.ErrNotFound
	case http.StatusConflict:
		if er.Error.Code == "RETRY_EXHAUSTED" {
			sentinel = domain.ErrRetryExhausted
		} else {
			sentinel = ErrBackend
		}
	case http.StatusUnprocessableEntity:
		if er.Error.Code == "NOT_RETRYABLE" {
			sentinel = domain.ErrNotRetryable
		} else {
			sentinel = domain.ErrInvalidTransition
		}
	case http.StatusBadRequest:
		if er.Error.Code == "UNKNOWN_QUEUE" {
			sentinel = domain.ErrUnknownQueue
		} else {
			sentinel = domain.ErrInvalidPayload
		}
	default:
		sentinel = ErrBackend
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
