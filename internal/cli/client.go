package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// JobResponse — job из API.
type JobResponse struct {
	ExecutionCorrelationID string            `json:"execution_correlation_id"`
	QueueName              string            `json:"queue_name"`
	Status                 string            `json:"status"`
	Message                string            `json:"message,omitempty"`
	Payload                json.RawMessage   `json:"payload,omitempty"`
	RunContext             map[string]string `json:"run_context,omitempty"`
	Output                 json.RawMessage   `json:"output,omitempty"`
	Attempt                int               `json:"attempt"`
	Retries                int               `json:"retries"`
	MaxRetries             int               `json:"max_retries"`
	WorkerID               string            `json:"worker_id,omitempty"`
	LeaseExpiresAt         string            `json:"lease_expires_at,omitempty"`
	RetryAt                string            `json:"retry_at,omitempty"`
	CreatedAt              string            `json:"created_at"`
	UpdatedAt              string            `json:"updated_at"`
	FinishedAt             string            `json:"finished_at,omitempty"`
}

// ScheduleResponse — schedule из API.
type ScheduleResponse struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	QueueName   string            `json:"queue_name"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	RunContext  map[string]string `json:"run_context,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone"`
	Enabled     bool              `json:"enabled"`
	NextDueAt   string            `json:"next_due_at,omitempty"`
	LastRunAt   string            `json:"last_run_at,omitempty"`
	LastJobID   string            `json:"last_job_id,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// --- Request types ---

// EnqueueJobRequest — постановка job.
type EnqueueJobRequest struct {
	QueueName  string            `json:"queue_name"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	RunContext map[string]string `json:"run_context,omitempty"`
	MaxRetries *int              `json:"max_retries,omitempty"`
}

// CreateScheduleRequest — создание schedule.
type CreateScheduleRequest struct {
	Name        string            `json:"name"`
	QueueName   string            `json:"queue_name"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	RunContext  map[string]string `json:"run_context,omitempty"`
	MaxRetries  *int              `json:"max_retries,omitempty"`
	CronExpr    string            `json:"cron_expr,omitempty"`
	IntervalSec int               `json:"interval_sec,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// ListJobsOpts — параметры фильтрации jobs.
type ListJobsOpts struct {
	Queue  string
	Status string
	Limit  int
}

// ListSchedulesOpts — параметры фильтрации schedules.
type ListSchedulesOpts struct {
	Queue   string
	Enabled *bool
	Limit   int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для API координатора.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Jobs ---

// EnqueueJob ставит job в очередь и возвращает correlation id.
func (c *Client) EnqueueJob(req EnqueueJobRequest) (string, error) {
	var resp struct {
		ExecutionCorrelationID string `json:"execution_correlation_id"`
	}
	err := c.post("/api/v1/jobs", req, &resp)
	return resp.ExecutionCorrelationID, err
}

// ListJobs возвращает список jobs с фильтрацией.
func (c *Client) ListJobs(opts ListJobsOpts) ([]JobResponse, error) {
	params := url.Values{}
	if opts.Queue != "" {
		params.Set("queue", opts.Queue)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []JobResponse
	err := c.list("/api/v1/jobs", params, &jobs)
	return jobs, err
}

// GetJob возвращает job по correlation id.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+url.PathEscape(id), &job)
	return &job, err
}

// RequeueJob возвращает job в очередь.
func (c *Client) RequeueJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+url.PathEscape(id)+"/requeue", nil, &job)
	return &job, err
}

// ReportJob отправляет внешний отчёт о статусе job.
func (c *Client) ReportJob(id, status, message string) error {
	body := map[string]string{"status": status, "message": message}
	return c.post("/api/v1/jobs/"+url.PathEscape(id)+"/report", body, nil)
}

// --- Schedules ---

// ListSchedules возвращает schedules.
func (c *Client) ListSchedules(opts ListSchedulesOpts) ([]ScheduleResponse, error) {
	params := url.Values{}
	if opts.Queue != "" {
		params.Set("queue", opts.Queue)
	}
	if opts.Enabled != nil {
		params.Set("enabled", strconv.FormatBool(*opts.Enabled))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(req CreateScheduleRequest) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.post("/api/v1/schedules", req, &schedule)
	return &schedule, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+url.PathEscape(id), &schedule)
	return &schedule, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(id string) error {
	return c.delete("/api/v1/schedules/" + url.PathEscape(id))
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(id string, enabled bool) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	body := map[string]bool{"enabled": enabled}
	err := c.put("/api/v1/schedules/"+url.PathEscape(id)+"/enabled", body, &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNoContent || result == nil {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return json.Unmarshal(dr.Data, result)
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
