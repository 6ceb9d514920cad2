package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mimir-aip/mimir-fleet/pkg/api"
	"github.com/mimir-aip/mimir-fleet/pkg/models"
)

// Client talks to the supervisor's HTTP API
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

// JobListOptions filters ListJobs; zero fields are ignored
type JobListOptions struct {
	OrgID    string
	Kind     models.JobKind
	Statuses []models.JobStatus
	WorkerID string
	Limit    int
}

// WorkerListOptions filters ListWorkers; zero fields are ignored
type WorkerListOptions struct {
	OrgID    string
	Kind     models.JobKind
	Statuses []models.WorkerStatus
}

// HealthCheck pings the /health endpoint
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Jobs
func (c *Client) SubmitJob(ctx context.Context, req models.JobSubmissionRequest) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, opts JobListOptions) ([]models.Job, error) {
	q := url.Values{}
	setParam(q, "org_id", opts.OrgID)
	setParam(q, "kind", string(opts.Kind))
	setParam(q, "worker_id", opts.WorkerID)
	statuses := make([]string, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		statuses = append(statuses, string(s))
	}
	setParam(q, "status", strings.Join(statuses, ","))
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, withQuery("/api/jobs", q), nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Workers
func (c *Client) ListWorkers(ctx context.Context, opts WorkerListOptions) ([]models.Worker, error) {
	q := url.Values{}
	setParam(q, "org_id", opts.OrgID)
	setParam(q, "kind", string(opts.Kind))
	statuses := make([]string, 0, len(opts.Statuses))
	for _, s := range opts.Statuses {
		statuses = append(statuses, string(s))
	}
	setParam(q, "status", strings.Join(statuses, ","))

	var workers []models.Worker
	if err := c.do(ctx, http.MethodGet, withQuery("/api/workers", q), nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (c *Client) DrainWorker(ctx context.Context, id string) (*models.Worker, error) {
	var worker models.Worker
	if err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(id)+"/drain", nil, &worker); err != nil {
		return nil, err
	}
	return &worker, nil
}

// QueueDepths returns queued jobs per pool
func (c *Client) QueueDepths(ctx context.Context) ([]api.QueueDepth, error) {
	var depths []api.QueueDepth
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, &depths); err != nil {
		return nil, err
	}
	return depths, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}

func setParam(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
