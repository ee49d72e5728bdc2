// Package eigen implements a ComputeBackend over an EigenCompute-style HTTP
// job API.
//
// Endpoints:
//
//	POST /v1/jobs                 submit a task, returns {"job_id": ...}
//	GET  /v1/jobs/{id}            job status
//	GET  /v1/jobs/{id}/result     200 result, 202 not ready, 422 failed, 410 cancelled
//	POST /v1/jobs/{id}/cancel     best-effort cancel
//	GET  /health                  reachability
//
// Requests carry the API key in the X-API-Key header.
package eigen

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

	"go.uber.org/zap"

	"github.com/3leaps/procverify/pkg/backend"
)

// Kind is the registry name of this backend.
const Kind = "eigen"

// DefaultRequestTimeout bounds a single HTTP request.
const DefaultRequestTimeout = 30 * time.Second

// Config configures an Eigen compute backend.
type Config struct {
	// BaseURL is the API root, e.g. https://compute.example.com.
	BaseURL string `mapstructure:"base_url"`

	// APIKey is sent as X-API-Key when set.
	APIKey string `mapstructure:"api_key"`

	// RequestTimeout bounds each HTTP request. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// PollInitial and PollMax bound the result polling schedule used when
	// Result is called with Wait.
	PollInitial time.Duration `mapstructure:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("eigen config: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("eigen config: invalid base_url %q", c.BaseURL)
	}
	return nil
}

// Client is a ComputeBackend backed by the Eigen job API.
//
// The underlying http.Client pools connections and is shared by all jobs.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	backoff backend.Backoff
	logger  *zap.Logger
}

var (
	_ backend.ComputeBackend = (*Client)(nil)
	_ backend.Canceler       = (*Client)(nil)
	_ backend.HealthChecker  = (*Client)(nil)
)

// New creates a client. httpClient may be nil.
func New(name string, cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		name = Kind
	}
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	b := backend.DefaultBackoff()
	if cfg.PollInitial > 0 {
		b.Initial = cfg.PollInitial
	}
	if cfg.PollMax > 0 {
		b.Max = cfg.PollMax
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		backoff: b,
		logger:  logger,
	}, nil
}

// NewFromSettings is the registry factory.
func NewFromSettings(_ context.Context, name string, settings map[string]any, logger *zap.Logger) (backend.ComputeBackend, error) {
	var cfg Config
	if err := backend.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg, nil, logger)
}

// Name returns the configured backend name.
func (c *Client) Name() string {
	return c.name
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e errorResponse) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// Submit posts the task and returns the provider's job id.
func (c *Client) Submit(ctx context.Context, task backend.TaskSpec) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}
	task = task.WithDefaults()

	body, err := json.Marshal(task)
	if err != nil {
		return "", backend.Wrap(c.name, "Submit", "", err)
	}

	var out submitResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/jobs", body, &out)
	if err != nil {
		return "", backend.Wrap(c.name, "Submit", "", err)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return "", backend.Wrap(c.name, "Submit", "", backend.ErrInvalidTask)
	case status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted:
		return "", backend.Wrap(c.name, "Submit", "", statusError(status))
	}
	if out.JobID == "" {
		return "", backend.Wrap(c.name, "Submit", "", fmt.Errorf("%w: response has no job_id", backend.ErrBackendUnavailable))
	}
	c.logger.Debug("Job submitted", zap.String("job_id", out.JobID))
	return out.JobID, nil
}

// Status queries the job state.
func (c *Client) Status(ctx context.Context, jobID string) (backend.JobStatus, error) {
	var out backend.JobStatus
	status, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return backend.JobStatus{}, backend.Wrap(c.name, "Status", jobID, err)
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return backend.JobStatus{}, backend.Wrap(c.name, "Status", jobID, backend.ErrUnknownJob)
	default:
		return backend.JobStatus{}, backend.Wrap(c.name, "Status", jobID, statusError(status))
	}
	if !out.State.Valid() {
		return backend.JobStatus{}, backend.Wrap(c.name, "Status", jobID, fmt.Errorf("%w: unknown state %q", backend.ErrBackendUnavailable, out.State))
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return out, nil
}

// Result fetches the job result, polling with backoff when opts.Wait is set.
func (c *Client) Result(ctx context.Context, jobID string, opts backend.ResultOptions) (*backend.JobResult, error) {
	if !opts.Wait {
		return c.fetchResult(ctx, jobID)
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	for attempt := 0; ; attempt++ {
		res, err := c.fetchResult(ctx, jobID)
		if !backend.IsNotReady(err) {
			return res, err
		}

		wait := time.NewTimer(c.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-deadline:
			wait.Stop()
			return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrTimeout)
		case <-wait.C:
		}
	}
}

func (c *Client) fetchResult(ctx context.Context, jobID string) (*backend.JobResult, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/result", nil, &raw)
	if err != nil {
		return nil, backend.Wrap(c.name, "Result", jobID, err)
	}
	switch status {
	case http.StatusOK:
		var res backend.JobResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, backend.Wrap(c.name, "Result", jobID, fmt.Errorf("decode result: %w", err))
		}
		if res.JobID == "" {
			res.JobID = jobID
		}
		return &res, nil
	case http.StatusAccepted:
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrNotReady)
	case http.StatusNotFound:
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrUnknownJob)
	case http.StatusGone:
		return nil, backend.Wrap(c.name, "Result", jobID, backend.ErrCancelled)
	case http.StatusUnprocessableEntity, http.StatusConflict:
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		reason := er.text()
		if reason == "" {
			reason = "provider reported failure"
		}
		return nil, &backend.JobFailedError{JobID: jobID, Reason: reason}
	default:
		return nil, backend.Wrap(c.name, "Result", jobID, statusError(status))
	}
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// Cancel asks the provider to stop the job.
func (c *Client) Cancel(ctx context.Context, jobID string) (bool, error) {
	var out cancelResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out)
	if err != nil {
		return false, backend.Wrap(c.name, "Cancel", jobID, err)
	}
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return out.Cancelled, nil
	case http.StatusNotFound:
		return false, backend.Wrap(c.name, "Cancel", jobID, backend.ErrUnknownJob)
	case http.StatusConflict:
		return false, nil
	default:
		return false, backend.Wrap(c.name, "Cancel", jobID, statusError(status))
	}
}

// Health checks the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return backend.Wrap(c.name, "Health", "", err)
	}
	if status != http.StatusOK {
		return backend.Wrap(c.name, "Health", "", statusError(status))
	}
	return nil
}

// do performs one request and decodes a JSON body into out when present.
// Transport failures are reported as ErrBackendUnavailable; HTTP status
// interpretation is left to the caller.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", backend.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read body: %v", backend.ErrBackendUnavailable, err)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = append((*raw)[:0], data...)
		} else if resp.StatusCode < 300 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}

// errUnauthorized is returned for rejected credentials. It is not retried.
var errUnauthorized = errors.New("unauthorized")

func statusError(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w (http %d)", errUnauthorized, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: http %d", backend.ErrBackendUnavailable, status)
	default:
		return fmt.Errorf("unexpected http status %d", status)
	}
}
