package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lcrespo/backwatch/internal/reliability"
	"github.com/lcrespo/backwatch/internal/track"
)

const (
	defaultTimeout    = 10 * time.Second
	submitBackoffBase = 200 * time.Millisecond
	submitBackoffCap  = 2 * time.Second
)

// Client talks to the evaluation engine's HTTP API: submitting backtests
// and parameter sweeps, and fetching task status documents for polling.
type Client struct {
	baseURL       string
	client        *http.Client
	submitRetries int
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// SubmitRetries is the number of extra attempts after the first.
	SubmitRetries int
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.SubmitRetries < 0 {
		opts.SubmitRetries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		submitRetries: opts.SubmitRetries,
	}
}

// APIError is a non-2xx engine response, with the error envelope decoded
// when the body carried one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("engine status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("engine status %d: %s", e.Status, e.Message)
}

// Unwrap maps the engine's definitive not-found answer onto the tracking
// sentinel. Only the decoded envelope code counts; a bare 404 from a proxy
// or misrouted request stays a transient error.
func (e *APIError) Unwrap() error {
	if e.Code == track.CodeTaskNotFound {
		return track.ErrTaskNotFound
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// FetchStatus retrieves the current status document for one task.
func (c *Client) FetchStatus(ctx context.Context, taskID string) (track.Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return track.Task{}, fmt.Errorf("create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return track.Task{}, fmt.Errorf("fetch status: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return track.Task{}, readAPIError(res)
	}

	var task track.Task
	if err := json.NewDecoder(res.Body).Decode(&task); err != nil {
		return track.Task{}, fmt.Errorf("decode status: %w", err)
	}
	if task.ID == "" {
		task.ID = taskID
	}
	if task.ID != taskID {
		return track.Task{}, fmt.Errorf("status document for unexpected task %q", task.ID)
	}
	if !task.Status.Valid() {
		return track.Task{}, fmt.Errorf("unknown task status %q", task.Status)
	}
	return task, nil
}

func (c *Client) SubmitBacktest(ctx context.Context, params json.RawMessage) (string, error) {
	return c.submit(ctx, "/api/v1/backtests", params)
}

func (c *Client) SubmitSweep(ctx context.Context, params json.RawMessage) (string, error) {
	return c.submit(ctx, "/api/v1/sweeps", params)
}

// submit posts a job request, retrying retryable engine responses and
// transport failures with capped exponential backoff.
func (c *Client) submit(ctx context.Context, path string, params json.RawMessage) (string, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var lastErr error
	for attempt := 0; attempt <= c.submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, submitBackoffBase, submitBackoffCap)):
			}
		}
		taskID, retryable, err := c.trySubmit(ctx, path, params)
		if err == nil {
			return taskID, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) trySubmit(ctx context.Context, path string, params json.RawMessage) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(params))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", reliability.IsRetryableHTTPStatus(res.StatusCode), readAPIError(res)
	}

	var out submitResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	out.TaskID = strings.TrimSpace(out.TaskID)
	if out.TaskID == "" {
		return "", false, fmt.Errorf("engine returned no task id")
	}
	return out.TaskID, false, nil
}

func readAPIError(res *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	apiErr := &APIError{
		Status:  res.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}
