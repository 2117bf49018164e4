// Package tinytask is a thin, retrying client for the remote task
// service. Read operations degrade to empty results after the retry
// budget is exhausted; write operations report false. The scheduler can
// always proceed on a degraded answer.
package tinytask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// TaskService is the scheduler- and supervisor-facing contract. All
// operations are idempotent at the caller level.
type TaskService interface {
	ListIdleTasks(ctx context.Context, agent string, limit int) ([]model.Task, error)
	GetUnassignedInQueue(ctx context.Context, queue string, limit int) ([]model.Task, error)
	Assign(ctx context.Context, taskID, agent string) bool
	UpdateState(ctx context.Context, taskID string, state model.UpdateState, metadata map[string]any) bool
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
}

// Client talks HTTP+JSON to the task service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	logger     *logging.Logger
}

// NewClient creates a client with connection pooling and a per-call timeout.
func NewClient(baseURL string, timeout time.Duration, logger *logging.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		maxRetries: 3,
		retryBase:  500 * time.Millisecond,
		retryCap:   8 * time.Second,
		logger:     logger,
	}
}

// retryableError marks transport failures and 5xx responses.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// statusError carries a non-retryable HTTP status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.status, e.body) }

// doRequest performs one HTTP call with bounded exponential backoff.
// Non-5xx HTTP errors fail immediately; transport errors and 5xx retry.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	delay := c.retryBase

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.retryCap {
				delay = c.retryCap
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &retryableError{fmt.Errorf("%s %s: %w", method, path, err)}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &retryableError{fmt.Errorf("%s %s: read body: %w", method, path, err)}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode >= 500:
			lastErr = &retryableError{fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, data)}
			continue
		default:
			return nil, fmt.Errorf("%s %s: %w", method, path, &statusError{resp.StatusCode, string(data)})
		}
	}
	return nil, lastErr
}

// decodeTaskList tolerates both a bare array and a {"tasks": [...]}
// wrapper in list responses.
func decodeTaskList(data []byte) ([]model.Task, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var bare []model.Task
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var wrapped struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode task list: %w", err)
	}
	return wrapped.Tasks, nil
}

// ListIdleTasks lists idle tasks assigned to agent, up to limit.
func (c *Client) ListIdleTasks(ctx context.Context, agent string, limit int) ([]model.Task, error) {
	if _, err := validate.AgentName(agent); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("assigned_to", agent)
	q.Set("status", string(model.TaskStatusIdle))
	q.Set("limit", fmt.Sprint(limit))

	data, err := c.doRequest(ctx, http.MethodGet, "/api/tasks?"+q.Encode(), nil)
	if err != nil {
		c.logger.Warnf("list idle tasks for agent %s failed: %v", agent, err)
		return []model.Task{}, nil
	}
	tasks, err := decodeTaskList(data)
	if err != nil {
		c.logger.Warnf("list idle tasks for agent %s: %v", agent, err)
		return []model.Task{}, nil
	}
	return tasks, nil
}

// GetUnassignedInQueue lists unassigned idle tasks in a queue, up to limit.
func (c *Client) GetUnassignedInQueue(ctx context.Context, queue string, limit int) ([]model.Task, error) {
	if _, err := validate.Identifier(queue, "queue"); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))

	data, err := c.doRequest(ctx, http.MethodGet, "/api/queues/"+url.PathEscape(queue)+"/unassigned?"+q.Encode(), nil)
	if err != nil {
		c.logger.Warnf("get unassigned tasks for queue %s failed: %v", queue, err)
		return []model.Task{}, nil
	}
	tasks, err := decodeTaskList(data)
	if err != nil {
		c.logger.Warnf("get unassigned tasks for queue %s: %v", queue, err)
		return []model.Task{}, nil
	}
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// Assign assigns a task to an agent. Best effort: false on any failure.
func (c *Client) Assign(ctx context.Context, taskID, agent string) bool {
	if _, err := validate.TaskID(taskID); err != nil {
		c.logger.Errorf("assign rejected: %v", err)
		return false
	}
	if _, err := validate.AgentName(agent); err != nil {
		c.logger.Errorf("assign rejected: %v", err)
		return false
	}

	body, _ := json.Marshal(map[string]string{"assigned_to": agent})
	if _, err := c.doRequest(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(taskID)+"/assign", body); err != nil {
		c.logger.Warnf("assign task %s to agent %s failed: %v", taskID, agent, err)
		return false
	}
	return true
}

// UpdateState updates a task's lifecycle state. Best effort: false on
// any failure; a missed update is recovered by a later reconciliation.
func (c *Client) UpdateState(ctx context.Context, taskID string, state model.UpdateState, metadata map[string]any) bool {
	if _, err := validate.TaskID(taskID); err != nil {
		c.logger.Errorf("update_state rejected: %v", err)
		return false
	}

	payload := map[string]any{"status": string(state)}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	body, _ := json.Marshal(payload)
	if _, err := c.doRequest(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(taskID)+"/state", body); err != nil {
		c.logger.Warnf("update task %s to state %s failed: %v", taskID, state, err)
		return false
	}
	return true
}

// GetTask fetches one task. Returns (nil, nil) when the service reports
// no content or 404; the supervisor uses this advisorily.
func (c *Client) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	if _, err := validate.TaskID(taskID); err != nil {
		return nil, err
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var wrapped struct {
		Task *model.Task `json:"task"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Task != nil {
		return wrapped.Task, nil
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}
