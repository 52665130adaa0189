package renderqsdk

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
)

// Client is a minimal renderq HTTP API client, intended for worker nodes and
// submitting applications.
type Client struct {
	BaseURL     string
	APIToken    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Status          string         `json:"status"`
	EffectiveStatus string         `json:"effective_status"`
	RepeatCount     int            `json:"repeat_count"`
	Weight          float64        `json:"weight"`
	Cost            float64        `json:"cost"`
	InputValues     map[string]any `json:"input_values"`
	ParentID        *string        `json:"parent_id,omitempty"`
	ClientID        *string        `json:"client_id,omitempty"`
	Events          []TaskEvent    `json:"events,omitempty"`
}

// TaskEvent is one entry of a task's append-only log.
type TaskEvent struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Data   string `json:"data,omitempty"`
	TS     string `json:"ts"`
}

// Notification is a feed entry.
type Notification struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Read        bool   `json:"read"`
	TargetType  string `json:"target_type,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	Value       int    `json:"value"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitTask admits an execution request for a workflow.
func (c *Client) SubmitTask(ctx context.Context, workflowID string, inputs map[string]any, repeat int) (Task, error) {
	body := map[string]any{"inputs": inputs}
	if repeat > 0 {
		body["repeat"] = repeat
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/workflows/%s/tasks", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetTask fetches a task with its event log and effective status.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by workflow and status.
func (c *Client) ListTasks(ctx context.Context, workflowID, status string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow", workflowID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v1/tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// NextQueued returns the queuing task with the lowest weight. A worker claims
// it by recording a pending event with its client id.
func (c *Client) NextQueued(ctx context.Context) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/queue/next", nil, &resp)
	return resp, err
}

// RecordEvent reports a status transition for a task.
func (c *Client) RecordEvent(ctx context.Context, taskID, status, detail, clientID string, data map[string]any) (Task, error) {
	body := map[string]any{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	if clientID != "" {
		body["client_id"] = clientID
	}
	if data != nil {
		body["data"] = data
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/events", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DeleteTask removes a task and, for batches, its children.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("v1/tasks/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Notifications returns the caller's feed.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	var resp struct {
		Notifications []Notification `json:"notifications"`
	}
	endpoint := "v1/notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Notifications, err
}

// ReadAllNotifications marks the whole feed read.
func (c *Client) ReadAllNotifications(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "v1/notifications/read-all", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.APIToken != "":
		req.Header.Set("X-API-Token", c.APIToken)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
