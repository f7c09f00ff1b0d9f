package taskflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TaskFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the task representation returned by the API.
type Task struct {
	ID              string       `json:"id"`
	Description     string       `json:"description"`
	Kind            string       `json:"kind"`
	State           string       `json:"state"`
	Version         int64        `json:"version"`
	DueAt           *time.Time   `json:"due_at,omitempty"`
	LastObservation *Observation `json:"last_observation,omitempty"`
	AlertFired      bool         `json:"alert_fired"`
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       int64        `json:"updated_at"`
}

// Observation mirrors the last chain reading attached to a task.
type Observation struct {
	Kind      string    `json:"kind"`
	Wei       *big.Int  `json:"wei,omitempty"`
	TxStatus  string    `json:"tx_status,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Stats mirrors the per-state task counters endpoint.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Armed     int `json:"armed"`
	Alerted   int `json:"alerted"`
	Done      int `json:"done"`
	Cancelled int `json:"cancelled"`
}

// ListQuery narrows the result of ListTasks. Zero values are omitted.
type ListQuery struct {
	States []string
	Kinds  []string
	Limit  int
	Offset int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TaskFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

type createTasksRequest struct {
	Text string `json:"text"`
}

type createTasksResponse struct {
	Tasks []Task `json:"tasks"`
}

// CreateTasks submits a natural language description and returns the tasks
// the server extracted and stored from it.
func (c *Client) CreateTasks(ctx context.Context, text string) ([]Task, error) {
	var resp createTasksResponse
	if err := c.post(ctx, "/api/v1/tasks", createTasksRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTask fetches a single task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns tasks matching the query.
func (c *Client) ListTasks(ctx context.Context, query ListQuery) ([]Task, error) {
	values := url.Values{}
	if len(query.States) > 0 {
		values.Set("state", strings.Join(query.States, ","))
	}
	if len(query.Kinds) > 0 {
		values.Set("kind", strings.Join(query.Kinds, ","))
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}

	endpoint := "/api/v1/tasks"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CancelTask moves a live task into the cancelled state.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	return c.transition(ctx, taskID, "cancel")
}

// AcknowledgeTask confirms a fired alert, moving the task to done.
func (c *Client) AcknowledgeTask(ctx context.Context, taskID string) (Task, error) {
	return c.transition(ctx, taskID, "ack")
}

// Stats returns the per-state task counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) transition(ctx context.Context, taskID, action string) (Task, error) {
	var t Task
	endpoint := fmt.Sprintf("/api/v1/tasks/%s/%s", url.PathEscape(taskID), action)
	if err := c.post(ctx, endpoint, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	var rawQuery string
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		rawQuery = endpoint[idx+1:]
		endpoint = endpoint[:idx]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
