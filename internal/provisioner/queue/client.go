package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/runbot/internal/buildinfo"
)

// State is the lifecycle state of a work item.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// Terminal reports whether the work item will not change state again.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCanceled
}

// WorkItem is a unit of work submitted to the queue.
type WorkItem struct {
	Queue   string            `json:"queue"`
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	State State `json:"state"`
}

// Client talks to the work queue's REST API.
type Client struct {
	http    *retryablehttp.Client
	baseURL *url.URL
	token   string
}

// NewClient builds a Client with retries for transient failures.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("queue base url %q: %w", baseURL, err)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 4
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.Logger = logger

	return &Client{http: hc, baseURL: u, token: token}, nil
}

// Submit enqueues a work item and returns its id.
func (c *Client) Submit(ctx context.Context, item WorkItem) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs", item, &resp); err != nil {
		return "", fmt.Errorf("submit work item %s: %w", item.Name, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("submit work item %s: empty id in response", item.Name)
	}
	return resp.ID, nil
}

// Status returns the current state of a work item.
func (c *Client) Status(ctx context.Context, id string) (State, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &resp); err != nil {
		return "", fmt.Errorf("status of work item %s: %w", id, err)
	}
	return resp.State, nil
}

// Cancel asks the queue to stop a work item.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel work item %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
