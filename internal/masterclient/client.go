// Package masterclient implements distworker.MasterClient as an HTTP
// client against the master's job API, in the BaseURL + *http.Client
// shape rig's own httpx.Client uses for service-to-service calls.
package masterclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/distexec/worker/internal/distworker"
)

// DefaultTimeout bounds a single call to the master; these calls are
// best-effort from the worker's perspective and must never stall the
// main loop.
const DefaultTimeout = 10 * time.Second

// Client is an HTTP client that prepends BaseURL to the master's
// endpoint paths.
type Client struct {
	// BaseURL is prepended to every request path (e.g.
	// "https://master.internal:8080"). Must not have a trailing slash.
	BaseURL string

	// HTTP is the underlying http.Client. If nil, a client with
	// DefaultTimeout is used.
	HTTP *http.Client
}

// New builds a Client for the given master base URL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// CancelJob asks the master to cancel every remaining task in a job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	u := c.BaseURL + "/cancel_job?" + url.Values{"job_id": {jobID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build cancel_job request: %w", err)
	}
	return c.doOK(req)
}

// RetryTask asks the master to resubmit a task under a fresh attempt.
// The request does not identify this worker; keeping the retry away from
// it is left to the worker's own RetryCache. The whole task is serialized
// and sent as a single task_json form value (§6), so the master can
// reconstruct it for re-execution rather than just log its identity.
func (c *Client) RetryTask(ctx context.Context, task distworker.Task) error {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	form := url.Values{"task_json": {string(taskJSON)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/retry_task", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build retry_task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.doOK(req)
}

// status is the master's JSON response body ({"status": "SUCCESS"|...}).
type status struct {
	Status string `json:"status"`
}

func (c *Client) doOK(req *http.Request) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}

	return nil
}
