// Package client is a typed client for the jobkit JSON API.
package client

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

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/sse"
)

// Invocation is the listing view of one run.
type Invocation struct {
	ID          string            `json:"id"`
	JobName     string            `json:"jobName"`
	Started     time.Time         `json:"started"`
	Complete    *time.Time        `json:"complete,omitempty"`
	Status      string            `json:"status"`
	Err         string            `json:"err,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	ElapsedMS   int64             `json:"elapsedMs"`
	OutputBytes int               `json:"outputBytes"`
}

func (i Invocation) Elapsed() time.Duration {
	return time.Duration(i.ElapsedMS) * time.Millisecond
}

type Stats struct {
	Runs        int     `json:"runs"`
	Successful  int     `json:"successful"`
	Failed      int     `json:"failed"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"successRate"`
}

type Job struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Labels      map[string]string  `json:"labels,omitempty"`
	Schedule    string             `json:"schedule,omitempty"`
	NextRuntime *time.Time         `json:"nextRuntime,omitempty"`
	Disabled    bool               `json:"disabled"`
	Parameters  []config.Parameter `json:"parameters,omitempty"`
	Current     *Invocation        `json:"current,omitempty"`
	Last        *Invocation        `json:"last,omitempty"`
	Stats       Stats              `json:"stats"`
}

// State is the string shown for the job: the running or last status,
// "disabled", or "idle" before the first run.
func (j Job) State() string {
	switch {
	case j.Current != nil:
		return j.Current.Status
	case j.Disabled:
		return "disabled"
	case j.Last != nil:
		return j.Last.Status
	}
	return "idle"
}

type Status struct {
	Paused  bool  `json:"paused"`
	Running int   `json:"running"`
	Jobs    []Job `json:"jobs"`
}

// Event is a lifecycle notification from the /events feed.
type Event struct {
	Type         string    `json:"type"`
	JobName      string    `json:"job"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Err          string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// APIError is a non-2xx reply.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the server at base. token, when set, is sent
// as a bearer token.
func New(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient replaces the client used for request/response calls. The
// events feed always uses a client without a timeout.
func (c *Client) SetHTTPClient(h *http.Client) {
	c.http = h
}

func (c *Client) Base() string  { return c.base }
func (c *Client) Token() string { return c.token }

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	return &APIError{Code: resp.StatusCode, Message: body.Error}
}

func jobPath(op, name string) string {
	return "/api/" + op + "/" + url.PathEscape(name)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status.json", nil, &st)
	return st, err
}

// RunJob starts the job with the given parameter values.
func (c *Client) RunJob(ctx context.Context, name string, params map[string]string) (Invocation, error) {
	var inv Invocation
	if params == nil {
		params = map[string]string{}
	}
	err := c.do(ctx, http.MethodPost, jobPath("job.run", name), params, &inv)
	return inv, err
}

func (c *Client) CancelJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, jobPath("job.cancel", name), nil, nil)
}

func (c *Client) EnableJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, jobPath("job.enable", name), nil, nil)
}

func (c *Client) DisableJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, jobPath("job.disable", name), nil, nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/resume", nil, nil)
}

// Events calls fn for every lifecycle event until ctx is done or the feed
// closes. The initial snapshot is delivered as an Event of type
// "snapshot" with no job.
func (c *Client) Events(ctx context.Context, fn func(Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	r := sse.NewReader(resp.Body)
	for {
		e, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if e.Type == "snapshot" {
			fn(Event{Type: e.Type})
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(e.Data), &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			ev.Type = e.Type
		}
		fn(ev)
	}
}
