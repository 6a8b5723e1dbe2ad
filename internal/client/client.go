// Package client talks to the scheduler's worker-facing HTTP API.
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

	"github.com/clipforge/genqueue/internal/fleet"
	"github.com/clipforge/genqueue/internal/job"
)

// ErrNoJobAvailable is returned by Next when the scheduler has nothing to assign.
var ErrNoJobAvailable = errors.New("no job available")

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	// ErrConflict is returned when a report is rejected as stale or a
	// transition is not allowed.
	ErrConflict = errors.New("conflict")
)

// StatusError is a non-2xx answer from the scheduler.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("scheduler returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// Client is bound to one server id.
type Client struct {
	baseURL  string
	apiKey   string
	serverID string
	http     *http.Client
}

func New(baseURL, apiKey, serverID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		serverID: serverID,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) ServerID() string { return c.serverID }

// Register announces the server with its capacity.
func (c *Client) Register(ctx context.Context, maxConcurrent int) (fleet.ServerState, error) {
	var st fleet.ServerState
	err := c.do(ctx, http.MethodPut, c.serverPath(""), map[string]int{"max_concurrent": maxConcurrent}, &st)
	return st, err
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.serverPath("/heartbeat"), nil, nil)
}

// Next asks for a job. It returns ErrNoJobAvailable on 204.
func (c *Client) Next(ctx context.Context) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, http.MethodPost, c.serverPath("/next"), nil, &j); err != nil {
		return nil, err
	}
	if j.ID == "" {
		return nil, ErrNoJobAvailable
	}
	return &j, nil
}

func (c *Client) ReportSuccess(ctx context.Context, jobID, resultRef string) error {
	body := map[string]string{"server_id": c.serverID, "result_ref": resultRef}
	return c.do(ctx, http.MethodPost, c.jobPath(jobID, "/success"), body, nil)
}

func (c *Client) ReportFailure(ctx context.Context, jobID, detail string) error {
	body := map[string]string{"server_id": c.serverID, "error": detail}
	return c.do(ctx, http.MethodPost, c.jobPath(jobID, "/failure"), body, nil)
}

func (c *Client) serverPath(suffix string) string {
	return "/api/v1/servers/" + url.PathEscape(c.serverID) + suffix
}

func (c *Client) jobPath(jobID, suffix string) string {
	return "/api/v1/jobs/" + url.PathEscape(jobID) + suffix
}

// do sends body as JSON and decodes a 200 answer into out. A 204 leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
