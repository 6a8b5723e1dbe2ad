package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/clipforge/genqueue/internal/job"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the body POSTed when a job reaches a terminal status.
type Payload struct {
	JobID       string     `json:"job_id"`
	OwnerRef    string     `json:"owner_ref"`
	Kind        job.Kind   `json:"kind"`
	Status      job.Status `json:"status"`
	ResultRef   string     `json:"result_ref,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempt_count"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Notifier delivers terminal-job callbacks to one URL.
type Notifier struct {
	ctx          context.Context
	url          string
	allowPrivate bool
	lookup       func(ctx context.Context, host string) ([]string, error)
	client       *http.Client
	attempts     int
	base         time.Duration
	cap          time.Duration
	wg           sync.WaitGroup
}

// NewNotifier checks callbackURL and returns a Notifier. Retries stop when ctx is done.
// Private and loopback targets are refused unless allowPrivate is set.
func NewNotifier(ctx context.Context, callbackURL string, allowPrivate bool) (*Notifier, error) {
	if _, err := parseURL(callbackURL); err != nil {
		return nil, err
	}
	return &Notifier{
		ctx:          ctx,
		url:          callbackURL,
		allowPrivate: allowPrivate,
		lookup:       net.DefaultResolver.LookupHost,
		client:       &http.Client{Timeout: 30 * time.Second},
		attempts:     retryAttempts,
		base:         retryBase,
		cap:          retryCap,
	}, nil
}

// JobTerminal is the scheduler's terminal hook.
func (n *Notifier) JobTerminal(j *job.Job) {
	payload, err := json.Marshal(Payload{
		JobID:       j.ID,
		OwnerRef:    j.OwnerRef,
		Kind:        j.Kind,
		Status:      j.Status,
		ResultRef:   j.ResultRef,
		Error:       j.Error,
		Attempts:    j.Attempts,
		CompletedAt: j.CompletedAt,
	})
	if err != nil {
		slog.Error("webhook: encode payload", "job_id", j.ID, "error", err)
		return
	}
	n.Send(payload)
}

// Send dispatches the JSON payload asynchronously with full-jitter
// exponential backoff (cap 5 min). It never blocks on the network: the
// target check and every delivery attempt run in the background.
func (n *Notifier) Send(payload []byte) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if !n.allowPrivate {
			if err := checkPublic(n.ctx, n.lookup, n.url); err != nil {
				slog.Warn("webhook: rejected callback URL", "url", n.url, "error", err)
				return
			}
		}
		n.send(payload)
	}()
}

// Wait blocks until in-flight deliveries finish or give up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	return u, nil
}

// checkPublic blocks private/internal IP ranges.
func checkPublic(ctx context.Context, lookup func(context.Context, string) ([]string, error), rawURL string) error {
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}

	ips, err := lookup(ctx, u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}

func (n *Notifier) send(payload []byte) {
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if n.ctx.Err() != nil {
			return
		}
		err := n.post(payload)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, "error", err)
		if attempt < n.attempts {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(jitter(n.base, n.cap, attempt)):
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", n.url)
}

// jitter returns a random duration between 0 and min(ceiling, base * 2^attempt).
// Full jitter prevents synchronized retries when multiple webhooks fail at the same time.
func jitter(base, ceiling time.Duration, attempt int) time.Duration {
	exp := min(base*(1<<attempt), ceiling)
	if exp <= 0 {
		return 0
	}
	return rand.N(exp)
}

func (n *Notifier) post(payload []byte) error {
	req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
