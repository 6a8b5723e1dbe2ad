package webhook

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clipforge/genqueue/internal/job"
)

func TestCheckPublic(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (AWS metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPublic(context.Background(), net.DefaultResolver.LookupHost, tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkPublic(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestNewNotifier_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"ftp://example.com/x", "http://", "://bad"} {
		if _, err := NewNotifier(context.Background(), u, true); err == nil {
			t.Errorf("NewNotifier(%q) = nil error", u)
		}
	}
}

func newTestNotifier(t *testing.T, url string) *Notifier {
	t.Helper()
	n, err := NewNotifier(context.Background(), url, true)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	n.base = time.Millisecond
	n.cap = 5 * time.Millisecond
	return n
}

func TestJobTerminal_DeliversPayload(t *testing.T) {
	got := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- p
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	done := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	n.JobTerminal(&job.Job{
		ID: "job-1", OwnerRef: "clip-9", Kind: job.KindVideo, Status: job.StatusCompleted,
		ResultRef: "s3://renders/clip-9.mp4", Attempts: 2, CompletedAt: &done,
	})
	n.Wait()

	select {
	case p := <-got:
		if p.JobID != "job-1" || p.Status != job.StatusCompleted || p.ResultRef != "s3://renders/clip-9.mp4" || p.Attempts != 2 {
			t.Errorf("payload = %+v", p)
		}
	default:
		t.Fatal("callback not delivered")
	}
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	n.Send([]byte(`{}`))
	n.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestSend_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	n.attempts = 4
	n.Send([]byte(`{}`))
	n.Wait()

	if got := calls.Load(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
}

func TestSend_PrivateBlocked(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n, err := NewNotifier(context.Background(), srv.URL, false)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	n.Send([]byte(`{}`))
	n.Wait()
	if calls.Load() != 0 {
		t.Error("callback sent to loopback address")
	}
}

func TestJobTerminal_DoesNotWaitForDNS(t *testing.T) {
	n, err := NewNotifier(context.Background(), "https://callback.example.com/hook", false)
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	release := make(chan struct{})
	looked := make(chan struct{})
	n.lookup = func(ctx context.Context, host string) ([]string, error) {
		close(looked)
		<-release
		return []string{"10.0.0.1"}, nil
	}

	returned := make(chan struct{})
	go func() {
		n.JobTerminal(&job.Job{ID: "job-1", Status: job.StatusCancelled})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("JobTerminal blocked on the resolver")
	}

	<-looked
	close(release)
	n.Wait()
}

func TestJitter(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := jitter(time.Second, 5*time.Minute, attempt)
		ceiling := min(time.Second*(1<<attempt), 5*time.Minute)
		if d < 0 || d >= ceiling {
			t.Errorf("jitter(%d) = %v, want [0, %v)", attempt, d, ceiling)
		}
	}
}
