package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	handler := RateLimit(nil)(okHandler())
	for range 5 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	}
}

func TestRateLimit_BlocksOverBurst(t *testing.T) {
	t.Parallel()
	handler := RateLimit(NewRateLimiter(1, 2))(okHandler())

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := range 2 {
		if code := send("5.6.7.8"); code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, code)
		}
	}
	if code := send("5.6.7.8"); code != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", code)
	}
	// Another client has its own bucket.
	if code := send("9.9.9.9"); code != http.StatusOK {
		t.Errorf("other IP: status = %d, want 200", code)
	}
}

func TestRateLimit_OnlyAppliesTo_PostJobs(t *testing.T) {
	t.Parallel()
	env := newTestServerWith(t, NewRateLimiter(0.0001, 1))
	env.sched.Register("gpu-1", 1)

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("clip-1", 0)), http.StatusAccepted)
	for i := range 3 {
		for _, tc := range []struct{ method, path string }{
			{http.MethodGet, "/api/v1/jobs?owner=clip-1"},
			{http.MethodPost, "/api/v1/servers/gpu-1/heartbeat"},
		} {
			resp := env.do(t, tc.method, tc.path, nil)
			if resp.StatusCode == http.StatusTooManyRequests {
				t.Errorf("%s %s #%d throttled", tc.method, tc.path, i+1)
			}
		}
	}
}

func TestRateLimit_TrailingSlashSharesBucket(t *testing.T) {
	t.Parallel()
	env := newTestServerWith(t, NewRateLimiter(0.0001, 1))

	expectStatus(t, env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("clip-1", 0)), http.StatusAccepted)
	for _, path := range []string{"/api/v1/jobs", "/api/v1/jobs/", "/api/v1/jobs/"} {
		expectStatus(t, env.do(t, http.MethodPost, path, submitBody("clip-1", 0)), http.StatusTooManyRequests)
	}
	if jobs := env.sched.ListByOwner("clip-1"); len(jobs) != 1 {
		t.Errorf("jobs submitted = %d, want 1", len(jobs))
	}
}

func TestRateLimiter_Evict(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, 1)
	rl.allow("1.1.1.1")
	rl.allow("2.2.2.2")

	if n := rl.Evict(time.Now().Add(-time.Minute)); n != 0 {
		t.Errorf("evicted %d fresh limiters", n)
	}
	if n := rl.Evict(time.Now().Add(time.Minute)); n != 2 {
		t.Errorf("Evict = %d, want 2", n)
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "10.0.0.5:4321", "", "10.0.0.5"},
		{"ipv6 remote", "[::1]:80", "", "::1"},
		{"forwarded single", "10.0.0.5:1", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.5:1", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"no port", "10.0.0.5", "", "10.0.0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
