package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/scheduler"
	"github.com/clipforge/genqueue/internal/selector"
)

func TestLoad_AllVarsSet(t *testing.T) {
	t.Setenv("GENQUEUE_CONFIG", "")
	t.Setenv("GENQUEUE_API_KEYS", "key1, key2")
	t.Setenv("GENQUEUE_LISTEN_ADDR", ":9090")
	t.Setenv("GENQUEUE_CORS_ORIGINS", "https://studio.example.com")
	t.Setenv("GENQUEUE_SUBMIT_RPS", "2.5")
	t.Setenv("GENQUEUE_ARCHIVE_PATH", "/tmp/archive.db")
	t.Setenv("GENQUEUE_REAP_TIMEOUT", "90s")
	t.Setenv("GENQUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("GENQUEUE_W_FAILURE", "40")
	t.Setenv("GENQUEUE_EMA_ALPHA", "0.5")
	t.Setenv("GENQUEUE_VIDEO_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if len(cfg.APIKeys) != 2 || cfg.APIKeys[0] != "key1" || cfg.APIKeys[1] != "key2" {
		t.Errorf("APIKeys = %v, want [key1 key2]", cfg.APIKeys)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.SubmitRPS != 2.5 {
		t.Errorf("SubmitRPS = %v, want 2.5", cfg.SubmitRPS)
	}
	if cfg.ArchivePath != "/tmp/archive.db" {
		t.Errorf("ArchivePath = %q", cfg.ArchivePath)
	}
	if cfg.ReapTimeout != 90*time.Second {
		t.Errorf("ReapTimeout = %v, want 90s", cfg.ReapTimeout)
	}
	if cfg.Scheduler.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Scheduler.Weights.Failure != 40 || cfg.Scheduler.Weights.Load != 10 {
		t.Errorf("Weights = %+v", cfg.Scheduler.Weights)
	}
	sc := cfg.Scheduler.Scheduler()
	if sc.EMAAlpha != 0.5 || sc.Nominal[job.KindVideo] != 2*time.Minute {
		t.Errorf("scheduler config = %+v", sc)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GENQUEUE_CONFIG", "")
	t.Setenv("GENQUEUE_API_KEYS", "defaultkey")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error with defaults, got: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	s := cfg.Scheduler
	if s.MaxAttempts != 3 || s.DefaultMaxConcurrent != 1 || s.MinPriority != -100 || s.MaxPriority != 100 {
		t.Errorf("default scheduler = %+v", s)
	}
	if s.Weights.Load != 10 || s.Weights.Queue != 5 || s.Weights.Failure != 20 || s.EMAAlpha != 0.2 {
		t.Errorf("default weights = %+v alpha = %v", s.Weights, s.EMAAlpha)
	}
	if cfg.ArchivePath != "" || cfg.CallbackURL != "" {
		t.Errorf("archive/callback should default to disabled: %q %q", cfg.ArchivePath, cfg.CallbackURL)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing api keys", map[string]string{"GENQUEUE_API_KEYS": ""}},
		{"only commas", map[string]string{"GENQUEUE_API_KEYS": " , ,"}},
		{"bad int", map[string]string{"GENQUEUE_MAX_ATTEMPTS": "three"}},
		{"zero attempts", map[string]string{"GENQUEUE_MAX_ATTEMPTS": "0"}},
		{"bad duration", map[string]string{"GENQUEUE_REAP_TIMEOUT": "soon"}},
		{"negative interval", map[string]string{"GENQUEUE_REAP_INTERVAL": "-1s"}},
		{"alpha out of range", map[string]string{"GENQUEUE_EMA_ALPHA": "1.5"}},
		{"empty priority range", map[string]string{"GENQUEUE_MIN_PRIORITY": "10", "GENQUEUE_MAX_PRIORITY": "-10"}},
		{"negative weight", map[string]string{"GENQUEUE_W_LOAD": "-1"}},
		{"negative rps", map[string]string{"GENQUEUE_SUBMIT_RPS": "-3"}},
		{"missing file", map[string]string{"GENQUEUE_CONFIG": "/nonexistent/genqueue.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GENQUEUE_CONFIG", "")
			t.Setenv("GENQUEUE_API_KEYS", "k")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genqueue.yaml")
	yml := `
listen_addr: ":7000"
api_keys: [file-key]
callback_url: https://studio.example.com/hooks/jobs
reap_timeout: 3m
scheduler:
  max_attempts: 4
  weights:
    w_load: 1
    w_queue: 2
    w_failure: 3
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GENQUEUE_CONFIG", path)
	t.Setenv("GENQUEUE_API_KEYS", "")
	t.Setenv("GENQUEUE_LISTEN_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7001" {
		t.Errorf("ListenAddr = %q, env should win", cfg.ListenAddr)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "file-key" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
	if cfg.ReapTimeout != 3*time.Minute {
		t.Errorf("ReapTimeout = %v", cfg.ReapTimeout)
	}
	if cfg.Scheduler.MaxAttempts != 4 || cfg.Scheduler.Weights.Failure != 3 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Scheduler.EMAAlpha != 0.2 || cfg.Scheduler.MaxPriority != 100 {
		t.Errorf("defaults lost: %+v", cfg.Scheduler)
	}
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("GENWORKER_CONFIG", "")
	t.Setenv("GENWORKER_SERVER_ID", "gpu-7")
	t.Setenv("GENWORKER_API_KEY", "k")
	t.Setenv("GENWORKER_COMMAND", "/opt/render/run.sh")
	t.Setenv("GENWORKER_MAX_CONCURRENT", "2")
	t.Setenv("GENWORKER_POLL_INTERVAL", "500ms")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.ServerID != "gpu-7" || cfg.MaxConcurrent != 2 || cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.SchedulerURL != "http://localhost:8080" {
		t.Errorf("SchedulerURL = %q", cfg.SchedulerURL)
	}
}

func TestLoadWorker_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing key", map[string]string{"GENWORKER_API_KEY": ""}},
		{"missing command", map[string]string{"GENWORKER_COMMAND": ""}},
		{"zero capacity", map[string]string{"GENWORKER_MAX_CONCURRENT": "0"}},
		{"bad interval", map[string]string{"GENWORKER_HEARTBEAT_INTERVAL": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GENWORKER_CONFIG", "")
			t.Setenv("GENWORKER_SERVER_ID", "gpu-7")
			t.Setenv("GENWORKER_API_KEY", "k")
			t.Setenv("GENWORKER_COMMAND", "/bin/true")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadWorker(); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestSchedulerConfig_ZeroRangeAndWeightsHonoured(t *testing.T) {
	t.Setenv("GENQUEUE_CONFIG", "")
	t.Setenv("GENQUEUE_API_KEYS", "k")
	t.Setenv("GENQUEUE_MIN_PRIORITY", "0")
	t.Setenv("GENQUEUE_MAX_PRIORITY", "0")
	t.Setenv("GENQUEUE_W_LOAD", "0")
	t.Setenv("GENQUEUE_W_QUEUE", "0")
	t.Setenv("GENQUEUE_W_FAILURE", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc := cfg.Scheduler.Scheduler()
	if *sc.Priorities != (scheduler.PriorityRange{}) || *sc.Weights != (selector.Weights{}) {
		t.Errorf("converted config = %+v %+v", *sc.Priorities, *sc.Weights)
	}

	sched := scheduler.New(sc)
	payload := map[string]any{"prompt": "fox"}
	if _, err := sched.Submit(job.SubmitRequest{OwnerRef: "clip-1", Priority: 50, Payload: payload}); !errors.Is(err, job.ErrInvalidJob) {
		t.Errorf("priority 50 with range [0, 0]: err = %v, want ErrInvalidJob", err)
	}
	if _, err := sched.Submit(job.SubmitRequest{OwnerRef: "clip-1", Payload: payload}); err != nil {
		t.Errorf("priority 0: %v", err)
	}
}
