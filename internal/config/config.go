package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clipforge/genqueue/internal/job"
	"github.com/clipforge/genqueue/internal/scheduler"
	"github.com/clipforge/genqueue/internal/selector"
)

// SchedulerConfig holds the scheduling policy tunables.
type SchedulerConfig struct {
	MaxAttempts          int              `yaml:"max_attempts"`
	DefaultMaxConcurrent int              `yaml:"default_max_concurrent"`
	MinPriority          int              `yaml:"min_priority"`
	MaxPriority          int              `yaml:"max_priority"`
	Weights              selector.Weights `yaml:"weights"`
	EMAAlpha             float64          `yaml:"ema_alpha"`
	ImageSeconds         int              `yaml:"image_seconds"`
	VideoSeconds         int              `yaml:"video_seconds"`
}

// Scheduler converts the tunables into a scheduler.Config. Every value is
// passed explicitly so validated zeroes are not replaced by defaults.
func (c SchedulerConfig) Scheduler() scheduler.Config {
	weights := c.Weights
	return scheduler.Config{
		MaxAttempts:          c.MaxAttempts,
		DefaultMaxConcurrent: c.DefaultMaxConcurrent,
		Priorities:           &scheduler.PriorityRange{Min: c.MinPriority, Max: c.MaxPriority},
		Weights:              &weights,
		EMAAlpha:             c.EMAAlpha,
		Nominal: map[job.Kind]time.Duration{
			job.KindImage: time.Duration(c.ImageSeconds) * time.Second,
			job.KindVideo: time.Duration(c.VideoSeconds) * time.Second,
		},
	}
}

type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	// SubmitRPS is the per-IP job submission rate. 0 disables the limit.
	SubmitRPS   float64 `yaml:"submit_rps"`
	SubmitBurst int     `yaml:"submit_burst"`
	ArchivePath string  `yaml:"archive_path"`
	CallbackURL string  `yaml:"callback_url"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
	ReapTimeout      time.Duration `yaml:"reap_timeout"`
	JobTTL           time.Duration `yaml:"job_ttl"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
	// ArchiveRetention drops archived jobs older than this. 0 keeps them forever.
	ArchiveRetention time.Duration `yaml:"archive_retention"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

func defaults() *Config {
	w := selector.DefaultWeights()
	return &Config{
		ListenAddr:       ":8080",
		SubmitRPS:        10,
		SubmitBurst:      20,
		HeartbeatTimeout: 30 * time.Second,
		LivenessInterval: 10 * time.Second,
		ReapInterval:     30 * time.Second,
		ReapTimeout:      10 * time.Minute,
		JobTTL:           24 * time.Hour,
		PurgeInterval:    time.Hour,
		LogLevel:         "info",
		LogFormat:        "json",
		Scheduler: SchedulerConfig{
			MaxAttempts:          3,
			DefaultMaxConcurrent: 1,
			MinPriority:          -100,
			MaxPriority:          100,
			Weights:              w,
			EMAAlpha:             0.2,
			ImageSeconds:         15,
			VideoSeconds:         90,
		},
	}
}

// Load builds the service configuration from defaults, the YAML file named by
// GENQUEUE_CONFIG (if any), and GENQUEUE_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("GENQUEUE_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	var err error
	cfg.ListenAddr = getEnv("GENQUEUE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIKeys = getEnvList("GENQUEUE_API_KEYS", cfg.APIKeys)
	cfg.CORSOrigins = getEnvList("GENQUEUE_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.ArchivePath = getEnv("GENQUEUE_ARCHIVE_PATH", cfg.ArchivePath)
	cfg.CallbackURL = getEnv("GENQUEUE_CALLBACK_URL", cfg.CallbackURL)
	cfg.LogLevel = getEnv("GENQUEUE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GENQUEUE_LOG_FORMAT", cfg.LogFormat)

	if cfg.SubmitRPS, err = getEnvFloat("GENQUEUE_SUBMIT_RPS", cfg.SubmitRPS); err != nil {
		return nil, err
	}
	if cfg.SubmitBurst, err = getEnvInt("GENQUEUE_SUBMIT_BURST", cfg.SubmitBurst); err != nil {
		return nil, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"GENQUEUE_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"GENQUEUE_LIVENESS_INTERVAL", &cfg.LivenessInterval},
		{"GENQUEUE_REAP_INTERVAL", &cfg.ReapInterval},
		{"GENQUEUE_REAP_TIMEOUT", &cfg.ReapTimeout},
		{"GENQUEUE_JOB_TTL", &cfg.JobTTL},
		{"GENQUEUE_PURGE_INTERVAL", &cfg.PurgeInterval},
		{"GENQUEUE_ARCHIVE_RETENTION", &cfg.ArchiveRetention},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, *d.dst); err != nil {
			return nil, err
		}
	}

	s := &cfg.Scheduler
	ints := []struct {
		key string
		dst *int
	}{
		{"GENQUEUE_MAX_ATTEMPTS", &s.MaxAttempts},
		{"GENQUEUE_DEFAULT_MAX_CONCURRENT", &s.DefaultMaxConcurrent},
		{"GENQUEUE_MIN_PRIORITY", &s.MinPriority},
		{"GENQUEUE_MAX_PRIORITY", &s.MaxPriority},
		{"GENQUEUE_IMAGE_SECONDS", &s.ImageSeconds},
		{"GENQUEUE_VIDEO_SECONDS", &s.VideoSeconds},
	}
	for _, i := range ints {
		if *i.dst, err = getEnvInt(i.key, *i.dst); err != nil {
			return nil, err
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"GENQUEUE_W_LOAD", &s.Weights.Load},
		{"GENQUEUE_W_QUEUE", &s.Weights.Queue},
		{"GENQUEUE_W_FAILURE", &s.Weights.Failure},
		{"GENQUEUE_EMA_ALPHA", &s.EMAAlpha},
	}
	for _, f := range floats {
		if *f.dst, err = getEnvFloat(f.key, *f.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.APIKeys) == 0 {
		return errors.New("GENQUEUE_API_KEYS must not be empty")
	}
	if c.SubmitRPS < 0 {
		return errors.New("GENQUEUE_SUBMIT_RPS must be >= 0")
	}
	if c.SubmitRPS > 0 && c.SubmitBurst < 1 {
		return errors.New("GENQUEUE_SUBMIT_BURST must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"GENQUEUE_HEARTBEAT_TIMEOUT": c.HeartbeatTimeout,
		"GENQUEUE_LIVENESS_INTERVAL": c.LivenessInterval,
		"GENQUEUE_REAP_INTERVAL":     c.ReapInterval,
		"GENQUEUE_REAP_TIMEOUT":      c.ReapTimeout,
		"GENQUEUE_JOB_TTL":           c.JobTTL,
		"GENQUEUE_PURGE_INTERVAL":    c.PurgeInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.ArchiveRetention < 0 {
		return errors.New("GENQUEUE_ARCHIVE_RETENTION must be >= 0")
	}
	return c.Scheduler.validate()
}

func (s *SchedulerConfig) validate() error {
	if s.MaxAttempts < 1 {
		return errors.New("GENQUEUE_MAX_ATTEMPTS must be > 0")
	}
	if s.DefaultMaxConcurrent < 1 {
		return errors.New("GENQUEUE_DEFAULT_MAX_CONCURRENT must be > 0")
	}
	if s.MinPriority > s.MaxPriority {
		return fmt.Errorf("priority range [%d, %d] is empty", s.MinPriority, s.MaxPriority)
	}
	if s.Weights.Load < 0 || s.Weights.Queue < 0 || s.Weights.Failure < 0 {
		return errors.New("scheduler weights must be >= 0")
	}
	if s.EMAAlpha <= 0 || s.EMAAlpha > 1 {
		return fmt.Errorf("GENQUEUE_EMA_ALPHA %v must be in (0, 1]", s.EMAAlpha)
	}
	if s.ImageSeconds < 1 || s.VideoSeconds < 1 {
		return errors.New("nominal job durations must be > 0")
	}
	return nil
}

// loadFile overlays the YAML file at path onto cfg.
func loadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
