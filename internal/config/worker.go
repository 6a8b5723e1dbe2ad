package config

import (
	"errors"
	"os"
	"time"
)

// WorkerConfig configures the genworker agent.
type WorkerConfig struct {
	ServerID          string        `yaml:"server_id"`
	SchedulerURL      string        `yaml:"scheduler_url"`
	APIKey            string        `yaml:"api_key"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	Command           string        `yaml:"command"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
}

// LoadWorker reads GENWORKER_CONFIG (optional YAML) and GENWORKER_* variables.
func LoadWorker() (*WorkerConfig, error) {
	host, _ := os.Hostname()
	cfg := &WorkerConfig{
		ServerID:          host,
		SchedulerURL:      "http://localhost:8080",
		MaxConcurrent:     1,
		PollInterval:      2 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		JobTimeout:        30 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "json",
	}
	if path := os.Getenv("GENWORKER_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	var err error
	cfg.ServerID = getEnv("GENWORKER_SERVER_ID", cfg.ServerID)
	cfg.SchedulerURL = getEnv("GENWORKER_SCHEDULER_URL", cfg.SchedulerURL)
	cfg.APIKey = getEnv("GENWORKER_API_KEY", cfg.APIKey)
	cfg.Command = getEnv("GENWORKER_COMMAND", cfg.Command)
	cfg.LogLevel = getEnv("GENWORKER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("GENWORKER_LOG_FORMAT", cfg.LogFormat)
	if cfg.MaxConcurrent, err = getEnvInt("GENWORKER_MAX_CONCURRENT", cfg.MaxConcurrent); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("GENWORKER_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getEnvDuration("GENWORKER_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = getEnvDuration("GENWORKER_JOB_TIMEOUT", cfg.JobTimeout); err != nil {
		return nil, err
	}

	switch {
	case cfg.ServerID == "":
		return nil, errors.New("GENWORKER_SERVER_ID must not be empty")
	case cfg.APIKey == "":
		return nil, errors.New("GENWORKER_API_KEY must not be empty")
	case cfg.Command == "":
		return nil, errors.New("GENWORKER_COMMAND must not be empty")
	case cfg.MaxConcurrent < 1:
		return nil, errors.New("GENWORKER_MAX_CONCURRENT must be > 0")
	case cfg.PollInterval <= 0 || cfg.HeartbeatInterval <= 0 || cfg.JobTimeout <= 0:
		return nil, errors.New("worker intervals must be > 0")
	}
	return cfg, nil
}
