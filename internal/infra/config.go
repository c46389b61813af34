package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Host   string
	Port   string

	StoreDriver  string
	DatabasePath string
	DatabaseURL  string

	DispatcherEnabled    bool
	DispatchPollInterval time.Duration
	MaintenanceInterval  time.Duration
	MaintenanceRetry     time.Duration
	StuckJobTimeout      time.Duration
	JobRetention         time.Duration

	WorkerURL     string
	WorkerTimeout time.Duration
	ArtifactDir   string

	RedisURL      string
	EventsChannel string

	RateLimitPerMin    int
	CORSAllowedOrigins []string
	MaxRequestBytes    int64
	RecentJobsLimit    int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	p := envParser{}
	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		Host:                 getEnv("HOST", "0.0.0.0"),
		Port:                 getEnv("PORT", "8000"),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
		DatabasePath:         getEnv("DATABASE_PATH", "/tmp/comfyui_jobs.db"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DispatcherEnabled:    p.boolean("DISPATCHER_ENABLED", true),
		DispatchPollInterval: p.dur("DISPATCH_POLL_INTERVAL", 2*time.Second),
		MaintenanceInterval:  p.dur("MAINTENANCE_INTERVAL", time.Hour),
		MaintenanceRetry:     p.dur("MAINTENANCE_RETRY_INTERVAL", 10*time.Minute),
		StuckJobTimeout:      p.dur("STUCK_JOB_TIMEOUT", 2*time.Hour),
		JobRetention:         p.dur("JOB_RETENTION", 24*time.Hour),
		WorkerURL:            getEnv("WORKER_URL", "http://127.0.0.1:8188"),
		WorkerTimeout:        p.dur("WORKER_TIMEOUT", 0),
		ArtifactDir:          os.Getenv("ARTIFACT_DIR"),
		RedisURL:             os.Getenv("REDIS_URL"),
		EventsChannel:        getEnv("EVENTS_CHANNEL", "jobqueue:events"),
		RateLimitPerMin:      p.integer("RATE_LIMIT_PER_MINUTE", 60),
		CORSAllowedOrigins:   splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MaxRequestBytes:      int64(p.integer("MAX_REQUEST_BYTES", 64<<20)),
		RecentJobsLimit:      p.integer("RECENT_JOBS_LIMIT", 50),
		HTTPReadTimeout:      time.Second * time.Duration(p.integer("HTTP_READ_TIMEOUT_SECONDS", 60)),
		HTTPWriteTimeout:     time.Second * time.Duration(p.integer("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:      time.Second * time.Duration(p.integer("HTTP_IDLE_TIMEOUT_SECONDS", 120)),
	}
	if p.err != nil {
		return nil, p.err
	}

	switch cfg.StoreDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DatabasePath) == "" {
			return nil, fmt.Errorf("DATABASE_PATH is required for the sqlite store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be one of sqlite, postgres, memory; got %q", cfg.StoreDriver)
	}

	if cfg.DispatchPollInterval <= 0 {
		return nil, fmt.Errorf("DISPATCH_POLL_INTERVAL must be positive")
	}
	if cfg.MaintenanceInterval <= 0 || cfg.MaintenanceRetry <= 0 {
		return nil, fmt.Errorf("MAINTENANCE_INTERVAL and MAINTENANCE_RETRY_INTERVAL must be positive")
	}
	if cfg.StuckJobTimeout < 0 || cfg.JobRetention < 0 || cfg.WorkerTimeout < 0 {
		return nil, fmt.Errorf("STUCK_JOB_TIMEOUT, JOB_RETENTION and WORKER_TIMEOUT must not be negative")
	}
	if cfg.MaxRequestBytes <= 0 {
		return nil, fmt.Errorf("MAX_REQUEST_BYTES must be positive")
	}
	if cfg.RecentJobsLimit <= 0 {
		return nil, fmt.Errorf("RECENT_JOBS_LIMIT must be positive")
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// envParser reads typed values and keeps the first parse failure.
type envParser struct {
	err error
}

func (p *envParser) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return i
}

func (p *envParser) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func (p *envParser) dur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (p *envParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
