// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Metrics backends.
const (
	MetricsBackendSQLite = "sqlite"
	MetricsBackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	GRPCPort    string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken  string

	ExperimentsFile  string
	// WatchExperiments reloads ExperimentsFile when it changes.
	WatchExperiments bool
	SkillRulesFile   string

	Coaching   CoachingConfig
	Assignment AssignmentConfig
	Metrics    MetricsConfig
	RateLimit  RateLimitConfig
}

// CoachingConfig controls the session orchestrator.
type CoachingConfig struct {
	Experiment  string
	QueueSize   int
	GracePeriod time.Duration
	SendTimeout time.Duration
}

// AssignmentConfig controls variant assignment caching.
type AssignmentConfig struct {
	TTL          time.Duration
	ForceTTL     time.Duration
	CacheMaxCost int64
}

// MetricsConfig controls metric storage and retention.
type MetricsConfig struct {
	Backend       string
	RetentionDays int
	SweepInterval time.Duration
	// Expose serves Prometheus metrics on /metrics.
	Expose bool
}

// RateLimitConfig bounds analysis events per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCPort:         getEnv("GRPC_PORT", "9090"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/coach.db"),
		LogLevel:         level,
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		ExperimentsFile:  getEnv("EXPERIMENTS_FILE", ""),
		WatchExperiments: getEnvBool("EXPERIMENTS_WATCH", false),
		SkillRulesFile:   getEnv("SKILL_RULES_FILE", ""),
		Coaching: CoachingConfig{
			Experiment:  getEnv("COACHING_EXPERIMENT", "realtime_coaching"),
			QueueSize:   getEnvInt("SESSION_QUEUE_SIZE", 64),
			GracePeriod: getEnvDuration("SESSION_GRACE_PERIOD", 3*time.Second),
			SendTimeout: getEnvDuration("SESSION_SEND_TIMEOUT", 5*time.Second),
		},
		Assignment: AssignmentConfig{
			TTL:          getEnvDuration("ASSIGNMENT_TTL", 24*time.Hour),
			ForceTTL:     getEnvDuration("FORCE_ASSIGNMENT_TTL", time.Hour),
			CacheMaxCost: int64(getEnvInt("ASSIGNMENT_CACHE_MAX_COST", 100_000)),
		},
		Metrics: MetricsConfig{
			Backend:       strings.ToLower(getEnv("METRICS_BACKEND", MetricsBackendSQLite)),
			RetentionDays: getEnvInt("METRICS_RETENTION_DAYS", 90),
			SweepInterval: getEnvDuration("METRICS_SWEEP_INTERVAL", time.Hour),
			Expose:        getEnvBool("METRICS_ENDPOINT_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 120),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.GRPCPort == c.Port {
		return fmt.Errorf("GRPC_PORT must differ from PORT")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.WatchExperiments && c.ExperimentsFile == "" {
		return fmt.Errorf("EXPERIMENTS_WATCH requires EXPERIMENTS_FILE")
	}
	if c.Coaching.Experiment == "" {
		return fmt.Errorf("COACHING_EXPERIMENT cannot be empty")
	}
	if c.Coaching.QueueSize <= 0 {
		return fmt.Errorf("SESSION_QUEUE_SIZE must be > 0")
	}
	if c.Coaching.GracePeriod < 0 {
		return fmt.Errorf("SESSION_GRACE_PERIOD cannot be negative")
	}
	if c.Coaching.SendTimeout <= 0 {
		return fmt.Errorf("SESSION_SEND_TIMEOUT must be > 0")
	}
	if c.Assignment.TTL <= 0 || c.Assignment.ForceTTL <= 0 {
		return fmt.Errorf("ASSIGNMENT_TTL and FORCE_ASSIGNMENT_TTL must be > 0")
	}
	if c.Assignment.CacheMaxCost <= 0 {
		return fmt.Errorf("ASSIGNMENT_CACHE_MAX_COST must be > 0")
	}
	switch c.Metrics.Backend {
	case MetricsBackendSQLite, MetricsBackendMemory:
	default:
		return fmt.Errorf("METRICS_BACKEND must be %q or %q, got %q", MetricsBackendSQLite, MetricsBackendMemory, c.Metrics.Backend)
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("METRICS_RETENTION_DAYS must be > 0")
	}
	if c.Metrics.SweepInterval <= 0 {
		return fmt.Errorf("METRICS_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
