package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" || cfg.GRPCPort != "9090" {
		t.Errorf("unexpected ports %q/%q", cfg.Port, cfg.GRPCPort)
	}
	if cfg.Coaching.Experiment != "realtime_coaching" {
		t.Errorf("Coaching.Experiment = %q", cfg.Coaching.Experiment)
	}
	if cfg.Assignment.TTL != 24*time.Hour || cfg.Assignment.ForceTTL != time.Hour {
		t.Errorf("unexpected assignment TTLs %v/%v", cfg.Assignment.TTL, cfg.Assignment.ForceTTL)
	}
	if cfg.Metrics.Backend != MetricsBackendSQLite || !cfg.Metrics.Expose {
		t.Errorf("unexpected metrics config %+v", cfg.Metrics)
	}
	if cfg.AdminToken != "" {
		t.Errorf("AdminToken = %q, want empty", cfg.AdminToken)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("GRPC_PORT", "3001")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FRONTEND_URL", "https://coach.example/")
	t.Setenv("METRICS_BACKEND", "Memory")
	t.Setenv("METRICS_ENDPOINT_ENABLED", "off")
	t.Setenv("SESSION_GRACE_PERIOD", "500ms")
	t.Setenv("RATE_LIMIT_REQUESTS", "10")
	t.Setenv("ASSIGNMENT_TTL", "not-a-duration")
	t.Setenv("ADMIN_TOKEN", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "3000" || cfg.GRPCPort != "3001" {
		t.Errorf("unexpected ports %q/%q", cfg.Port, cfg.GRPCPort)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	if cfg.Metrics.Backend != MetricsBackendMemory || cfg.Metrics.Expose {
		t.Errorf("unexpected metrics config %+v", cfg.Metrics)
	}
	if cfg.Coaching.GracePeriod != 500*time.Millisecond {
		t.Errorf("GracePeriod = %v", cfg.Coaching.GracePeriod)
	}
	if cfg.AdminToken != "s3cret" {
		t.Errorf("AdminToken = %q", cfg.AdminToken)
	}
	if cfg.RateLimit.Requests != 10 {
		t.Errorf("RateLimit.Requests = %d", cfg.RateLimit.Requests)
	}
	// Unparseable values fall back to defaults.
	if cfg.Assignment.TTL != 24*time.Hour {
		t.Errorf("Assignment.TTL = %v", cfg.Assignment.TTL)
	}
	if cfg.IsDevelopment() {
		t.Error("expected production mode for a public FRONTEND_URL")
	}
	if got := cfg.AllowedOrigins(); len(got) != 1 || got[0] != "https://coach.example" {
		t.Errorf("AllowedOrigins() = %v", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "empty port", env: map[string]string{"PORT": ""}, want: "PORT"},
		{name: "same ports", env: map[string]string{"PORT": "9000", "GRPC_PORT": "9000"}, want: "GRPC_PORT"},
		{name: "unknown backend", env: map[string]string{"METRICS_BACKEND": "redis"}, want: "METRICS_BACKEND"},
		{name: "zero queue", env: map[string]string{"SESSION_QUEUE_SIZE": "0"}, want: "SESSION_QUEUE_SIZE"},
		{name: "zero retention", env: map[string]string{"METRICS_RETENTION_DAYS": "0"}, want: "METRICS_RETENTION_DAYS"},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}, want: "LOG_LEVEL"},
		{name: "empty experiment", env: map[string]string{"COACHING_EXPERIMENT": ""}, want: "COACHING_EXPERIMENT"},
		{name: "watch without file", env: map[string]string{"EXPERIMENTS_WATCH": "true"}, want: "EXPERIMENTS_FILE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}
