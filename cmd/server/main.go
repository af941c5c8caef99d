// Coaching server: real-time communication coaching with A/B measurement.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-coach/internal/analysis"
	"github.com/ashureev/shsh-coach/internal/api"
	"github.com/ashureev/shsh-coach/internal/cache"
	"github.com/ashureev/shsh-coach/internal/coaching"
	"github.com/ashureev/shsh-coach/internal/config"
	"github.com/ashureev/shsh-coach/internal/experiment"
	"github.com/ashureev/shsh-coach/internal/gateway"
	"github.com/ashureev/shsh-coach/internal/healthcheck"
	"github.com/ashureev/shsh-coach/internal/identity"
	"github.com/ashureev/shsh-coach/internal/metrics"
	"github.com/ashureev/shsh-coach/internal/middleware"
	"github.com/ashureev/shsh-coach/internal/store"
	"github.com/ashureev/shsh-coach/internal/telemetry"
)

const (
	webSocketPath   = "/ws/coach"
	shutdownTimeout = 10 * time.Second
	// l1Expire bounds how long an L2 hit stays in the in-process cache.
	l1Expire = 10 * time.Minute
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Persistence.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Experiments and assignment.
	defs, err := experiment.LoadDefinitions(cfg.ExperimentsFile)
	if err != nil {
		return fmt.Errorf("load experiments: %w", err)
	}
	registry, err := experiment.NewRegistryFrom(defs)
	if err != nil {
		return fmt.Errorf("register experiments: %w", err)
	}
	if cfg.WatchExperiments {
		watcher, err := experiment.WatchDefinitions(context.Background(), cfg.ExperimentsFile, registry, logger, 0)
		if err != nil {
			return fmt.Errorf("watch experiments: %w", err)
		}
		defer func() {
			if closeErr := watcher.Close(); closeErr != nil {
				slog.Warn("Failed to close experiments watcher", "error", closeErr)
			}
		}()
		slog.Info("Watching experiments file", "path", cfg.ExperimentsFile)
	}
	if _, ok := registry.Get(cfg.Coaching.Experiment); !ok {
		slog.Warn("Coaching experiment is not defined; every session gets the default variant",
			"experiment", cfg.Coaching.Experiment)
	}

	l1, err := cache.NewRistretto(cfg.Assignment.CacheMaxCost)
	if err != nil {
		return fmt.Errorf("initialize assignment cache: %w", err)
	}
	defer l1.Close()
	assigner := experiment.NewAssigner(registry, cache.NewTiered(l1, repo.Cache(), l1Expire), experiment.AssignerConfig{
		TTL:      cfg.Assignment.TTL,
		ForceTTL: cfg.Assignment.ForceTTL,
	}, logger)

	// Analysis.
	rules, err := analysis.LoadRules(cfg.SkillRulesFile)
	if err != nil {
		return fmt.Errorf("load skill rules: %w", err)
	}
	analyzer, err := analysis.NewEngine(rules)
	if err != nil {
		return fmt.Errorf("compile skill rules: %w", err)
	}

	// Operational metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tel := telemetry.NewMetrics(reg)

	// Experiment metrics.
	var buckets metrics.BucketStore = repo
	if cfg.Metrics.Backend == config.MetricsBackendMemory {
		buckets = metrics.NewMemoryStore()
	}
	tracker := metrics.NewEngine(buckets, assigner, registry, logger,
		metrics.WithMetricIndex(registry.MetricIndex()),
		metrics.WithObserver(tel),
	)
	slog.Info("Metrics engine initialized", "backend", cfg.Metrics.Backend)

	// Sessions.
	orchestrator := coaching.New(coaching.Config{
		Experiment:  cfg.Coaching.Experiment,
		QueueSize:   cfg.Coaching.QueueSize,
		GracePeriod: cfg.Coaching.GracePeriod,
		SendTimeout: cfg.Coaching.SendTimeout,
	}, analyzer, assigner, tracker,
		coaching.WithAuthorizer(identity.NewAuthorizer(repo)),
		coaching.WithTelemetry(tel),
		coaching.WithLogger(logger),
	)

	limiter := gateway.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Close()
	wsHandler := gateway.NewHandler(orchestrator, repo, limiter, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Handlers.
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Expose {
		gatherer = reg
	}
	healthHandler := api.NewHealthHandler(repo, orchestrator, gatherer, 0)
	configHandler := api.NewConfigHandler(repo, api.ClientConfig{
		Experiment:    cfg.Coaching.Experiment,
		WebSocketPath: webSocketPath,
	})
	experimentHandler := api.NewExperimentHandler(registry, assigner, tracker)
	sessionHandler := api.NewSessionHandler(orchestrator)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), identity.TabHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Identity-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, !cfg.IsDevelopment()))
		configHandler.RegisterRoutes(r)
		experimentHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
		r.Get(webSocketPath, wsHandler.ServeHTTP)
	})

	// Admin routes.
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set; admin routes are disabled")
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminToken(cfg.AdminToken))
		r.Use(identity.Middleware(repo, !cfg.IsDevelopment()))
		experimentHandler.RegisterAdminRoutes(r)
		sessionHandler.RegisterAdminRoutes(r)
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	healthServer := healthcheck.NewServer(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.StartRetentionWorker(ctx, tracker, repo.Cache(), cfg.Metrics.RetentionDays, cfg.Metrics.SweepInterval)
	slog.Info("Retention worker started",
		"retention_days", cfg.Metrics.RetentionDays, "interval", cfg.Metrics.SweepInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return healthServer.Serve(grpcLis)
	})
	healthServer.SetServing(true)

	// Wait for shutdown signal or a server failure.
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")
		healthServer.SetServing(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("coaching shutdown: %w", err))
		}
		healthServer.Stop(shutdownCtx)
		return errors.Join(errs...)
	})

	return g.Wait()
}
