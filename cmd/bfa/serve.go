package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/marketplace-session-bfa/internal/config"
	"github.com/boddenberg/marketplace-session-bfa/internal/domain"
	"github.com/boddenberg/marketplace-session-bfa/internal/handler"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/intent"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/observability"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/postgres"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/resilience"
	"github.com/boddenberg/marketplace-session-bfa/internal/infra/supabase"
	"github.com/boddenberg/marketplace-session-bfa/internal/port"
	"github.com/boddenberg/marketplace-session-bfa/internal/session"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// --- Config ---
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("data_backend", cfg.DataBackend),
		zap.Bool("redis_intents", cfg.RedisAddr != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("device_idle_ttl", cfg.DeviceIdleTTL),
		zap.Int("max_devices", cfg.MaxDevices),
		zap.String("role_switch_failure_policy", cfg.SwitchFailPolicy),
		zap.String("profile_patch_policy", cfg.PatchPolicy),
	)

	switchPolicy, err := session.ParseSwitchFailurePolicy(cfg.SwitchFailPolicy)
	if err != nil {
		return err
	}
	patchPolicy, err := session.ParsePatchPolicy(cfg.PatchPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(cfg.OTLPEndpoint, "marketplace-session-bfa")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("supabase", logger)
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)

	// --- Backends ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	supabaseClient := supabase.NewClient(
		httpClient,
		cfg.SupabaseURL,
		cfg.SupabaseAnonKey,
		cfg.SupabaseServiceKey,
		cb,
		resilienceCfg,
		logger,
	)
	checks := []handler.HealthCheck{{Name: "supabase", Check: supabaseClient.Ping}}

	var store port.ProfileStore = supabaseClient
	if cfg.DataBackend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres pool: %w", err)
		}
		defer pool.Close()
		store = postgres.NewProfileStore(pool, logger)
		checks = append(checks, handler.HealthCheck{Name: "postgres", Check: pool.Ping})
		logger.Info("using Postgres as profile store")
	} else {
		logger.Info("using Supabase PostgREST as profile store", zap.String("supabase_url", cfg.SupabaseURL))
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		checks = append(checks, handler.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.Info("pending role intents stored in Redis", zap.String("redis_addr", cfg.RedisAddr))
	} else {
		logger.Warn("REDIS_ADDR not set: pending role intents live in memory and are lost on restart")
	}

	// --- Session controllers ---
	opts := session.Options{
		SwitchFailure: switchPolicy,
		Patch:         patchPolicy,
		Retry:         resilienceCfg,
		Bulkhead:      bulkhead,
		Metrics:       metrics,
	}
	authCfg := supabase.AuthConfig{
		BaseURL:     cfg.SupabaseURL,
		AnonKey:     cfg.SupabaseAnonKey,
		JWTSecret:   cfg.SupabaseJWTSecret,
		RefreshLead: cfg.RefreshLeadTime,
	}

	factory := func(ctx context.Context, deviceID string) *session.Controller {
		deviceLogger := logger.With(zap.String("device_id", deviceID))

		var intents port.IntentStore = intent.NewMemory()
		if rdb != nil {
			intents = intent.OpenRedis(ctx, rdb, deviceID, cfg.IntentTTL, deviceLogger)
		}
		source := supabase.NewAuth(httpClient, authCfg, deviceLogger)
		return session.NewController(deviceID, source, store, intents, opts, deviceLogger)
	}
	registryOpts := []session.RegistryOption{session.WithMaxDevices(cfg.MaxDevices)}
	if rdb != nil {
		registryOpts = append(registryOpts, session.WithIntentPeek(func(ctx context.Context, deviceID string) domain.Role {
			return intent.Peek(ctx, rdb, deviceID, logger)
		}))
	}
	registry := session.NewRegistry(factory, cfg.DeviceIdleTTL, metrics, logger, registryOpts...)
	defer registry.Close()

	// --- Router ---
	router := handler.NewRouter(registry, checks, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/session/events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
