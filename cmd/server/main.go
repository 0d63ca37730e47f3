package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneczen/voice-worker/internal/config"
	"github.com/conneczen/voice-worker/internal/contextstore"
	"github.com/conneczen/voice-worker/internal/observability"
	"github.com/conneczen/voice-worker/internal/realtime"
	"github.com/conneczen/voice-worker/internal/resilience"
	"github.com/conneczen/voice-worker/internal/server"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("realtime_model", cfg.RealtimeModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Worker starting")

	// Connect the context store and apply migrations. Retry happens only
	// here at boot; a down store fails the worker fast afterwards.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := contextstore.Connect(bootCtx, cfg.DatabaseURL,
		cfg.StoreConnectMaxAttempts, time.Duration(cfg.StoreConnectBackoff)*time.Millisecond)
	bootCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect context store")
	}
	defer pool.Close()

	if err := contextstore.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate context store")
	}

	resolver := contextstore.NewPostgresResolver(pool)

	// Shared upstream plumbing: one dialer and one circuit breaker across
	// all bridges, so every call sees the same view of upstream health.
	dialer := server.NewRealtimeDialer(realtime.Options{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.RealtimeBaseURL,
		Model:   cfg.RealtimeModel,
	}, logger)
	breaker := resilience.NewCircuitBreaker("realtime",
		cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)

	srv := server.New(cfg, resolver, dialer, breaker)

	// Create HTTP server
	mux := http.NewServeMux()

	// Inbound media stream and the provider's voice webhook
	mux.HandleFunc("/media-stream", srv.MediaStreamHandler())
	mux.HandleFunc("/twilio/voice", srv.TwiMLHandler())

	if cfg.DevHarnessEnabled {
		mux.HandleFunc("/media-stream-test", srv.HarnessHandler())
		logger.Info().Msg("Dev harness enabled at /media-stream-test")
	}

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint - probe the store, validate realtime config
	storeCheck := func(ctx context.Context) (bool, error) {
		if err := resolver.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	realtimeCheck := func(ctx context.Context) (bool, error) {
		// Config validation only; no session is opened to avoid API costs
		if cfg.OpenAIAPIKey == "" || cfg.RealtimeBaseURL == "" || cfg.RealtimeModel == "" {
			return false, fmt.Errorf("realtime session configuration incomplete")
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"context_store": storeCheck,
		"realtime":      realtimeCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No write timeout: media stream
	// connections are long-lived after the upgrade.
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/media-stream", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
