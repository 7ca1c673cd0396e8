package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/booking"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/cancellation"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/capture"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/database"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/metrics"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/middleware"
	natsclient "github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/nats"
	redisclient "github.com/hushryd-glitch/hushryd-backend-sub004/internal/common/redis"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/escrow"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/fare"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/gateway"
	ledgerstore "github.com/hushryd-glitch/hushryd-backend-sub004/internal/ledger/store"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/payments"
	paymentsapi "github.com/hushryd-glitch/hushryd-backend-sub004/internal/payments/api"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/subscription"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/wallet"
	"github.com/hushryd-glitch/hushryd-backend-sub004/internal/webhook"
	"github.com/hushryd-glitch/hushryd-backend-sub004/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"SETTLEMENT_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database     database.Config
	Redis        redisclient.Config
	NATS         natsclient.Config
	Gateway      gateway.Config
	Fare         fare.Config
	Cancellation cancellation.Config
	Wallet       wallet.Config
	Capture      capture.Config
	Subscription subscription.Config
	Payments     payments.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Apply schema migrations
	if err := database.Migrate(cfg.Database.URL, migrations.FS, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to Redis for idempotency caching
	redisClient, err := redisclient.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Connect to NATS and ensure the event stream
	natsC, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsC.Close()

	if _, err := natsC.EnsureStream(ctx, natsclient.DefaultStreamConfig("SETTLEMENT", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := natsclient.NewPublisher(natsC, logger)

	// Payment gateway adapter
	gw := gateway.New(cfg.Gateway, logger)
	if !gw.IsConfigured() {
		logger.Warn("payment gateway not configured, money movement endpoints will return 503")
	}

	// Stores
	txnStore := ledgerstore.New(db)
	bookingStore := booking.NewStore(db)
	walletStore := wallet.New(db)
	subscriptionStore := subscription.NewStore(db)
	webhookStore := webhook.NewStore(db)

	// Calculators
	fares := fare.NewCalculator(cfg.Fare, logger)
	cancellations := cancellation.NewCalculator(cfg.Cancellation)

	// Services
	walletService := wallet.NewService(db, walletStore, txnStore, gw, publisher, cfg.Wallet, logger)
	subscriptionService := subscription.NewService(subscriptionStore, publisher, cfg.Subscription, logger)
	captureController := capture.NewController(txnStore, bookingStore, gw, walletService, fares, publisher, cfg.Capture, logger)
	escrowScheduler := escrow.NewScheduler(txnStore, bookingStore, gw, walletService, captureController, publisher, logger)
	paymentService := payments.NewService(txnStore, bookingStore, gw, walletService, subscriptionService, fares, cancellations, publisher, cfg.Payments, logger)
	webhookProcessor := webhook.NewProcessor(gw, webhookStore, txnStore, bookingStore, subscriptionService, escrowScheduler, walletService, publisher, logger)

	// Create handler
	handler := paymentsapi.NewHandler(paymentService, captureController, escrowScheduler, walletService, webhookProcessor)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(metrics.Middleware)
	r.Use(middleware.ActorExtractor)
	r.Use(chimw.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		if err := natsC.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Metrics
	r.Handle("/metrics", metrics.Handler())

	// API routes, replayed safely via the Idempotency-Key header
	idempotencyStore := redisclient.NewIdempotencyStore(redisClient)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(idempotencyStore, cfg.IdempotencyTTL))
		r.Mount("/", handler.Routes())
	})

	// Webhook routes skip idempotency caching: the processor itself
	// dedupes deliveries on the audit record.
	r.Mount("/webhooks", handler.WebhookRoutes())

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting settlement service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
