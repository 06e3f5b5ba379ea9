package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/nexusai/billing-engine/config"
	"github.com/nexusai/billing-engine/internal/account"
	"github.com/nexusai/billing-engine/internal/analytics"
	"github.com/nexusai/billing-engine/internal/api"
	"github.com/nexusai/billing-engine/internal/catalog"
	"github.com/nexusai/billing-engine/internal/estimator"
	"github.com/nexusai/billing-engine/internal/ledger"
	"github.com/nexusai/billing-engine/internal/seeder"
	"github.com/nexusai/billing-engine/internal/telemetry"
	"github.com/nexusai/billing-engine/internal/usage"
	"github.com/nexusai/billing-engine/internal/worker"
	"github.com/nexusai/billing-engine/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("billing-engine", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Rate catalog: built-in table, optionally merged with a rates file
	snapshot := catalog.DefaultSnapshot()
	if cfg.RatesPath != "" {
		snapshot, err = catalog.LoadSnapshotFromFile(cfg.RatesPath)
		if err != nil {
			log.Fatalf("failed to load rates file: %v", err)
		}
	}
	rateCatalog := catalog.New(snapshot)

	// 6. Stores and services
	accountStore := account.NewPostgresStore(pool, rdb)
	ledgerStore := ledger.NewPostgresStore(pool)
	creditLedger := ledger.New(ledgerStore)
	usageStore := usage.NewPostgresStore(pool)
	usageService := usage.NewService(usageStore, rateCatalog, creditLedger, accountStore, cfg.OverdraftAdapters)
	costEstimator := estimator.New(rateCatalog)
	analyticsService := analytics.NewService(analytics.NewPostgresStore(pool), creditLedger)

	// 7. Rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 8. Handler
	tracer := otel.GetTracerProvider().Tracer("billing-engine")
	handler := api.NewHandler(usageService, creditLedger, accountStore, costEstimator,
		analyticsService, rateCatalog, cfg.RatesPath, limiter, tracer)

	// 9. Seed test account if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAccount(ctx, accountStore)
	}

	// 10. Overdraft reconciliation sweeper
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	reconciler := worker.NewReconciler(ledgerStore, time.Duration(cfg.ReconcileIntervalSec)*time.Second)
	go reconciler.Run(workerCtx)

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"billing-engine"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/estimates", handler.HandleEstimate)

		r.Post("/accounts", handler.HandleCreateAccount)
		r.Get("/accounts/{id}", handler.HandleGetAccount)
		r.Post("/accounts/{id}/close", handler.HandleCloseAccount)
		r.Post("/accounts/{id}/keys", handler.HandleIssueKey)
		r.Get("/accounts/{id}/keys", handler.HandleListKeys)
		r.Post("/keys/{id}/revoke", handler.HandleRevokeKey)
		r.Post("/accounts/{id}/credits", handler.HandleCredit)
		r.Get("/accounts/{id}/balance", handler.HandleBalance)
		r.Get("/accounts/{id}/transactions", handler.HandleTransactions)
		r.Get("/accounts/{id}/usage", handler.HandleQueryUsage)
		r.Get("/keys/{id}/usage", handler.HandleQueryKeyUsage)

		r.Post("/workflows", handler.HandleOpenWorkflow)
		r.Get("/workflows/{id}", handler.HandleGetWorkflow)
		r.Post("/workflows/{id}/usage", handler.HandleRecordUsage)
		r.Post("/workflows/{id}/close", handler.HandleCloseWorkflow)

		r.Post("/catalog/reload", handler.HandleReloadCatalog)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Billing engine starting on port %s (catalog v%d)", cfg.Port, rateCatalog.Version())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
