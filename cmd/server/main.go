// Package main is the entry point for the potmatic server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/potmatic/potmatic/internal/alert"
	"github.com/potmatic/potmatic/internal/api/middleware"
	v1 "github.com/potmatic/potmatic/internal/api/v1"
	"github.com/potmatic/potmatic/internal/auth"
	"github.com/potmatic/potmatic/internal/automation"
	"github.com/potmatic/potmatic/internal/config"
	"github.com/potmatic/potmatic/internal/executor"
	"github.com/potmatic/potmatic/internal/monzo"
	"github.com/potmatic/potmatic/internal/queue"
	"github.com/potmatic/potmatic/internal/repository"
	"github.com/potmatic/potmatic/internal/scheduler"
	"github.com/potmatic/potmatic/internal/syncer"
	"github.com/potmatic/potmatic/internal/token"
	"github.com/potmatic/potmatic/internal/utils"
)

func main() {
	cfg := config.Load()

	// Initialize structured logger
	utils.InitLogger(cfg.Environment, "potmatic", cfg.LogLevel)

	// Initialize metrics collector
	metricsCollector := utils.NewMetricsCollector()

	// Initialize distributed tracing
	ctx := context.Background()
	shutdownTracer, err := utils.InitTracer(ctx, "potmatic", "1.0.0", cfg.OTLPEndpoint)
	if err != nil {
		utils.Error("failed to initialize tracer", "error", err.Error())
		os.Exit(1)
	}
	defer shutdownTracer()

	// Initialize database connection
	if cfg.DBUrl == "" {
		utils.Error("DB_URL is required")
		os.Exit(1)
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := repository.Connect(connectCtx, cfg.DBUrl)
	connectCancel()
	if err != nil {
		utils.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()
	repos := repository.NewRepositories(db)

	// Initialize Redis connection. The balance cache, OAuth nonce stash
	// and alert channel all live here.
	redisClient, err := repository.NewRedisClient(repository.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		utils.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// Token crypto and storage
	tokenCrypt, err := auth.NewTokenCrypt(cfg.TokenCryptKey)
	if err != nil {
		utils.Error("invalid token encryption key", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tokens := token.NewStore(repos.Users, tokenCrypt)

	// Bank client factory. Refreshed tokens round-trip through the store.
	factory := monzo.NewFactory(cfg.MonzoAPIBaseURL, tokens, metricsCollector)
	clientFor := func(ctx context.Context, userID string) (*monzo.Client, error) {
		user, err := tokens.DecryptedUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return factory.ForUser(user), nil
	}

	oauthFlow := monzo.NewOAuth(cfg.MonzoAPIBaseURL, cfg.MonzoClientID, cfg.MonzoClientSecret, cfg.MonzoRedirectURI)
	states := auth.NewStateManager(cfg.SessionSecret, "potmatic")

	// Sync engine
	engine := syncer.NewEngine(repos, tokens, factory, redisClient, metricsCollector)

	// Execution queue and executors
	execQueue := queue.NewManager(cfg.QueueCapacity, 0, metricsCollector)
	transfers := executor.NewTransferService(repos.Intents)
	evaluator := automation.NewEvaluator(repos, redisClient)
	sweepExec := executor.NewSweep(repos.Pots, transfers)
	autosorterExec := executor.NewAutosorter(repos.Pots, repos.Bills, transfers)
	topupExec := executor.NewTopup(transfers, engine, evaluator.Evaluate)

	alerts := alert.NewService(redisClient)

	integrator := automation.NewIntegrator(repos, execQueue, evaluator, clientFor,
		sweepExec, autosorterExec, topupExec, alerts, metricsCollector)
	engine.SetPostSyncHook(integrator)

	// Complete or discard transfer intents left behind by a crash before
	// any new money movement starts.
	transfers.RecoverOrphanedIntents(ctx, clientFor)

	execQueue.Start(ctx, cfg.QueueWorkers)

	sched := scheduler.New(engine, integrator, repos.Rules, cfg.SyncInterval, cfg.AutomationInterval)
	if err := sched.Start(ctx); err != nil {
		utils.Error("failed to start schedulers", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create HTTP server
	mux := http.NewServeMux()

	apiRouter := v1.NewRouter(repos, db, redisClient, oauthFlow, states, tokens,
		engine, integrator, sched, execQueue, metricsCollector)
	apiRouter.RegisterRoutes(mux)

	mux.HandleFunc("GET /healthz", apiRouter.HealthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr: cfg.GetAddr(),
		Handler: middleware.LoggingMiddleware(
			middleware.TracingMiddleware(
				middleware.MetricsMiddleware(metricsCollector)(mux),
			),
		),
	}

	// Channel to listen for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		utils.Info("server starting",
			slog.String("addr", cfg.GetAddr()),
			slog.String("env", cfg.Environment),
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("server failed to start", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-quit
	utils.Info("shutting down server")

	// Schedulers first so nothing new reaches the queue, then the queue
	// so in-flight transfers finish, then the HTTP listener.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sched.Stop(shutdownCtx); err != nil {
		utils.Error("scheduler shutdown error", slog.String("error", err.Error()))
	}
	shutdownCancel()

	shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 15*time.Second)
	if err := execQueue.Stop(shutdownCtx); err != nil {
		utils.Error("execution queue shutdown error", slog.String("error", err.Error()))
	}
	shutdownCancel()

	shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		utils.Error("server forced to shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}

	utils.Info("server stopped gracefully")
}
