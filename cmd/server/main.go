// Small-talk practice partner server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/smalltalk-labs/internal/agent"
	"github.com/ashureev/smalltalk-labs/internal/api"
	"github.com/ashureev/smalltalk-labs/internal/chatws"
	"github.com/ashureev/smalltalk-labs/internal/classifier"
	"github.com/ashureev/smalltalk-labs/internal/config"
	"github.com/ashureev/smalltalk-labs/internal/identity"
	"github.com/ashureev/smalltalk-labs/internal/llm"
	"github.com/ashureev/smalltalk-labs/internal/metrics"
	"github.com/ashureev/smalltalk-labs/internal/middleware"
	"github.com/ashureev/smalltalk-labs/internal/shared"
	"github.com/ashureev/smalltalk-labs/internal/store"
	"github.com/ashureev/smalltalk-labs/internal/sweeper"
	"github.com/ashureev/smalltalk-labs/internal/triage"
	"github.com/ashureev/smalltalk-labs/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	tuning, err := triage.LoadTuning(cfg.TuningPath)
	if err != nil {
		slog.Error("Failed to load triage tuning", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, shared.RetryConfig{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// A missing provider is not fatal: classification fails safe to crisis,
	// moderation blocks and replies fall back to the unavailable line.
	model, closeModel, err := llm.New(context.Background(), llm.Config{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OpenAIBaseURL: cfg.LLM.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.LLM.OpenAIAPIKey,
		GoogleAPIKey:  cfg.LLM.GoogleAPIKey,
		GRPCAddress:   cfg.LLM.GRPCAddress,
	}, logger)
	if err != nil {
		slog.Warn("Language model unavailable, running in fail-safe mode", "provider", cfg.LLM.Provider, "error", err)
		model = nil
	} else {
		slog.Info("Language model connected", "provider", model.Name())
	}
	defer closeModel()

	crisisClassifier := classifier.NewCrisisClassifier(model, classifier.CrisisOptions{
		Model:        cfg.LLM.ClassifierModel,
		Timeout:      cfg.Timeout.CrisisClassifier,
		ContextTurns: tuning.ContextTurns,
		Logger:       logger,
	})
	moderator := classifier.NewModerator(model, classifier.ModeratorOptions{
		Model:   cfg.LLM.ClassifierModel,
		Timeout: cfg.Timeout.Moderation,
		Logger:  logger,
	})

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	service := agent.NewService(repo, model, crisisClassifier, moderator, agent.Options{
		Tuning:          tuning,
		ReplyModel:      cfg.LLM.Model,
		ReplyTimeout:    cfg.Timeout.Reply,
		ConversationLog: conversationLogger,
		Logger:          logger,
	})
	defer service.Close()

	limiter := agent.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer limiter.Stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(repo, cfg)
	sessionHandler := agent.NewHandler(service, limiter, cfg.MaxRequestBody)
	wsHandler := chatws.NewHandler(service, repo, chatws.NewConnectionManager(), limiter, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Everything else carries an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		baseHandler.RegisterRoutes(r)
		sessionHandler.RegisterRoutes(r)
		r.Get("/ws/chat", wsHandler.ServeHTTP)
		// Serve embedded frontend (SPA catch-all).
		r.Handle("/*", web.SPAHandler())
	})

	// Create server.
	// Note: chat sockets are long-lived, so there is no WriteTimeout. Each
	// delegated call inside a turn carries its own deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := sweeper.Start(ctx, service, cfg.SweepInterval, cfg.SessionIdleTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-sweeperDone

	slog.Info("Server stopped successfully")
}
