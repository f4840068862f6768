// Policy Assistant - chat backend for a managed policy knowledge agent.
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

	"github.com/ashureev/policy-assistant/internal/agent"
	"github.com/ashureev/policy-assistant/internal/agentruntime"
	"github.com/ashureev/policy-assistant/internal/api"
	"github.com/ashureev/policy-assistant/internal/config"
	"github.com/ashureev/policy-assistant/internal/identity"
	"github.com/ashureev/policy-assistant/internal/middleware"
	"github.com/ashureev/policy-assistant/internal/store"
	"github.com/ashureev/policy-assistant/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "region", cfg.Agent.Region)

	// History lives in memory and is lost on restart.
	repo, err := store.NewMemorySQLite(cfg.HistoryDBName)
	if err != nil {
		slog.Error("Failed to initialize history store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("History store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("History store ready")

	// The agent runtime is optional: without it every question gets the apology message.
	var dispatcher agent.Dispatcher
	if cfg.AgentConfigured() {
		creds, err := agentruntime.LoadCredentials(context.Background(), cfg.Agent.Region)
		if err != nil {
			slog.Warn("Failed to load AWS configuration, agent features will be disabled", "error", err)
		} else {
			d, err := agentruntime.NewDispatcher(agentruntime.Config{
				Region:       cfg.Agent.Region,
				AgentID:      cfg.Agent.AgentID,
				AgentAliasID: cfg.Agent.AgentAliasID,
				Endpoint:     cfg.Agent.Endpoint,
			}, creds, nil, logger)
			if err != nil {
				slog.Error("Failed to initialize agent dispatcher", "error", err)
				os.Exit(1)
			}
			dispatcher = d
			slog.Info("Agent runtime configured", "agent_id", cfg.Agent.AgentID, "alias_id", cfg.Agent.AgentAliasID)
		}
	} else {
		slog.Info("Agent features disabled (BEDROCK_AGENT_ID or BEDROCK_AGENT_ALIAS_ID not set)")
	}

	conversationLogger, err := agent.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	agentService, err := agent.NewService(agent.ServiceConfig{
		Dispatcher:         dispatcher,
		Repo:               repo,
		ConversationLogger: conversationLogger,
		FrameSize:          cfg.Stream.FrameSize,
		Logger:             logger,
	})
	if err != nil {
		slog.Error("Failed to initialize agent service", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg)
	agentHandler := agent.NewHandler(agentService, cfg)
	defer agentHandler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	r.Handle("/metrics", promhttp.Handler())
	baseHandler.RegisterRoutes(r)

	// Conversation routes need an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		agentHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Agent answers can take a while; WebSocket chats are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
