package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ictgov/be-access-requests/internal/client"
	"github.com/ictgov/be-access-requests/internal/config"
	"github.com/ictgov/be-access-requests/internal/handler"
	"github.com/ictgov/be-access-requests/internal/logger"
	"github.com/ictgov/be-access-requests/internal/middleware"
	"github.com/ictgov/be-access-requests/internal/notification"
	"github.com/ictgov/be-access-requests/internal/repository"
	"github.com/ictgov/be-access-requests/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("ACCESS_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Access Requests Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create database pool")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Database connection established")

	// Initialize repositories
	requestRepo := repository.NewAccessRequestRepository(db)
	auditRepo := repository.NewDecisionAuditRepository(db)

	// Initialize notification transport. Without a NATS URL the service
	// still runs; decisions commit and notifications are dropped.
	var notifier notification.Notifier = client.NoopNotifier{}
	if cfg.NATS.URL != "" {
		natsNotifier, err := client.NewNATSNotifier(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("Notification transport initialized")
	} else {
		log.Warn().Msg("No NATS URL configured; notifications are disabled")
	}

	// Initialize directory client
	directory := client.NewDirectoryClient(cfg.Directory.BaseURL, time.Duration(cfg.Directory.TimeoutSec)*time.Second)
	log.Info().Str("directory_url", cfg.Directory.BaseURL).Msg("Directory client initialized")

	// Initialize services
	dispatcher := notification.NewDispatcher(directory, notifier, requestRepo, log)
	requestService := service.NewRequestService(requestRepo, auditRepo, dispatcher, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(requestService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Access request routes
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListRequests(w, r)
		case http.MethodPost:
			httpHandler.CreateRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/requests/get", requireMethod(http.MethodGet, httpHandler.GetRequest))
	mux.HandleFunc("/api/v1/requests/approve", requireMethod(http.MethodPost, httpHandler.ApproveStage))
	mux.HandleFunc("/api/v1/requests/reject", requireMethod(http.MethodPost, httpHandler.RejectStage))
	mux.HandleFunc("/api/v1/requests/implement", requireMethod(http.MethodPost, httpHandler.ImplementRequest))
	mux.HandleFunc("/api/v1/requests/cancel", requireMethod(http.MethodPost, httpHandler.CancelRequest))
	mux.HandleFunc("/api/v1/requests/pending", requireMethod(http.MethodGet, httpHandler.PendingForStage))
	mux.HandleFunc("/api/v1/requests/history", requireMethod(http.MethodGet, httpHandler.History))
	mux.HandleFunc("/api/v1/requests/stats", requireMethod(http.MethodGet, httpHandler.Statistics))
	mux.HandleFunc("/api/v1/requests/migrate-legacy", requireMethod(http.MethodPost, httpHandler.MigrateLegacy))

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(log)(h)
	h = middleware.Recovery(log)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(time.Duration(cfg.Server.RequestTimeout) * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// requireMethod rejects requests using any other HTTP method.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
