package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expertchat/internal/config"
	"expertchat/internal/handler"
	"expertchat/internal/messaging"
	"expertchat/internal/middleware"
	"expertchat/internal/observability"
	"expertchat/internal/repository/postgres"
	"expertchat/internal/service"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting messaging server")

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	db, err := config.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(connCtx); err != nil {
		slog.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	brokerCtx, brokerCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer brokerCancel()

	broker, err := messaging.NewBrokerWithRetry(brokerCtx, cfg.RabbitMQURL, 10)
	if err != nil {
		slog.Error("failed to connect to broker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go config.StartPoolStatsReporter(ctx, db, 15*time.Second)

	conversationRepo := postgres.NewConversationRepository(db)
	messageRepo := postgres.NewMessageRepository(db)
	subscriptionRepo := postgres.NewSubscriptionRepository(db)

	policy := service.NewAccessPolicy(cfg.FreeMessagesPerExpert, subscriptionRepo)
	publisher := messaging.NewPublisher(broker)
	messagingService := service.NewMessagingService(
		conversationRepo,
		messageRepo,
		policy,
		publisher,
		service.Limits{
			MessageMinLength:      cfg.MessageMinLength,
			MessageMaxLength:      cfg.MessageMaxLength,
			ConversationsPageSize: cfg.ConversationsPageSize,
			MessagesPageSize:      cfg.MessagesPageSize,
		},
	)

	conversationHandler := handler.NewConversationHandler(messagingService, cfg.UpgradeURL, cfg.PollingIntervalMs)

	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.CORS(middleware.ParseOrigins(cfg.AllowedOrigins)))
	r.Use(middleware.Metrics())
	r.Use(middleware.OpenAPIValidator(middleware.DefaultOpenAPIValidatorConfig(cfg.Environment)))

	r.Get("/health", handler.Health)
	r.Get("/health/ready", handler.Ready(db, broker))
	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"NOT_FOUND"}`, http.StatusNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Burst sized for polling clients refreshing inbox and thread together
		apiLimiter := middleware.NewRateLimiter(20, 50)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth([]byte(cfg.AuthSecret)))
			r.Use(apiLimiter.Middleware())

			r.Get("/conversations", conversationHandler.List)
			r.Post("/conversations", conversationHandler.Create)
			r.Get("/conversations/{id}", conversationHandler.GetThread)
			r.Post("/conversations/{id}/read", conversationHandler.MarkRead)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("messaging server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("server stopped gracefully")
}
