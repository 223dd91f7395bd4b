package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/satriahrh/duplexvoice/internal/api"
	"github.com/satriahrh/duplexvoice/internal/app"
	"github.com/satriahrh/duplexvoice/internal/auth"
	"github.com/satriahrh/duplexvoice/internal/config"
	"github.com/satriahrh/duplexvoice/internal/duplex"
	"github.com/satriahrh/duplexvoice/internal/metrics"
	"github.com/satriahrh/duplexvoice/internal/websocket"
	"github.com/satriahrh/duplexvoice/usecase"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize logger
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize adapters
	repo, closeStore, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open conversation store", zap.Error(err))
	}

	model, err := app.NewLiveModel(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create live model", zap.Error(err))
	}

	redisClient, relay, err := app.OpenRedis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect redis", zap.Error(err))
	}

	// Initialize usecase services
	conversations := usecase.NewConversationService(repo, logger)
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	sessionConfig := cfg.Session.Duplex()

	// Initialize WebSocket hub with one duplex driver per connection
	newSession := func(group string, broadcaster duplex.Broadcaster) (*duplex.Driver, error) {
		return duplex.NewDriver(sessionConfig, duplex.Deps{
			Store:       conversations,
			Model:       model,
			Broadcaster: broadcaster,
			Group:       group,
			Clock:       clock.New(),
			Logger:      logger,
			Metrics:     m,
		})
	}
	var hubOpts []websocket.HubOption
	healthChecks := map[string]api.HealthCheck{"store": conversations.Health}
	if relay != nil {
		hubOpts = append(hubOpts, websocket.WithEventRelay(relay))
		healthChecks["redis"] = relay.Ping
		logger.Info("Relaying session events through redis")
	}
	hub := websocket.NewHub(newSession, logger, hubOpts...)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	cleanup := websocket.NewSessionCleanupService(hub, websocket.CleanupConfig{
		Interval:    cfg.Cleanup.Interval,
		IdleTimeout: cfg.Cleanup.IdleTimeout,
	}, clock.New(), logger)
	cleanup.Start()

	var issuer *auth.Issuer
	if cfg.Auth.JWTSecret != "" {
		issuer, err = auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			logger.Fatal("Failed to create token issuer", zap.Error(err))
		}
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Hub:           hub,
		Conversations: conversations,
		Issuer:        issuer,
		AuthRequired:  cfg.Auth.Required,
		Gatherer:      prometheus.DefaultGatherer,
		HealthChecks:  healthChecks,
		Logger:        logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store),
		zap.String("llm", cfg.LLM))

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	cleanup.Stop()
	clients := hub.Clients()
	for _, client := range clients {
		client.Disconnect("server shutdown")
	}
	// Let every session commit its pending turns before the store closes.
	for _, client := range clients {
		select {
		case <-client.Done():
		case <-shutdownCtx.Done():
		}
	}

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := closeStore(shutdownCtx); err != nil {
		logger.Warn("Failed to close conversation store", zap.Error(err))
	}

	logger.Info("Server exited")
}
