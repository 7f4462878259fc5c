package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/handlers"
	"github.com/mailbox-labs/courier/internal/adapter"
	"github.com/mailbox-labs/courier/internal/courier"
	"github.com/mailbox-labs/courier/internal/dispatch"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/processor"
	"github.com/mailbox-labs/courier/internal/schema"
	"github.com/mailbox-labs/courier/internal/service"
	"github.com/mailbox-labs/courier/internal/watcher"
	"github.com/mailbox-labs/courier/pkg/cache"
	"github.com/mailbox-labs/courier/pkg/logger"
	"github.com/mailbox-labs/courier/pkg/validator"
	"github.com/mailbox-labs/courier/pkg/webhook"
	"github.com/mailbox-labs/courier/routes"
)

func main() {
	logger.Init()

	// Load config
	cfg := environments.Load()

	// Hard-fail if required secrets are missing
	if cfg.Auth.MessagesAPIKey == "" {
		logger.Fatalf("MESSAGES_API_KEY is required but not set")
	}
	if cfg.Auth.CourierAPIKey == "" {
		logger.Fatalf("COURIER_API_KEY is required but not set")
	}

	logger.Infof("Starting Courier...")

	// Init mailbox directories
	mb := mailbox.New(cfg.Mailbox.Dir)
	for _, provider := range cfg.Mailbox.Providers {
		if err := mb.EnsureProvider(provider); err != nil {
			logger.Fatalf("Failed to prepare mailbox for %s: %v", provider, err)
		}
	}
	logger.Infof("Mailbox ready at %s for providers %v", mb.Root(), cfg.Mailbox.Providers)

	// Init cache
	cacheClient, err := cache.NewClient(cfg.Cache)
	if err != nil {
		logger.Warnf("Cache not available, sent-message caching disabled: %v", err)
		cacheClient = nil
	}

	// Register one transport adapter per provider. All of them use the
	// webhook transport here; a deployment with native transports swaps
	// factories per provider.
	dispatcher := dispatch.New()
	for _, provider := range cfg.Mailbox.Providers {
		provider := provider
		dispatcher.Register(provider, func() (adapter.Adapter, error) {
			return webhook.NewAdapter(provider, cfg.Webhook), nil
		})
	}

	limits := schema.Limits{
		MaxMessageBytes: cfg.Message.MaxMessageBytes,
		MaxAttachments:  cfg.Message.MaxAttachments,
	}

	// Initialize the pipeline
	watch := watcher.New(mb, cfg.Mailbox.Providers, cfg.Retry.MaxRetries, limits)
	proc := processor.New(mb, cfg.Retry)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	courierCfg := courier.Config{
		Interval:       cfg.Courier.PollInterval,
		SendTimeout:    cfg.Courier.SendTimeout,
		AlertWebhook:   cfg.Alert.WebhookURL,
		AlertThreshold: cfg.Alert.IterationCount,
	}

	var cour *courier.Courier
	var queueService *service.QueueService
	if cacheClient != nil {
		cour = courier.New(watch, dispatcher, proc, cacheClient, courierCfg)
		queueService = service.NewQueueService(mb, cfg.Mailbox.Providers, limits, cacheClient)
	} else {
		cour = courier.New(watch, dispatcher, proc, nil, courierCfg)
		queueService = service.NewQueueService(mb, cfg.Mailbox.Providers, limits, nil)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(mb, dispatcher, cacheClient, cfg.Mailbox.Providers)
	messageHandler := handlers.NewMessageHandler(queueService)
	courierHandler := handlers.NewCourierHandler(cour, ctx, cfg)

	// Auto-start courier
	if os.Getenv("AUTO_START_COURIER") != "false" {
		logger.Infof("Auto-starting courier...")
		if err := cour.Start(ctx); err != nil {
			logger.Warnf("Failed to auto-start courier: %v", err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = validator.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"x-courier-auth-key",
		},
	}))

	// Setup routes
	routes.RegisterRoutes(e, healthHandler, messageHandler, courierHandler, cfg)

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Infof("Server starting on http://localhost%s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down gracefully...")

	// Cancel context to signal all goroutines to stop
	cancel()

	// Stop courier first (with timeout) so in-flight sends finish before
	// the process exits.
	if cour.IsRunning() {
		logger.Infof("Stopping courier...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()

		done := make(chan error, 1)
		go func() {
			done <- cour.Stop()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Errorf("Error stopping courier: %v", err)
			} else {
				logger.Infof("Courier stopped successfully")
			}
		case <-stopCtx.Done():
			logger.Warnf("Courier stop timeout, forcing shutdown")
		}
	}

	// Shutdown HTTP server (with timeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Infof("Shutting down HTTP server...")
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Infof("HTTP server stopped successfully")
	}

	// Disconnect transport adapters
	logger.Infof("Disconnecting transport adapters...")
	if err := dispatcher.Shutdown(); err != nil {
		logger.Errorf("Error disconnecting adapters: %v", err)
	}

	// Close cache connection
	if cacheClient != nil {
		logger.Infof("Closing cache connection...")
		if err := cacheClient.Close(); err != nil {
			logger.Errorf("Error closing cache: %v", err)
		}
	}

	logger.Infof("Graceful shutdown completed")
}
