package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/handlers"
	"github.com/mailbox-labs/courier/internal/middlewares"
)

// RegisterRoutes registers all API routes with middleware
func RegisterRoutes(
	e *echo.Echo,
	healthHandler *handlers.HealthHandler,
	messageHandler *handlers.MessageHandler,
	courierHandler *handlers.CourierHandler,
	cfg *environments.Config,
) {
	e.GET("/health", healthHandler.Health)

	// API v1 base group
	v1 := e.Group("/api/v1")

	// Message routes with their own API key
	messages := v1.Group("/messages", middlewares.APIKeyAuth(cfg.Auth.MessagesAPIKey))

	messages.GET("", messageHandler.GetAllMessages)
	messages.POST("", messageHandler.CreateMessage)
	messages.GET("/stats", messageHandler.GetStats)
	messages.GET("/cached", messageHandler.GetCachedMessages)

	messages.POST("/replay", messageHandler.ReplayAllDeadletterMessages)
	messages.POST("/:id/replay", messageHandler.ReplayDeadletterMessage)

	// Courier routes with their own API key
	courierGroup := v1.Group("/courier", middlewares.APIKeyAuth(cfg.Auth.CourierAPIKey))

	courierGroup.POST("/start", courierHandler.StartCourier)
	courierGroup.POST("/stop", courierHandler.StopCourier)
	courierGroup.GET("/status", courierHandler.GetCourierStatus)
}
