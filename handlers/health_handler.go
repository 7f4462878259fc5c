package handlers

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mailbox-labs/courier/internal/dispatch"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/pkg/cache"
)

// HealthHandler handles health checks.
type HealthHandler struct {
	mailbox      *mailbox.Mailbox
	dispatcher   *dispatch.Dispatcher
	cache        *cache.Client
	providers    []string
	checkTimeout time.Duration
}

func NewHealthHandler(
	mb *mailbox.Mailbox,
	dispatcher *dispatch.Dispatcher,
	cacheClient *cache.Client,
	providers []string,
) *HealthHandler {
	return &HealthHandler{
		mailbox:      mb,
		dispatcher:   dispatcher,
		cache:        cacheClient,
		providers:    providers,
		checkTimeout: 2 * time.Second,
	}
}

// Health returns overall status and basic component statuses (mailbox
// directory, cache and transport adapters).
// @Summary Health check
// @Description Returns overall status with mailbox, cache and adapter states
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} map[string]any
// @Router /health [get]
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), h.checkTimeout)
	defer cancel()

	overallStatus := "ok"

	mailboxStatus := "up"
	if info, err := os.Stat(h.mailbox.Root()); err != nil || !info.IsDir() {
		mailboxStatus = "down"
		overallStatus = "down"
	}

	cacheStatus := "disabled"
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			cacheStatus = "down"
			overallStatus = "degraded"
		} else {
			cacheStatus = "up"
		}
	}

	adapterStatuses := map[string]any{}
	for provider, status := range h.dispatcher.HealthCheck(h.providers...) {
		adapterStatuses[provider] = map[string]any{
			"status": string(status),
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"components": map[string]any{
			"mailbox": map[string]any{
				"status": mailboxStatus,
				"root":   h.mailbox.Root(),
			},
			"cache": map[string]any{
				"status": cacheStatus,
			},
			"adapters": adapterStatuses,
		},
	})
}
