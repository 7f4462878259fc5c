package handlers

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mailbox-labs/courier/internal/domain"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/service"
	"github.com/mailbox-labs/courier/pkg/response"
	"github.com/mailbox-labs/courier/pkg/validator"
)

type MessageHandler struct {
	service *service.QueueService
}

func NewMessageHandler(service *service.QueueService) *MessageHandler {
	return &MessageHandler{service: service}
}

type CreateMessageRequest struct {
	Provider    string `json:"provider" validate:"required"`
	To          string `json:"to" validate:"required"`
	ContentType string `json:"contentType,omitempty" validate:"omitempty,max=100"`
	Content     string `json:"content" validate:"required,max=10000"`
}

// GetAllMessages godoc
// @Summary Get messages
// @Description Retrieves a paginated list of messages from one lifecycle area
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Param area query string false "Lifecycle area (outbound, archive, .deadletter; default: outbound)"
// @Param provider query string false "Filter by provider"
// @Param status query string false "Filter by status (pending, sending, sent, failed)"
// @Param page query int false "Page number (default: 1)"
// @Param pageSize query int false "Page size (default: 20, max: 100)"
// @Success 200 {object} response.PaginatedResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/messages [get]
func (h *MessageHandler) GetAllMessages(c echo.Context) error {
	page, pageSize, err := parsePaginationParams(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	area, err := parseAreaParam(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	// Convert status string to pointer (optional filter).
	var status *domain.MessageStatus
	if statusStr := c.QueryParam("status"); statusStr != "" {
		parsedStatus := domain.MessageStatus(statusStr)
		if !parsedStatus.Valid() {
			return response.BadRequest(c, fmt.Errorf("unknown status %q", statusStr))
		}
		status = &parsedStatus
	}

	messages, totalCount, err := h.service.ListMessages(area, c.QueryParam("provider"), status, page, pageSize)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Paginated(c, messages, page, pageSize, totalCount)
}

// CreateMessage godoc
// @Summary Create a new message
// @Description Writes a new pending message file into the outbound queue
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Param message body CreateMessageRequest true "Message to create"
// @Success 201 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Router /api/v1/messages [post]
func (h *MessageHandler) CreateMessage(c echo.Context) error {
	var req CreateMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	message, err := h.service.CreateMessage(req.Provider, req.To, req.ContentType, req.Content)
	if err != nil {
		// Creation fails on input problems (unknown provider, schema limits),
		// so the caller gets a 400 rather than a 500.
		return response.BadRequest(c, err)
	}

	return response.Created(c, "Message created successfully", message)
}

// GetStats godoc
// @Summary Get queue statistics
// @Description Returns message counts per lifecycle area and oldest pending age
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/messages/stats [get]
func (h *MessageHandler) GetStats(c echo.Context) error {
	stats, err := h.service.Stats()
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, stats)
}

// GetCachedMessages godoc
// @Summary Get cached sent messages
// @Description Returns the sent-message records held in the cache
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/messages/cached [get]
func (h *MessageHandler) GetCachedMessages(c echo.Context) error {
	cached, err := h.service.CachedMessages(c.Request().Context())
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, cached)
}

// ReplayAllDeadletterMessages godoc
// @Summary Replay all deadlettered messages
// @Description Moves every deadlettered message back into outbound with retry state reset
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/messages/replay [post]
func (h *MessageHandler) ReplayAllDeadletterMessages(c echo.Context) error {
	count, err := h.service.ReplayAllDeadletter()
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, map[string]any{
		"replayed": count,
	})
}

// ReplayDeadletterMessage godoc
// @Summary Replay a single deadlettered message
// @Description Moves one deadlettered message back into outbound with retry state reset
// @Tags messages
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for messages"
// @Param id path string true "Message ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Router /api/v1/messages/{id}/replay [post]
func (h *MessageHandler) ReplayDeadletterMessage(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return response.BadRequest(c, fmt.Errorf("invalid message id"))
	}

	if err := h.service.ReplayDeadletter(id); err != nil {
		// We treat "no deadlettered message found" as a 400 here to avoid adding a new NotFound helper.
		return response.BadRequest(c, err)
	}

	return response.Ok(c, map[string]any{
		"replayed": 1,
	})
}

func parsePaginationParams(c echo.Context) (int, int, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)

	pageStr := c.QueryParam("page")
	pageSizeStr := c.QueryParam("pageSize")

	// Page
	page := defaultPage
	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = p
	}

	// Page size
	pageSize := defaultPageSize
	if pageSizeStr != "" {
		ps, err := strconv.Atoi(pageSizeStr)
		if err != nil || ps <= 0 || ps > maxPageSize {
			return 0, 0, fmt.Errorf("pageSize must be between 1 and %d", maxPageSize)
		}

		pageSize = ps
	}

	return page, pageSize, nil
}

func parseAreaParam(c echo.Context) (mailbox.Area, error) {
	areaStr := c.QueryParam("area")
	if areaStr == "" {
		return mailbox.AreaOutbound, nil
	}

	for _, area := range mailbox.Areas {
		if string(area) == areaStr {
			return area, nil
		}
	}

	return "", fmt.Errorf("unknown area %q", areaStr)
}
