package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/internal/courier"
	"github.com/mailbox-labs/courier/pkg/response"
	"github.com/mailbox-labs/courier/pkg/validator"
)

type CourierHandler struct {
	courier *courier.Courier
	ctx     context.Context
	config  *environments.Config
}

type StartCourierRequest struct {
	Interval *int `json:"interval,omitempty" validate:"omitempty,min=1"`
}

func NewCourierHandler(
	cour *courier.Courier,
	ctx context.Context,
	cfg *environments.Config,
) *CourierHandler {
	return &CourierHandler{
		courier: cour,
		ctx:     ctx,
		config:  cfg,
	}
}

// StartCourier godoc
// @Summary Start the courier loop
// @Description Starts the outbound delivery loop with an optional interval override
// @Tags courier
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for courier"
// @Param request body StartCourierRequest false "Courier parameters (optional, interval in seconds)"
// @Success 200 {object} response.SuccessResponse
// @Failure 422 {object} validator.ValidationErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/courier/start [post]
func (h *CourierHandler) StartCourier(c echo.Context) error {
	if h.courier.IsRunning() {
		return response.OkWithMessage(c, "Courier is already running", h.courier.GetStatus())
	}

	var req StartCourierRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	// Default poll interval from configuration.
	intervalSeconds := int(h.config.Courier.PollInterval.Seconds())
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	if req.Interval != nil {
		intervalSeconds = *req.Interval
	}

	if err := h.courier.StartWithInterval(h.ctx, intervalSeconds); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Courier started successfully", h.courier.GetStatus())
}

// StopCourier godoc
// @Summary Stop the courier loop
// @Description Stops the outbound delivery loop
// @Tags courier
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for courier"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/courier/stop [post]
func (h *CourierHandler) StopCourier(c echo.Context) error {
	if !h.courier.IsRunning() {
		return response.OkWithMessage(c, "Courier is already stopped", h.courier.GetStatus())
	}

	if err := h.courier.Stop(); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Courier stopped successfully", h.courier.GetStatus())
}

// GetCourierStatus godoc
// @Summary Get courier status
// @Description Returns the current status of the delivery loop
// @Tags courier
// @Accept json
// @Produce json
// @Param x-courier-auth-key header string true "API key for courier"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/courier/status [get]
func (h *CourierHandler) GetCourierStatus(c echo.Context) error {
	return response.Ok(c, h.courier.GetStatus())
}
