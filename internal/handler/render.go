package handler

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/middleware"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/pkg/response"
)

// Renderer is the render service as the HTTP layer sees it.
type Renderer interface {
	Start(ctx context.Context, req *model.RenderStartRequest, callerID string) (*model.RenderStartResponse, error)
	Status(ctx context.Context, jobID string) (*model.ProgressSnapshot, error)
}

type RenderHandler struct {
	service   Renderer
	validator *validator.Validate
	log       *slog.Logger
}

func NewRenderHandler(svc Renderer, v *validator.Validate) *RenderHandler {
	return &RenderHandler{
		service:   svc,
		validator: v,
		log:       slog.With("component", "render-handler"),
	}
}

// Start handles POST /api/render/start
// @Summary      Start render job
// @Description  Plan, persist and dispatch a render of a composition
// @Tags         Render
// @Accept       json
// @Produce      json
// @Param        request body model.RenderStartRequest true "Render start request"
// @Success      202 {object} model.RenderStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render/start [post]
func (h *RenderHandler) Start(c *fiber.Ctx) error {
	var req model.RenderStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), &req, middleware.GetCallerID(c))
	if err != nil {
		h.log.Warn("render start failed", "error", err)
		return response.FromError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/render/status/:jobId
// @Summary      Get render job status
// @Description  Current status and progress of a render job
// @Tags         Render
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render/status/{jobId} [get]
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	snap, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		return response.FromError(c, err)
	}

	return response.OK(c, snap.StatusResponse())
}
