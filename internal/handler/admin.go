package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/audit"
	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/pkg/response"
)

type Sweeper interface {
	Sweep(ctx context.Context) (*model.SweepResult, error)
}

type JobReader interface {
	Job(ctx context.Context, jobID string) (*model.Job, error)
}

// AdminHandler serves operator endpoints behind the admin key.
type AdminHandler struct {
	reaper Sweeper
	audit  audit.Sink
	jobs   JobReader
}

func NewAdminHandler(reaper Sweeper, sink audit.Sink, jobs JobReader) *AdminHandler {
	return &AdminHandler{reaper: reaper, audit: sink, jobs: jobs}
}

// Sweep handles POST /api/admin/reaper/sweep
// @Summary      Run a stuck-job sweep now
// @Tags         Admin
// @Produce      json
// @Success      200 {object} model.SweepResult
// @Failure      401 {object} response.ErrorResponse
// @Security     AdminKey
// @Router       /api/admin/reaper/sweep [post]
func (h *AdminHandler) Sweep(c *fiber.Ctx) error {
	res, err := h.reaper.Sweep(c.UserContext())
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, res)
}

// Audits handles GET /api/admin/reaper/audit?limit=N
func (h *AdminHandler) Audits(c *fiber.Ctx) error {
	if h.audit == nil {
		return response.OK(c, []model.SweepAudit{})
	}
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 500 {
		return response.ValidationError(c, "limit must be between 1 and 500", nil)
	}
	recs, err := h.audit.Recent(c.UserContext(), limit)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, recs)
}

// Job handles GET /api/admin/jobs/:jobId. The record is returned without
// its input props or asset token.
func (h *AdminHandler) Job(c *fiber.Ctx) error {
	job, err := h.jobs.Job(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	out := job.Clone()
	out.Scrub()
	return response.OK(c, out)
}
