package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks     map[string]HealthCheck
	configured map[string]bool
}

// NewHealthHandler takes live checks (failures turn the status degraded)
// and static configuration flags reported as-is.
func NewHealthHandler(checks map[string]HealthCheck, configured map[string]bool) *HealthHandler {
	return &HealthHandler{checks: checks, configured: configured}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	deps := fiber.Map{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = "degraded"
			deps[name] = err.Error()
			continue
		}
		deps[name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"dependencies": deps,
		"services":     h.configured,
	})
}
