package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/observability"
)

// Metrics records one HTTP request sample per response, labelled by the
// matched route pattern.
func Metrics(m *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		m.RecordHTTPRequest(c.UserContext(), c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}
