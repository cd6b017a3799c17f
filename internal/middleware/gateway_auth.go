package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/pkg/response"
)

// GatewayAuthMiddleware trusts the X-Caller-Id header set by the API
// gateway's ForwardAuth hop.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		callerID := c.Get("X-Caller-Id")
		if callerID == "" {
			return response.Unauthorized(c, "Missing caller identity header")
		}
		c.Locals(localCallerID, callerID)
		return c.Next()
	}
}
