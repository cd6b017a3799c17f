package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/pkg/response"
)

// AdminKey guards operator endpoints with a static key sent as X-Admin-Key.
// An empty key disables the routes entirely.
func AdminKey(key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key == "" {
			return response.Forbidden(c, "Admin API disabled")
		}
		got := c.Get("X-Admin-Key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return response.Unauthorized(c, "Invalid admin key")
		}
		return c.Next()
	}
}
