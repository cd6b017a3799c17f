package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/auth"
)

// AuthHandler answers the API gateway's ForwardAuth subrequest.
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Verify handles GET /auth/verify. 200 with X-Caller-Id on success,
// 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	tokenString := parts[1]

	if h.verifier != nil {
		if claims, err := h.verifier.Validate(tokenString); err == nil {
			c.Set("X-Caller-Id", claims.CallerID())
			return c.SendStatus(fiber.StatusOK)
		}
	}
	if h.jwtSecret != "" {
		if claims, err := auth.ValidateServiceToken(tokenString, h.jwtSecret); err == nil {
			c.Set("X-Caller-Id", claims.Service)
			return c.SendStatus(fiber.StatusOK)
		}
	}
	return c.SendStatus(fiber.StatusUnauthorized)
}
