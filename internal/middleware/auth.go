package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/auth"
	"github.com/reelcraft/api/pkg/response"
)

const localCallerID = "callerId"

// AuthMiddleware authenticates calling services by bearer token.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // shared-secret service tokens
}

// NewAuthMiddleware accepts JWKS-verified tokens and, when jwtSecret is
// set, HS256 service tokens. Either may be absent.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c.Get("Authorization"))
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}

		if m.verifier != nil {
			claims, err := m.verifier.Validate(tokenString)
			if err == nil {
				c.Locals(localCallerID, claims.CallerID())
				return c.Next()
			}
			if m.jwtSecret == "" {
				return response.Unauthorized(c, "Invalid or expired token")
			}
		}

		if m.jwtSecret != "" {
			claims, err := auth.ValidateServiceToken(tokenString, m.jwtSecret)
			if err != nil {
				return response.Unauthorized(c, "Invalid or expired token")
			}
			c.Locals(localCallerID, claims.Service)
			return c.Next()
		}

		return response.Unauthorized(c, "Authentication not configured")
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetCallerID returns the authenticated caller, or "".
func GetCallerID(c *fiber.Ctx) string {
	if id, ok := c.Locals(localCallerID).(string); ok {
		return id
	}
	return ""
}
