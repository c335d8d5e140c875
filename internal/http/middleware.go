package http

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// identityHeader carries the verified caller identity set by the
// authenticating proxy in front of this service. Authentication itself
// happens upstream; by the time a request reaches these handlers the
// identity is trusted.
const identityHeader = "X-Forwarded-User"

// identityMiddleware extracts the caller identity for /v1 routes.
// Requests without one are rejected so jobs always have an owner.
func identityMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get(identityHeader))
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"code":    "UNAUTHENTICATED",
				"error":   "caller identity is not available for this request",
			})
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}

func callerID(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
