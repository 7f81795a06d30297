package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/pkg/response"
)

// GatewayAuth reads the caller identity from the X-User-Id header set by
// the upstream gateway. No token is verified here.
func GatewayAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity header")
		}

		c.Locals("userId", userID)
		return c.Next()
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}
