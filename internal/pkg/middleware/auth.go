package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

// RequireAdmin ensures an authenticated admin and answers with JSON otherwise.
// It must run after APIKeyAuthMiddleware.
func RequireAdmin(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	if !userCtx.IsAdmin {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "forbidden",
			"message": "admin role required",
		})
	}
	return c.Next()
}
