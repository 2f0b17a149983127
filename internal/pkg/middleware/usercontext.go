package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

// RequestIDHeader carries the correlation id in and out.
const RequestIDHeader = "X-Request-ID"

// UserContextMiddleware seeds every request with an anonymous user context
// and a correlation id. Authentication middlewares fill in the user later.
func UserContextMiddleware(c *fiber.Ctx) error {
	requestID := strings.TrimSpace(c.Get(RequestIDHeader))
	if requestID == "" || len(requestID) > 64 {
		requestID = uuid.NewString()
	}
	c.Set(RequestIDHeader, requestID)

	usercontext.SetUserContext(c, usercontext.UserContext{RequestID: requestID})
	return c.Next()
}
