package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
	"github.com/ManuelReschke/PixelForge/internal/pkg/middleware"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	if h.deps.Spec != nil {
		validator, err := apiv1.RequestValidator(h.deps.Spec)
		if err != nil {
			log.Errorf("[Router] OpenAPI request validation disabled: %v", err)
		} else {
			v1.Use(validator)
		}
	}

	apiServer := apiv1.NewAPIServer(h.deps.Credits, h.deps.Billing, h.deps.Transform)
	apiv1.RegisterHandlers(v1, apiServer,
		middleware.APIKeyAuthMiddleware(h.deps.Repos.User),
		h.rateLimiter(),
	)
}

// rateLimiter limits per authenticated user, falling back to the client
// address.
func (h ApiRouter) rateLimiter() fiber.Handler {
	max := h.deps.LimiterMax
	if max <= 0 {
		max = 120
	}
	window := h.deps.LimiterWindow
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := usercontext.GetUserID(c); userID != 0 {
				return "user:" + strconv.FormatUint(uint64(userID), 10)
			}
			return "ip:" + controllers.ClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited", "message": "Too many requests"})
		},
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
