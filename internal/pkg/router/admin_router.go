package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/middleware"
)

// AdminRouter serves operator endpoints. Callers need an admin API key.
type AdminRouter struct {
	deps Dependencies
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	adminGroup := app.Group("/api/admin",
		middleware.APIKeyAuthMiddleware(h.deps.Repos.User),
		middleware.RequireAdmin,
	)
	adminGroup.Post("/sweeps", h.deps.Admin.HandleTriggerSweep)
	adminGroup.Get("/sweeps/last", h.deps.Admin.HandleLastSweep)
	adminGroup.Post("/accounts/:id/open", h.deps.Admin.HandleOpenAccount)
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}
