package router

import (
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/middleware"
)

// Router installs one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies is everything the routers mount.
type Dependencies struct {
	Repos     *repository.Repositories
	Credits   *controllers.CreditsController
	Billing   *controllers.BillingController
	Transform *controllers.TransformController
	Admin     *controllers.AdminController

	// Spec enables request validation on /api/v1 when set.
	Spec *openapi3.T
	// Gatherer backs /metrics/prometheus when set.
	Gatherer prometheus.Gatherer

	// LimiterStorage shares the API rate limit across instances. Nil keeps
	// the counters in memory.
	LimiterStorage fiber.Storage
	LimiterMax     int
	LimiterWindow  time.Duration
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// The user context middleware runs first so every later middleware and
	// handler sees a request id.
	app.Use(middleware.UserContextMiddleware)
	setup(app, NewHttpRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
