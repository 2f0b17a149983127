package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HttpRouter serves the routes outside the API groups: the payment
// processor webhook, health and metrics.
type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Stripe signs the raw body, so this route has no body-altering middleware.
	app.Post("/billing/stripe/webhook", h.deps.Billing.HandleStripeWebhook)

	if h.deps.Gatherer != nil {
		app.Get("/metrics/prometheus", adaptor.HTTPHandler(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
