package apiv1

import "github.com/gofiber/fiber/v2"

// Pong is the body of GET /ping.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations of docs/v1/openapi.yml.
type ServerInterface interface {
	// (GET /ping)
	GetPing(c *fiber.Ctx) error
	// (GET /credits)
	GetCredits(c *fiber.Ctx) error
	// (GET /credits/activities)
	GetCreditActivities(c *fiber.Ctx) error
	// (POST /billing/verify)
	PostBillingVerify(c *fiber.Ctx) error
	// (POST /images/transform)
	PostImageTransform(c *fiber.Ctx) error
}

// RegisterHandlers mounts the operations on router. Everything except ping
// goes through the given middlewares.
func RegisterHandlers(router fiber.Router, si ServerInterface, protected ...fiber.Handler) {
	router.Get("/ping", si.GetPing)

	handlers := func(h fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, protected...), h)
	}
	router.Get("/credits", handlers(si.GetCredits)...)
	router.Get("/credits/activities", handlers(si.GetCreditActivities)...)
	router.Post("/billing/verify", handlers(si.PostBillingVerify)...)
	router.Post("/images/transform", handlers(si.PostImageTransform)...)
}
