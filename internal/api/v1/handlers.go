package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/app/controllers"
)

// APIServer implements the ServerInterface by delegating to the controllers.
type APIServer struct {
	credits   *controllers.CreditsController
	billing   *controllers.BillingController
	transform *controllers.TransformController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(credits *controllers.CreditsController, billing *controllers.BillingController, transform *controllers.TransformController) *APIServer {
	return &APIServer{credits: credits, billing: billing, transform: transform}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

func (s *APIServer) GetCredits(c *fiber.Ctx) error {
	return s.credits.HandleGetBalance(c)
}

func (s *APIServer) GetCreditActivities(c *fiber.Ctx) error {
	return s.credits.HandleListActivities(c)
}

func (s *APIServer) PostBillingVerify(c *fiber.Ctx) error {
	return s.billing.HandleVerifyPayment(c)
}

func (s *APIServer) PostImageTransform(c *fiber.Ctx) error {
	return s.transform.HandleTransform(c)
}
