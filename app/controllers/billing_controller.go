package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

// BillingController exposes the two delivery paths of payment events.
type BillingController struct {
	reconciler *billing.Reconciler
}

func NewBillingController(r *billing.Reconciler) *BillingController {
	return &BillingController{reconciler: r}
}

// HandleStripeWebhook verifies and applies a Stripe webhook. Stripe retries
// every non-2xx answer, so only transient failures return 5xx.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	// The signature covers the exact bytes, so the body is copied before
	// fasthttp reuses the buffer.
	payload := append([]byte(nil), c.Body()...)
	signature := c.Get("Stripe-Signature")

	res, err := bc.reconciler.HandleWebhook(c.UserContext(), payload, signature)
	if err != nil {
		return respondError(c, "Billing", err)
	}
	return c.JSON(fiber.Map{
		"ok":        true,
		"outcome":   res.Outcome,
		"duplicate": res.Outcome == billing.OutcomeDuplicate,
		"ignored":   res.Outcome == billing.OutcomeIgnored,
	})
}

type verifyPaymentRequest struct {
	SessionID string `json:"session_id" validate:"required,max=255"`
}

// HandleVerifyPayment is the synchronous path polled by the client after
// checkout. 202 means the processor has not confirmed the payment yet.
func (bc *BillingController) HandleVerifyPayment(c *fiber.Ctx) error {
	var req verifyPaymentRequest
	if err := parseBody(c, &req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}

	res, err := bc.reconciler.VerifyPayment(c.UserContext(), usercontext.GetUserID(c), req.SessionID)
	if err != nil {
		return respondError(c, "Billing", err)
	}
	status := fiber.StatusOK
	if res.Outcome == billing.OutcomePending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}
