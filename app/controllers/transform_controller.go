package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/internal/pkg/paidop"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

// TransformController runs paid image transformations through the guard.
type TransformController struct {
	guard *paidop.Guard
	cost  int64
}

func NewTransformController(guard *paidop.Guard, cost int64) *TransformController {
	if cost <= 0 {
		cost = 1
	}
	return &TransformController{guard: guard, cost: cost}
}

type transformRequest struct {
	Operation string         `json:"operation" validate:"required,max=64"`
	SourceURL string         `json:"source_url" validate:"required,url"`
	Params    map[string]any `json:"params"`
}

// HandleTransform answers 402 when the balance cannot cover the operation
// and 502 when the backend failed. Failed work is never charged.
func (tc *TransformController) HandleTransform(c *fiber.Ctx) error {
	var req transformRequest
	if err := parseBody(c, &req); err != nil {
		return apiError(c, fiber.StatusBadRequest, "validation_failed", err.Error())
	}

	res, err := tc.guard.Run(c.UserContext(), usercontext.GetUserID(c), tc.cost, paidop.Input{
		Operation: req.Operation,
		SourceURL: req.SourceURL,
		Params:    req.Params,
		RequestID: usercontext.GetRequestID(c),
	})
	if err != nil {
		return respondError(c, "PaidOp", err)
	}
	return c.JSON(fiber.Map{
		"output":    res.Output,
		"charged":   res.Charged,
		"cost":      tc.cost,
		"remaining": res.Remaining,
	})
}
