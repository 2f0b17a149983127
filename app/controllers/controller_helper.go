package controllers

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/paidop"
	"github.com/ManuelReschke/PixelForge/internal/pkg/sweeper"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// parseBody decodes and validates a request body. The returned error is
// safe to show to the caller.
func parseBody(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return errors.New("invalid request body")
	}
	return getValidator().Struct(dst)
}

func apiError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// errorStatus maps domain errors to a status code and a stable error code.
func errorStatus(err error) (int, string, bool) {
	var rateLimited *paidop.RateLimitError
	switch {
	case errors.As(err, &rateLimited):
		return fiber.StatusTooManyRequests, "rate_limited", true
	case errors.Is(err, credits.ErrInsufficientCredits):
		return fiber.StatusPaymentRequired, "insufficient_credits", true
	case errors.Is(err, credits.ErrAccountNotFound):
		return fiber.StatusNotFound, "account_not_found", true
	case errors.Is(err, credits.ErrAlreadySubscribed):
		return fiber.StatusConflict, "already_subscribed", true
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, paidop.ErrInvalidCost):
		return fiber.StatusBadRequest, "invalid_amount", true
	case errors.Is(err, billing.ErrInvalidSignature):
		return fiber.StatusBadRequest, "invalid_signature", true
	case errors.Is(err, billing.ErrInvalidPayload), errors.Is(err, billing.ErrInvalidEvent):
		return fiber.StatusBadRequest, "invalid_event", true
	case errors.Is(err, billing.ErrSessionOwnership):
		return fiber.StatusForbidden, "session_ownership", true
	case errors.Is(err, billing.ErrSessionNotFound):
		return fiber.StatusNotFound, "session_not_found", true
	case errors.Is(err, sweeper.ErrLockHeld):
		return fiber.StatusConflict, "sweep_in_progress", true
	case errors.Is(err, paidop.ErrOperationFailed):
		return fiber.StatusBadGateway, "operation_failed", false
	case errors.Is(err, billing.ErrProcessorUnavailable):
		return fiber.StatusServiceUnavailable, "processor_unavailable", false
	default:
		return fiber.StatusInternalServerError, "internal_server_error", false
	}
}

// respondError writes the JSON error for err. Expected outcomes are logged at
// info, everything else at error.
func respondError(c *fiber.Ctx, component string, err error) error {
	status, code, userFacing := errorStatus(err)
	userID := usercontext.GetUserID(c)
	requestID := usercontext.GetRequestID(c)
	if userFacing {
		log.Infof("[%s] %s %s: user=%d request=%s outcome=%s", component, c.Method(), c.Path(), userID, requestID, code)
	} else {
		log.Errorf("[%s] %s %s failed: user=%d request=%s err=%v", component, c.Method(), c.Path(), userID, requestID, err)
	}

	var rateLimited *paidop.RateLimitError
	if errors.As(err, &rateLimited) {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(rateLimited.RetryAfter/time.Second)))
	}

	message := err.Error()
	if !userFacing {
		message = "The request could not be completed, please retry"
	}
	return apiError(c, status, code, message)
}

// ClientIP returns the caller address, honoring proxy headers.
func ClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	return strings.TrimPrefix(c.IP(), "::ffff:")
}

func parseUintParam(c *fiber.Ctx, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
