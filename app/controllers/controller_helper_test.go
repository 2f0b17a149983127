package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/paidop"
	"github.com/ManuelReschke/PixelForge/internal/pkg/sweeper"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		code       string
		userFacing bool
	}{
		{&paidop.RateLimitError{RetryAfter: time.Second}, fiber.StatusTooManyRequests, "rate_limited", true},
		{fmt.Errorf("debit: %w", credits.ErrInsufficientCredits), fiber.StatusPaymentRequired, "insufficient_credits", true},
		{credits.ErrAccountNotFound, fiber.StatusNotFound, "account_not_found", true},
		{credits.ErrAlreadySubscribed, fiber.StatusConflict, "already_subscribed", true},
		{paidop.ErrInvalidCost, fiber.StatusBadRequest, "invalid_amount", true},
		{billing.ErrInvalidSignature, fiber.StatusBadRequest, "invalid_signature", true},
		{billing.ErrSessionOwnership, fiber.StatusForbidden, "session_ownership", true},
		{sweeper.ErrLockHeld, fiber.StatusConflict, "sweep_in_progress", true},
		{paidop.ErrOperationFailed, fiber.StatusBadGateway, "operation_failed", false},
		{billing.ErrProcessorUnavailable, fiber.StatusServiceUnavailable, "processor_unavailable", false},
		{fmt.Errorf("%w: customer cus_1", billing.ErrUnknownUser), fiber.StatusInternalServerError, "internal_server_error", false},
		{errors.New("boom"), fiber.StatusInternalServerError, "internal_server_error", false},
	}
	for _, tt := range tests {
		status, code, userFacing := errorStatus(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.userFacing, userFacing, tt.err.Error())
	}
}

func TestRespondError_HidesInternalDetails(t *testing.T) {
	app := fiber.New()
	app.Get("/internal", func(c *fiber.Ctx) error {
		return respondError(c, "Test", errors.New("dial tcp 10.0.0.5:3306: connection refused"))
	})
	app.Get("/limited", func(c *fiber.Ctx) error {
		return respondError(c, "Test", &paidop.RateLimitError{RetryAfter: 42 * time.Second})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/internal", nil), -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "10.0.0.5")

	resp, err = app.Test(httptest.NewRequest("GET", "/limited", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "42", resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestClientIP(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(ClientIP(c)) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(fiber.HeaderXForwardedFor, "203.0.113.7, 10.0.0.1")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "203.0.113.7", string(body))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("CF-Connecting-IP", "198.51.100.2")
	req.Header.Set(fiber.HeaderXForwardedFor, "203.0.113.7")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, "198.51.100.2", string(body))
}
