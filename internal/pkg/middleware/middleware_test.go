package middleware

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

type fakeUsers struct {
	byHash map[string]*models.User
	err    error
}

func (f *fakeUsers) Create(*models.User) error               { return nil }
func (f *fakeUsers) GetByID(uint) (*models.User, error)      { return nil, gorm.ErrRecordNotFound }
func (f *fakeUsers) GetByEmail(string) (*models.User, error) { return nil, gorm.ErrRecordNotFound }
func (f *fakeUsers) Update(*models.User) error               { return nil }
func (f *fakeUsers) GetByAPIKeyHash(hash string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if u, ok := f.byHash[hash]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func newAuthApp(users *fakeUsers) *fiber.App {
	app := fiber.New()
	app.Use(UserContextMiddleware)
	app.Get("/me", APIKeyAuthMiddleware(users), func(c *fiber.Ctx) error {
		return c.JSON(usercontext.GetUserContext(c))
	})
	app.Get("/admin", APIKeyAuthMiddleware(users), RequireAdmin, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	users := &fakeUsers{byHash: map[string]*models.User{
		models.HashAPIKey("pxf_active"):   {ID: 1, Name: "alice", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE},
		models.HashAPIKey("pxf_disabled"): {ID: 2, Name: "bob", Role: models.ROLE_USER, Status: models.STATUS_DISABLED},
		models.HashAPIKey("pxf_admin"):    {ID: 3, Name: "root", Role: models.ROLE_ADMIN, Status: models.STATUS_ACTIVE},
	}}
	app := newAuthApp(users)

	call := func(path string, headers map[string]string) (int, string) {
		req := httptest.NewRequest("GET", path, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, _ := call("/me", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = call("/me", map[string]string{"X-API-Key": "pxf_unknown"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = call("/me", map[string]string{"X-API-Key": "pxf_disabled"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := call("/me", map[string]string{"Authorization": "Bearer pxf_active"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, `"user_id":1`)
	assert.Contains(t, body, `"is_logged_in":true`)

	status, _ = call("/admin", map[string]string{"X-API-Key": "pxf_active"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = call("/admin", map[string]string{"X-API-Key": "pxf_admin"})
	assert.Equal(t, fiber.StatusNoContent, status)

	users.err = errors.New("db down")
	status, _ = call("/me", map[string]string{"X-API-Key": "pxf_active"})
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestUserContextMiddleware_RequestID(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware)
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(usercontext.GetRequestID(c)) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "req-123", string(body))
	assert.Equal(t, "req-123", resp.Header.Get(RequestIDHeader))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 100))
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Len(t, string(body), 36)
	assert.Equal(t, string(body), resp.Header.Get(RequestIDHeader))
}
