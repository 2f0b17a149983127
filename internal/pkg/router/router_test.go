package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PixelForge/app/controllers"
	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/app/repository"
	apiv1 "github.com/ManuelReschke/PixelForge/internal/api/v1"
	"github.com/ManuelReschke/PixelForge/internal/pkg/billing"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/metrics"
	"github.com/ManuelReschke/PixelForge/internal/pkg/paidop"
	"github.com/ManuelReschke/PixelForge/internal/pkg/sweeper"
)

type stubProcessor struct {
	sessions map[string]*billing.Event
}

func (s *stubProcessor) ParseWebhook(payload []byte, signature string) (*billing.Event, error) {
	if signature != "valid" {
		return nil, billing.ErrInvalidSignature
	}
	return &billing.Event{ID: "evt_1", Type: "customer.created"}, nil
}

func (s *stubProcessor) RetrieveCheckoutSession(_ context.Context, sessionID string) (*billing.Event, error) {
	ev, ok := s.sessions[sessionID]
	if !ok {
		return nil, billing.ErrSessionNotFound
	}
	out := *ev
	return &out, nil
}

func (s *stubProcessor) RetrieveSubscriptionPeriod(context.Context, string) (billing.Period, error) {
	return billing.Period{}, billing.ErrProcessorUnavailable
}

type stubPerformer struct{}

func (stubPerformer) Perform(_ context.Context, in paidop.Input) (*paidop.Output, error) {
	return &paidop.Output{Success: true, ResultURL: "https://cdn.example.com/" + in.Operation + ".png"}, nil
}

type testApp struct {
	app     *fiber.App
	credits *credits.Service
	keys    map[string]string
	ids     map[string]uint
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.BillingAccount{}, &models.BillingPlan{}, &models.BillingWebhookEvent{}))

	ta := &testApp{keys: map[string]string{}, ids: map[string]uint{}}
	repos := repository.NewRepositories(db)
	for _, u := range []models.User{
		{Name: "alice", Email: "alice@example.com", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE},
		{Name: "carol", Email: "carol@example.com", Role: models.ROLE_USER, Status: models.STATUS_ACTIVE},
		{Name: "bob", Email: "bob@example.com", Role: models.ROLE_USER, Status: models.STATUS_DISABLED},
		{Name: "root", Email: "root@example.com", Role: models.ROLE_ADMIN, Status: models.STATUS_ACTIVE},
	} {
		user := u
		key, err := user.IssueAPIKey()
		require.NoError(t, err)
		require.NoError(t, repos.User.Create(&user))
		ta.keys[user.Name] = key
		ta.ids[user.Name] = user.ID
	}

	reg := prometheus.NewRegistry()
	rec, err := metrics.NewRecorder("pixelforge", reg)
	require.NoError(t, err)

	svc := credits.NewService(credits.NewMemoryStore(), credits.WithMetrics(rec))
	ta.credits = svc
	_, err = svc.OpenAccount(context.Background(), ta.ids["alice"], 10)
	require.NoError(t, err)
	_, err = svc.OpenAccount(context.Background(), ta.ids["carol"], 0)
	require.NoError(t, err)

	proc := &stubProcessor{sessions: map[string]*billing.Event{
		"cs_pending": {ID: "cs_pending", Type: billing.EventCheckoutCompleted, Key: "cs_pending", UserID: ta.ids["alice"], Credits: 50, Kind: models.PlanKindOneTime},
		"cs_paid":    {ID: "cs_paid", Type: billing.EventCheckoutCompleted, Key: "cs_paid", UserID: ta.ids["alice"], Credits: 100, Kind: models.PlanKindOneTime, Paid: true},
	}}
	reconciler := billing.NewReconciler(svc, billing.NewRepository(db), proc, billing.WithMetrics(rec))
	scheduler := sweeper.NewScheduler(sweeper.New(svc, sweeper.WithMetrics(rec)))

	spec, err := apiv1.LoadSpec("../../../docs/v1/openapi.yml")
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Repos:     repos,
		Credits:   controllers.NewCreditsController(svc),
		Billing:   controllers.NewBillingController(reconciler),
		Transform: controllers.NewTransformController(paidop.NewGuard(svc, stubPerformer{}, nil), 3),
		Admin:     controllers.NewAdminController(repos, svc, scheduler, 25),
		Spec:      spec,
		Gatherer:  reg,
	})
	ta.app = app
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, user string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-API-Key", ta.keys[user])
	}
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestAPI_Authentication(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, "GET", "/api/v1/ping", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "pong", body["ping"])

	status, _ = ta.do(t, "GET", "/api/v1/credits", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = ta.do(t, "GET", "/api/v1/credits", "bob", nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body = ta.do(t, "GET", "/api/v1/credits", "alice", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(10), body["total_credits"])
	assert.Equal(t, "none", body["subscription_status"])

	status, _ = ta.do(t, "GET", "/api/v1/credits", "root", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestAPI_VerifyPayment(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, "POST", "/api/v1/billing/verify", "alice", map[string]string{"session_id": "cs_pending"})
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "pending", body["outcome"])

	status, body = ta.do(t, "POST", "/api/v1/billing/verify", "alice", map[string]string{"session_id": "cs_paid"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "applied", body["outcome"])

	status, body = ta.do(t, "POST", "/api/v1/billing/verify", "alice", map[string]string{"session_id": "cs_paid"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "duplicate", body["outcome"])

	_, body = ta.do(t, "GET", "/api/v1/credits", "alice", nil)
	assert.Equal(t, float64(110), body["total_credits"])

	status, _ = ta.do(t, "POST", "/api/v1/billing/verify", "carol", map[string]string{"session_id": "cs_paid"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = ta.do(t, "POST", "/api/v1/billing/verify", "alice", map[string]string{"session_id": "cs_nope"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = ta.do(t, "POST", "/api/v1/billing/verify", "alice", map[string]string{})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation_failed", body["error"])
}

func TestAPI_TransformChargesOnlyWithCredits(t *testing.T) {
	ta := newTestApp(t)
	req := map[string]interface{}{"operation": "upscale", "source_url": "https://example.com/a.png"}

	status, body := ta.do(t, "POST", "/api/v1/images/transform", "carol", req)
	assert.Equal(t, fiber.StatusPaymentRequired, status)
	assert.Equal(t, "insufficient_credits", body["error"])

	status, body = ta.do(t, "POST", "/api/v1/images/transform", "alice", req)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["charged"])
	assert.Equal(t, float64(7), body["remaining"])

	status, body = ta.do(t, "GET", "/api/v1/credits/activities?page=1&per_page=10", "alice", nil)
	assert.Equal(t, fiber.StatusOK, status)
	items, ok := body["items"].([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 2)

	status, _ = ta.do(t, "GET", "/api/v1/credits/activities?per_page=1000", "alice", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestAdminRoutes(t *testing.T) {
	ta := newTestApp(t)

	status, _ := ta.do(t, "POST", "/api/admin/sweeps", "alice", nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = ta.do(t, "GET", "/api/admin/sweeps/last", "root", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body := ta.do(t, "POST", "/api/admin/sweeps", "root", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(0), body["failed"])

	status, _ = ta.do(t, "GET", "/api/admin/sweeps/last", "root", nil)
	assert.Equal(t, fiber.StatusOK, status)

	path := fmt.Sprintf("/api/admin/accounts/%d/open", ta.ids["bob"])
	status, body = ta.do(t, "POST", path, "root", nil)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, float64(25), body["permanent_credits"])

	status, body = ta.do(t, "POST", path, "root", nil)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, float64(25), body["permanent_credits"])

	status, _ = ta.do(t, "POST", "/api/admin/accounts/9999/open", "root", nil)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestWebhookAndMetrics(t *testing.T) {
	ta := newTestApp(t)

	req := httptest.NewRequest("POST", "/billing/stripe/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "forged")
	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest("POST", "/billing/stripe/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "valid")
	resp, err = ta.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = ta.app.Test(httptest.NewRequest("GET", "/metrics/prometheus", nil), -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "pixelforge_ledger_operations_total")
	assert.Contains(t, string(raw), "pixelforge_reconciler_events_total")
}
