package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelForge/app/models"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/usercontext"
)

// CreditsController serves the balance and the activity log of the caller.
type CreditsController struct {
	credits *credits.Service
	now     func() time.Time
}

func NewCreditsController(svc *credits.Service) *CreditsController {
	return &CreditsController{credits: svc, now: time.Now}
}

// BalanceResponse is the public shape of a credit account.
type BalanceResponse struct {
	UserID                uint       `json:"user_id"`
	TotalCredits          int64      `json:"total_credits"`
	PermanentCredits      int64      `json:"permanent_credits"`
	SubscriptionCredits   int64      `json:"subscription_credits"`
	SubscriptionStatus    string     `json:"subscription_status"`
	SubscriptionPlan      string     `json:"subscription_plan,omitempty"`
	SubscriptionStartDate *time.Time `json:"subscription_start_date,omitempty"`
	SubscriptionEndDate   *time.Time `json:"subscription_end_date,omitempty"`
	HasActiveSubscription bool       `json:"has_active_subscription"`
}

func newBalanceResponse(acct *models.CreditAccount, now time.Time) BalanceResponse {
	return BalanceResponse{
		UserID:                acct.UserID,
		TotalCredits:          acct.TotalCredits(),
		PermanentCredits:      acct.PermanentCredits,
		SubscriptionCredits:   acct.SubscriptionCredits,
		SubscriptionStatus:    acct.SubscriptionStatus,
		SubscriptionPlan:      acct.PlanName(),
		SubscriptionStartDate: acct.SubscriptionStartDate,
		SubscriptionEndDate:   acct.SubscriptionEndDate,
		HasActiveSubscription: acct.HasActiveSubscription(now),
	}
}

// HandleGetBalance returns the balance of the authenticated user.
func (cc *CreditsController) HandleGetBalance(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	acct, err := cc.credits.Balance(c.UserContext(), userID)
	if err != nil {
		return respondError(c, "Credits", err)
	}
	return c.JSON(newBalanceResponse(acct, cc.now()))
}

// HandleListActivities returns one page of the activity log, newest first.
func (cc *CreditsController) HandleListActivities(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	page := c.QueryInt("page", 1)
	perPage := c.QueryInt("per_page", 20)

	result, err := cc.credits.Activities(c.UserContext(), userID, page, perPage)
	if err != nil {
		return respondError(c, "Credits", err)
	}
	return c.JSON(result)
}
