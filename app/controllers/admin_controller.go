package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PixelForge/app/repository"
	"github.com/ManuelReschke/PixelForge/internal/pkg/credits"
	"github.com/ManuelReschke/PixelForge/internal/pkg/sweeper"
)

// AdminController handles operator requests.
type AdminController struct {
	repos     *repository.Repositories
	credits   *credits.Service
	scheduler *sweeper.Scheduler
	bonus     int64
}

// NewAdminController creates a new admin controller. bonus is the
// registration bonus granted when an account is opened.
func NewAdminController(repos *repository.Repositories, svc *credits.Service, scheduler *sweeper.Scheduler, bonus int64) *AdminController {
	return &AdminController{repos: repos, credits: svc, scheduler: scheduler, bonus: bonus}
}

// HandleTriggerSweep runs the expiry sweep now and returns its report.
func (ac *AdminController) HandleTriggerSweep(c *fiber.Ctx) error {
	report, err := ac.scheduler.Trigger(c.UserContext())
	if err != nil {
		return respondError(c, "Admin", err)
	}
	return c.JSON(report)
}

// HandleLastSweep returns the report of the last completed sweep.
func (ac *AdminController) HandleLastSweep(c *fiber.Ctx) error {
	report := ac.scheduler.LastReport()
	if report == nil {
		return apiError(c, fiber.StatusNotFound, "not_found", "No sweep has completed yet")
	}
	return c.JSON(report)
}

// HandleOpenAccount opens the credit balance of an existing user with the
// registration bonus. Opening twice returns the existing balance.
func (ac *AdminController) HandleOpenAccount(c *fiber.Ctx) error {
	userID, ok := parseUintParam(c, "id")
	if !ok {
		return apiError(c, fiber.StatusBadRequest, "bad_request", "Invalid user id")
	}

	if _, err := ac.repos.User.GetByID(userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apiError(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		return respondError(c, "Admin", err)
	}

	acct, err := ac.credits.OpenAccount(c.UserContext(), userID, ac.bonus)
	if err != nil {
		return respondError(c, "Admin", err)
	}
	return c.Status(fiber.StatusCreated).JSON(newBalanceResponse(acct, time.Now()))
}
