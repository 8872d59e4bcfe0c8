package controllers

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"github.com/scanpilot/scanpilot/internal/pkg/cache"
	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"github.com/scanpilot/scanpilot/internal/pkg/usercontext"
)

const analyticsCacheKey = "admin:analytics"
const analyticsCacheTTL = 60 * time.Second

type grantCreditsRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

// HandleAdminGrantCredits adds credits to a user's balance with an
// auditable bonus entry naming the granting admin.
func HandleAdminGrantCredits(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid user id"})
	}

	var req grantCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.Amount < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "amount must be positive"})
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Manual grant by admin"
	}

	engine := entitlements.NewEngine(database.GetDB())
	if err := engine.Grant(c.Context(), uint(userID), req.Amount,
		models.TransactionTypeBonus, reason,
		models.TransactionMetadata{"granted_by": usercontext.GetUserID(c)},
	); err != nil {
		return respondDomainError(c, err)
	}

	balance, err := engine.GetBalance(c.Context(), uint(userID))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":     "Credits granted",
		"user_id":     userID,
		"amount":      req.Amount,
		"new_balance": balance.TotalCredits,
	})
}

// HandleAdminAnalytics returns subscriber counts per plan plus totals.
// Results are cached briefly; the numbers drive dashboards, not billing.
func HandleAdminAnalytics(c *fiber.Ctx) error {
	if cached, err := cache.Get(analyticsCacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(cached)
	}

	repos := repository.GetGlobalRepositories()
	planStats, err := repos.Plan.SubscriberCounts()
	if err != nil {
		return respondDomainError(c, err)
	}
	totalUsers, err := repos.User.Count()
	if err != nil {
		return respondDomainError(c, err)
	}
	totalSubs, err := repos.Subscription.Count()
	if err != nil {
		return respondDomainError(c, err)
	}

	body, err := json.Marshal(fiber.Map{
		"total_users":           totalUsers,
		"total_subscriptions":   totalSubs,
		"subscriptions_by_plan": planStats,
	})
	if err != nil {
		return respondDomainError(c, err)
	}
	if err := cache.Set(analyticsCacheKey, string(body), analyticsCacheTTL); err != nil {
		log.Printf("analytics cache write failed: %v", err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// HandleAdminListCreditCosts returns every operation price row.
func HandleAdminListCreditCosts(c *fiber.Ctx) error {
	costs, err := repository.GetGlobalRepositories().CreditCost.List()
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(fiber.Map{"credit_costs": costs})
}

// HandleAdminGetCreditCost returns the price row for one operation.
func HandleAdminGetCreditCost(c *fiber.Ctx) error {
	operationType := strings.TrimSpace(c.Params("operation_type"))
	cost, err := repository.GetGlobalRepositories().CreditCost.GetByOperationType(operationType)
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(cost)
}

type creditCostUpdateRequest struct {
	Cost        int     `json:"cost"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// HandleAdminUpdateCreditCost updates the price for an operation. Takes
// effect on the next consumption; in-flight debits keep their price.
func HandleAdminUpdateCreditCost(c *fiber.Ctx) error {
	operationType := strings.TrimSpace(c.Params("operation_type"))

	var req creditCostUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.Cost < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "cost must not be negative"})
	}

	repo := repository.GetGlobalRepositories().CreditCost
	cost, err := repo.GetByOperationType(operationType)
	if err != nil {
		return respondDomainError(c, err)
	}

	cost.Cost = req.Cost
	if req.Description != nil {
		cost.Description = *req.Description
	}
	if req.IsActive != nil {
		cost.IsActive = *req.IsActive
	}
	if err := repo.Upsert(cost); err != nil {
		return respondDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Credit cost updated for " + operationType,
		"cost":    cost,
	})
}
