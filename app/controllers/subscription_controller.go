package controllers

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"github.com/scanpilot/scanpilot/internal/pkg/billing"
	"github.com/scanpilot/scanpilot/internal/pkg/cache"
	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"github.com/scanpilot/scanpilot/internal/pkg/env"
)

const planListCacheKey = "plans:active"
const planListCacheTTL = 5 * time.Minute

// HandleGetPlans returns the active plan catalog. The catalog changes
// rarely, so it is served from cache when possible.
func HandleGetPlans(c *fiber.Ctx) error {
	if cached, err := cache.Get(planListCacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(cached)
	}

	plans, err := repository.GetGlobalRepositories().Plan.GetActive()
	if err != nil {
		return respondDomainError(c, err)
	}

	body, err := json.Marshal(fiber.Map{"plans": plans})
	if err != nil {
		return respondDomainError(c, err)
	}
	if err := cache.Set(planListCacheKey, string(body), planListCacheTTL); err != nil {
		log.Printf("plan list cache write failed: %v", err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(body)
}

// HandleGetMySubscription returns the caller's subscription with plan.
func HandleGetMySubscription(c *fiber.Ctx) error {
	engine := entitlements.NewEngine(database.GetDB())
	sub, err := engine.GetSubscription(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(sub)
}

type upgradeRequest struct {
	PlanName     string `json:"plan_name"`
	BillingCycle string `json:"billing_cycle"`
}

// HandleUpgradeSubscription opens a gateway checkout for a paid plan. The
// local subscription is not touched here; the plan switch happens when
// the gateway reports the completed checkout.
func HandleUpgradeSubscription(c *fiber.Ctx) error {
	var req upgradeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.PlanName = strings.ToLower(strings.TrimSpace(req.PlanName))
	if req.BillingCycle != models.BillingCycleYearly {
		req.BillingCycle = models.BillingCycleMonthly
	}

	db := database.GetDB()
	repos := repository.GetGlobalRepositories()
	plan, err := repos.Plan.GetByName(req.PlanName)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Plan not found"})
	}
	if plan.Name == models.PlanFree {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_operation", "message": "Cannot upgrade to free plan"})
	}

	engine := entitlements.NewEngine(db)
	sub, err := engine.GetSubscription(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	if sub.PlanID == plan.ID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_operation", "message": "Already subscribed to this plan"})
	}

	gateway := billing.NewStripeClientFromEnv()
	ctx, cancel := context.WithTimeout(c.Context(), 25*time.Second)
	defer cancel()

	customerID, err := ensureGatewayCustomer(ctx, gateway, sub, currentUserID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment_failed", "message": "Could not create payment customer"})
	}

	price := plan.PriceMonthly
	if req.BillingCycle == models.BillingCycleYearly {
		price = plan.PriceYearly
	}
	frontendURL := strings.TrimRight(env.GetEnv("FRONTEND_URL", "http://localhost:3000"), "/")

	checkout, err := gateway.CreateCheckoutSession(ctx, billing.CheckoutParams{
		CustomerID:   customerID,
		PlanName:     plan.Name,
		DisplayName:  plan.DisplayName,
		PriceCents:   int64(price * 100),
		BillingCycle: req.BillingCycle,
		UserID:       currentUserID(c),
		SuccessURL:   frontendURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:    frontendURL + "/billing/cancelled",
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment_failed", "message": "Could not create checkout session"})
	}

	return c.JSON(fiber.Map{
		"message":       "Checkout session created",
		"plan":          plan.DisplayName,
		"billing_cycle": req.BillingCycle,
		"checkout_url":  checkout.CheckoutURL,
		"session_id":    checkout.SessionID,
	})
}

// HandleDowngradeSubscription schedules a downgrade to free for the end
// of the current period. Credits stay spendable until then.
func HandleDowngradeSubscription(c *fiber.Ctx) error {
	db := database.GetDB()
	engine := entitlements.NewEngine(db)
	sub, err := engine.GetSubscription(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	if sub.Plan != nil && sub.Plan.Name == models.PlanFree {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_operation", "message": "Already on free plan"})
	}

	now := time.Now().UTC()
	if err := db.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":       models.SubscriptionStatusCancelled,
			"cancelled_at": now,
		}).Error; err != nil {
		return respondDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"message":        "Downgrade scheduled",
		"effective_date": formatTimePtr(sub.CurrentPeriodEnd),
		"new_plan":       models.PlanFree,
	})
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

// HandleCancelSubscription cancels the paid subscription. Immediate
// cancellation downgrades to the free plan and allowance right away; the
// default keeps the paid entitlement until the period ends.
func HandleCancelSubscription(c *fiber.Ctx) error {
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	db := database.GetDB()
	engine := entitlements.NewEngine(db)
	sub, err := engine.GetSubscription(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	if sub.Plan != nil && sub.Plan.Name == models.PlanFree {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_operation", "message": "Already on free plan"})
	}

	// Best effort: tell the gateway to stop billing. Local state is the
	// source of truth for entitlement either way.
	if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID != "" {
		gateway := billing.NewStripeClientFromEnv()
		ctx, cancel := context.WithTimeout(c.Context(), 25*time.Second)
		defer cancel()
		if err := gateway.CancelSubscription(ctx, *sub.StripeSubscriptionID, req.Immediate); err != nil {
			log.Printf("gateway cancel failed for subscription %d: %v", sub.ID, err)
		}
	}

	now := time.Now().UTC()
	if req.Immediate {
		freePlan, err := repository.GetGlobalRepositories().Plan.GetByName(models.PlanFree)
		if err != nil {
			return respondDomainError(c, err)
		}
		if err := db.Model(&models.Subscription{}).
			Where("id = ?", sub.ID).
			Updates(map[string]any{
				"plan_id":                freePlan.ID,
				"status":                 models.SubscriptionStatusActive,
				"billing_cycle":          nil,
				"stripe_subscription_id": nil,
				"cancelled_at":           now,
				"credits_remaining":      freePlan.CreditsPerMonth,
				"credits_rollover":       0,
			}).Error; err != nil {
			return respondDomainError(c, err)
		}
		return c.JSON(fiber.Map{
			"message":        "Subscription cancelled immediately",
			"new_plan":       models.PlanFree,
			"effective_date": now.Format(time.RFC3339),
		})
	}

	if err := db.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":       models.SubscriptionStatusCancelled,
			"cancelled_at": now,
		}).Error; err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(fiber.Map{
		"message":        "Subscription cancellation scheduled",
		"effective_date": formatTimePtr(sub.CurrentPeriodEnd),
		"access_until":   formatTimePtr(sub.CurrentPeriodEnd),
	})
}
