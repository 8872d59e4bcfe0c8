package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/internal/pkg/billing"
	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"github.com/scanpilot/scanpilot/internal/pkg/env"
)

// Credit packs are sold in fixed bundles.
const (
	creditPackSize     = 50
	creditPackPriceUSD = 5
)

// HandleGetCreditBalance returns the spendable balance for the caller.
func HandleGetCreditBalance(c *fiber.Ctx) error {
	engine := entitlements.NewEngine(database.GetDB())
	balance, err := engine.GetBalance(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(balance)
}

// HandleListCreditTransactions returns the caller's ledger, newest first.
func HandleListCreditTransactions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	engine := entitlements.NewEngine(database.GetDB())
	transactions, err := engine.ListTransactions(c.Context(), currentUserID(c), limit, offset)
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(fiber.Map{"transactions": transactions, "limit": limit, "offset": offset})
}

// HandleGetUsageStats returns current-period consumption statistics.
func HandleGetUsageStats(c *fiber.Ctx) error {
	engine := entitlements.NewEngine(database.GetDB())
	stats, err := engine.GetUsageStats(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(stats)
}

type consumeCreditsRequest struct {
	OperationType string                     `json:"operation_type"`
	Amount        *int                       `json:"amount"`
	Metadata      models.TransactionMetadata `json:"metadata"`
}

// HandleConsumeCredits debits credits for a metered operation.
func HandleConsumeCredits(c *fiber.Ctx) error {
	var req consumeCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.OperationType = strings.TrimSpace(req.OperationType)
	if req.OperationType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "operation_type is required"})
	}
	if req.Amount != nil && *req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "amount must be positive"})
	}

	engine := entitlements.NewEngine(database.GetDB())
	result, err := engine.Consume(c.Context(), currentUserID(c), req.OperationType, req.Amount, req.Metadata)
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(result)
}

type purchaseCreditsRequest struct {
	Amount int `json:"amount"`
}

// HandlePurchaseCredits opens a payment for one or more credit packs. The
// credits are granted only when the gateway confirms the payment via
// webhook, never here.
func HandlePurchaseCredits(c *fiber.Ctx) error {
	var req purchaseCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.Amount < 1 || req.Amount > 100 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "amount must be between 1 and 100 packs"})
	}

	totalCredits := req.Amount * creditPackSize
	totalCents := int64(req.Amount) * creditPackPriceUSD * 100

	db := database.GetDB()
	engine := entitlements.NewEngine(db)
	sub, err := engine.GetSubscription(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}

	gateway := billing.NewStripeClientFromEnv()
	ctx, cancel := context.WithTimeout(c.Context(), 25*time.Second)
	defer cancel()

	customerID, err := ensureGatewayCustomer(ctx, gateway, sub, currentUserID(c))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment_failed", "message": "Could not create payment customer"})
	}

	intent, err := gateway.CreatePaymentIntent(ctx, customerID, totalCents, totalCredits)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "payment_failed", "message": "Could not create payment"})
	}

	return c.JSON(fiber.Map{
		"message":         "Payment intent created",
		"credits_to_add":  totalCredits,
		"total_price":     float64(totalCents) / 100,
		"client_secret":   intent.ClientSecret,
		"publishable_key": env.GetEnv("STRIPE_PUBLISHABLE_KEY", ""),
	})
}

// ensureGatewayCustomer returns the stored gateway customer id, creating
// and persisting one first if the user never paid before. The id is only
// stored after the gateway call succeeded.
func ensureGatewayCustomer(ctx context.Context, gateway billing.Gateway, sub *models.Subscription, userID uint) (string, error) {
	if sub.StripeCustomerID != nil && *sub.StripeCustomerID != "" {
		return *sub.StripeCustomerID, nil
	}

	db := database.GetDB()
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return "", err
	}

	customer, err := gateway.CreateCustomer(ctx, user.Email, user.FullName, userID)
	if err != nil {
		return "", err
	}
	if err := db.Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("stripe_customer_id", customer.ID).Error; err != nil {
		return "", err
	}
	sub.StripeCustomerID = &customer.ID
	return customer.ID, nil
}
