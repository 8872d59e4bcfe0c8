package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/referral"
)

// HandleGetMyReferrals returns the caller's referral code and statistics,
// creating the code on first access.
func HandleGetMyReferrals(c *fiber.Ctx) error {
	svc := referral.NewService(database.GetDB())
	stats, err := svc.GetStats(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(stats)
}

// HandleGenerateReferralCode returns the caller's shareable code slot.
// Generation is idempotent: the same code is returned on every call.
func HandleGenerateReferralCode(c *fiber.Ctx) error {
	svc := referral.NewService(database.GetDB())
	code, err := svc.GetOrCreateCode(c.Context(), currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(code)
}

// HandleApplyReferralCode redeems a referral code for the caller. Both
// bonus grants commit atomically; a code can be redeemed by many users
// but each user can redeem only once.
func HandleApplyReferralCode(c *fiber.Ctx) error {
	code := strings.TrimSpace(c.Params("code"))
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "referral code is required"})
	}

	svc := referral.NewService(database.GetDB())
	result, err := svc.Redeem(c.Context(), code, currentUserID(c))
	if err != nil {
		return respondDomainError(c, err)
	}
	return c.JSON(result)
}
