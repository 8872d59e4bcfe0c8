package controllers

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"github.com/scanpilot/scanpilot/internal/pkg/usercontext"
)

// currentUserID returns the authenticated user id, or 0 when anonymous.
func currentUserID(c *fiber.Ctx) uint {
	return usercontext.GetUserID(c)
}

// respondDomainError maps the entitlement error taxonomy onto HTTP statuses.
// 402 signals a spendable-balance problem, 429 a plan-quota ceiling; both
// carry the structured detail the frontend needs to render an upgrade
// prompt.
func respondDomainError(c *fiber.Ctx, err error) error {
	var notFound *entitlements.NotFoundError
	if errors.As(err, &notFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": notFound.Error(),
		})
	}

	var insufficient *entitlements.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":             "insufficient_credits",
			"message":           insufficient.Error(),
			"required_credits":  insufficient.Required,
			"available_credits": insufficient.Available,
		})
	}

	var quota *entitlements.QuotaExceededError
	if errors.As(err, &quota) {
		status := fiber.StatusTooManyRequests
		if quota.Resource == "file size (MB)" {
			status = fiber.StatusRequestEntityTooLarge
		}
		return c.Status(status).JSON(fiber.Map{
			"error":    "quota_exceeded",
			"message":  quota.Error(),
			"resource": quota.Resource,
			"current":  quota.Current,
			"limit":    quota.Limit,
		})
	}

	var invalid *entitlements.InvalidOperationError
	if errors.As(err, &invalid) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_operation",
			"message": invalid.Error(),
		})
	}

	var config *entitlements.ConfigurationError
	if errors.As(err, &config) {
		log.Printf("configuration error: %v", config)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Service misconfiguration",
		})
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "not_found",
			"message": "Resource not found",
		})
	}

	log.Printf("unhandled error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "internal_server_error",
		"message": "Unexpected error",
	})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
