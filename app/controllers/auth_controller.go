package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"github.com/scanpilot/scanpilot/internal/pkg/usercontext"
)

type registerRequest struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister creates an account and returns its API key. The raw key
// is shown exactly once; only its hash is stored.
func HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	user, err := models.CreateUser(strings.TrimSpace(req.FullName), strings.ToLower(strings.TrimSpace(req.Email)), req.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	rawKey, err := user.IssueAPIKey()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not issue API key"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	if _, err := repo.GetByEmail(user.Email); err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": "Email already registered"})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Registration failed"})
	}
	if err := repo.Create(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Registration failed"})
	}

	// Provision the free subscription eagerly so the first balance read
	// does not pay the setup cost.
	engine := entitlements.NewEngine(database.GetDB())
	if _, err := engine.GetBalance(c.Context(), user.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Subscription setup failed"})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":      user.ID,
		"email":   user.Email,
		"api_key": rawKey,
		"message": "Store the API key now; it cannot be retrieved again",
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleLogin verifies credentials and rotates the account's API key.
func HandleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}

	repo := repository.GetGlobalFactory().GetUserRepository()
	user, err := repo.GetByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !user.CheckPassword(req.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid credentials"})
	}
	if user.Status != models.STATUS_ACTIVE {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
	}

	rawKey, err := user.IssueAPIKey()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not issue API key"})
	}
	now := time.Now()
	user.LastLoginAt = &now
	if err := repo.Update(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Login failed"})
	}

	return c.JSON(fiber.Map{
		"id":      user.ID,
		"email":   user.Email,
		"api_key": rawKey,
	})
}

// HandleGetAccount returns account information for the authenticated user.
func HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	repo := repository.GetGlobalFactory().GetUserRepository()
	account, err := repo.GetByID(userCtx.UserID)
	if err != nil {
		return respondDomainError(c, err)
	}

	engine := entitlements.NewEngine(database.GetDB())
	sub, err := engine.GetSubscription(c.Context(), userCtx.UserID)
	if err != nil {
		return respondDomainError(c, err)
	}

	resp := fiber.Map{
		"id":             account.ID,
		"full_name":      account.FullName,
		"email":          account.Email,
		"status":         account.Status,
		"is_admin":       account.Role == models.ROLE_ADMIN,
		"created_at":     account.CreatedAt.UTC().Format(time.RFC3339),
		"last_login_at":  formatTimePtr(account.LastLoginAt),
		"api_key_prefix": account.APIKeyPrefix,
		"subscription": fiber.Map{
			"status":            sub.Status,
			"credits_remaining": sub.CreditsRemaining,
			"credits_rollover":  sub.CreditsRollover,
			"period_end":        formatTimePtr(sub.CurrentPeriodEnd),
		},
	}
	if sub.Plan != nil {
		resp["plan"] = sub.Plan.Name
	}
	return c.JSON(resp)
}
