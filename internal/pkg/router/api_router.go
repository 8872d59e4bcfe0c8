package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/scanpilot/scanpilot/app/controllers"
	"github.com/scanpilot/scanpilot/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Gateway retries must never be rate limited, so webhooks live
	// outside the /api group.
	app.Post("/webhooks/stripe", controllers.HandleStripeWebhook)

	api := app.Group("/api", limiter.New())
	v1 := api.Group("/v1")

	// Public surface
	v1.Post("/auth/register", controllers.HandleRegister)
	v1.Post("/auth/login", controllers.HandleLogin)
	v1.Get("/subscriptions/plans", controllers.HandleGetPlans)

	// Authenticated surface
	auth := v1.Group("", middleware.APIKeyAuthMiddleware(), middleware.RequireAuth)
	auth.Get("/account", controllers.HandleGetAccount)

	subs := auth.Group("/subscriptions")
	subs.Get("/me", controllers.HandleGetMySubscription)
	subs.Get("/credits", controllers.HandleGetCreditBalance)
	subs.Post("/upgrade", controllers.HandleUpgradeSubscription)
	subs.Post("/downgrade", controllers.HandleDowngradeSubscription)
	subs.Post("/cancel", controllers.HandleCancelSubscription)

	credits := auth.Group("/credits")
	credits.Get("/balance", controllers.HandleGetCreditBalance)
	credits.Get("/transactions", controllers.HandleListCreditTransactions)
	credits.Get("/usage-stats", controllers.HandleGetUsageStats)
	credits.Post("/consume", controllers.HandleConsumeCredits)
	credits.Post("/purchase", controllers.HandlePurchaseCredits)

	referrals := auth.Group("/referrals")
	referrals.Get("/me", controllers.HandleGetMyReferrals)
	referrals.Post("/generate-code", controllers.HandleGenerateReferralCode)
	referrals.Post("/apply/:code", controllers.HandleApplyReferralCode)

	documents := auth.Group("/documents")
	documents.Post("/", controllers.HandleCreateDocument)
	documents.Post("/:id/collaborators", controllers.HandleAddCollaborator)
	documents.Post("/:id/analyze", controllers.HandleAnalyzeDocument)
	documents.Post("/:id/suggestions", controllers.HandleAISuggestion)

	auth.Post("/uploads", controllers.HandleUploadFile)

	admin := auth.Group("/admin", middleware.RequireAdmin)
	admin.Post("/users/:id/grant-credits", controllers.HandleAdminGrantCredits)
	admin.Get("/analytics", controllers.HandleAdminAnalytics)
	admin.Get("/credit-costs", controllers.HandleAdminListCreditCosts)
	admin.Get("/credit-costs/:operation_type", controllers.HandleAdminGetCreditCost)
	admin.Put("/credit-costs/:operation_type", controllers.HandleAdminUpdateCreditCost)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
