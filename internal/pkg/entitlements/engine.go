package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Engine validates and applies every credit mutation and plan-limit check.
// All mutating operations run as a single transaction that locks the
// subscription row for the duration of the read-modify-write, so two
// concurrent debits can never both observe the same balance.
type Engine struct {
	db    *gorm.DB
	repos *repository.Repositories
}

// NewEngine creates an entitlement engine from a GORM DB handle.
func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, repos: repository.NewRepositories(db)}
}

// Balance is the spendable-credit snapshot returned to callers.
type Balance struct {
	CreditsRemaining int        `json:"credits_remaining"`
	CreditsRollover  int        `json:"credits_rollover"`
	TotalCredits     int        `json:"total_credits"`
	PlanAllowance    int        `json:"plan_credits_per_month"`
	NextRenewal      *time.Time `json:"next_renewal_date,omitempty"`
}

// ConsumeResult reports the outcome of a successful consumption.
type ConsumeResult struct {
	CreditsConsumed  int  `json:"credits_consumed"`
	CreditsRemaining int  `json:"credits_remaining"`
	Unmetered        bool `json:"unmetered"`
}

// UsageStats summarizes the current billing period for a user.
type UsageStats struct {
	CurrentPeriodStart    time.Time                   `json:"current_period_start"`
	CurrentPeriodEnd      time.Time                   `json:"current_period_end"`
	CreditsUsed           int64                       `json:"credits_used"`
	CreditsRemaining      int                         `json:"credits_remaining"`
	TotalCreditsAllocated int                         `json:"total_credits_allocated"`
	UsagePercentage       float64                     `json:"usage_percentage"`
	TopOperations         []repository.OperationUsage `json:"top_operations"`
}

// GetBalance returns the current balance, lazily provisioning a free
// subscription if the user has none. Provisioning is the only mutation on
// this read path and is idempotent: the unique user_id index is the
// serialization point for concurrent first reads.
func (e *Engine) GetBalance(ctx context.Context, userID uint) (*Balance, error) {
	sub, plan, err := e.getOrProvision(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		CreditsRemaining: sub.CreditsRemaining,
		CreditsRollover:  sub.CreditsRollover,
		TotalCredits:     sub.TotalCredits(),
		PlanAllowance:    plan.CreditsPerMonth,
		NextRenewal:      sub.CurrentPeriodEnd,
	}, nil
}

// GetSubscription returns the user's subscription with its plan loaded,
// provisioning a free subscription on first access.
func (e *Engine) GetSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	sub, plan, err := e.getOrProvision(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub.Plan = plan
	return sub, nil
}

func (e *Engine) getOrProvision(ctx context.Context, userID uint) (*models.Subscription, *models.Plan, error) {
	db := e.db.WithContext(ctx)

	var sub models.Subscription
	err := db.Where("user_id = ?", userID).First(&sub).Error
	if err == nil {
		var plan models.Plan
		if err := db.First(&plan, sub.PlanID).Error; err != nil {
			return nil, nil, err
		}
		return &sub, &plan, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	var freePlan models.Plan
	if err := db.Where("name = ?", models.PlanFree).First(&freePlan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &ConfigurationError{Detail: "free plan is not initialized"}
		}
		return nil, nil, err
	}

	fresh := models.Subscription{
		UserID:           userID,
		PlanID:           freePlan.ID,
		Status:           models.SubscriptionStatusActive,
		CreditsRemaining: freePlan.CreditsPerMonth,
	}
	if freePlan.HasUnlimitedCredits() {
		fresh.CreditsRemaining = 0
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&fresh)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent request provisioned first; use its row.
			return nil
		}
		return tx.Create(&models.CreditTransaction{
			UserID:         userID,
			SubscriptionID: fresh.ID,
			Amount:         fresh.CreditsRemaining,
			Type:           models.TransactionTypeSignup,
			Description:    "Free plan signup allowance",
			Metadata:       models.TransactionMetadata{"plan": freePlan.Name},
		}).Error
	})
	if err != nil {
		return nil, nil, err
	}

	if err := db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, nil, err
	}
	if sub.PlanID != freePlan.ID {
		var plan models.Plan
		if err := db.First(&plan, sub.PlanID).Error; err != nil {
			return nil, nil, err
		}
		return &sub, &plan, nil
	}
	return &sub, &freePlan, nil
}

// Consume resolves the cost for operationType (or uses amountOverride when
// non-nil), verifies the balance, and debits rollover credits before the
// current allowance. The balance mutation and the usage ledger entry
// commit as one atomic unit; on any error no mutation is visible. Credits
// are not refunded if the gated action later fails — callers wanting
// refund-on-failure must issue a refund-type Grant themselves.
func (e *Engine) Consume(ctx context.Context, userID uint, operationType string, amountOverride *int, metadata models.TransactionMetadata) (*ConsumeResult, error) {
	cost := 0
	if amountOverride != nil {
		cost = *amountOverride
	} else {
		cc, err := e.repos.CreditCost.GetActiveByOperationType(operationType)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, &ConfigurationError{Detail: "no active credit cost for operation: " + operationType}
			}
			return nil, err
		}
		cost = cc.Cost
	}
	if cost < 0 {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("negative credit cost %d for operation %s", cost, operationType)}
	}

	if metadata == nil {
		metadata = models.TransactionMetadata{}
	}
	metadata["operation_type"] = operationType

	var result ConsumeResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &NotFoundError{Resource: "subscription for user", ID: userID}
			}
			return err
		}

		var plan models.Plan
		if err := tx.First(&plan, sub.PlanID).Error; err != nil {
			return err
		}

		// Unlimited plans are not metered: no deduction, no ledger entry.
		if plan.HasUnlimitedCredits() {
			result = ConsumeResult{CreditsConsumed: 0, CreditsRemaining: sub.TotalCredits(), Unmetered: true}
			return nil
		}

		if available := sub.TotalCredits(); available < cost {
			return &InsufficientCreditsError{Required: cost, Available: available}
		}
		sub.Deduct(cost)
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}

		entry := models.CreditTransaction{
			UserID:         userID,
			SubscriptionID: sub.ID,
			Amount:         -cost,
			Type:           models.TransactionTypeUsage,
			Description:    operationType + " operation",
			Metadata:       metadata,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		result = ConsumeResult{CreditsConsumed: cost, CreditsRemaining: sub.TotalCredits()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Grant adds credits to the user's current-period allowance and appends a
// matching positive ledger entry in one transaction. Used by admin grants,
// referral rewards, renewals and one-time purchases.
func (e *Engine) Grant(ctx context.Context, userID uint, amount int, txType, description string, metadata models.TransactionMetadata) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return GrantInTx(tx, userID, amount, txType, description, metadata)
	})
}

// GrantInTx applies a credit grant inside an existing transaction so
// callers can compose it atomically with their own mutations (referral
// rewards grant both parties in one commit).
func GrantInTx(tx *gorm.DB, userID uint, amount int, txType, description string, metadata models.TransactionMetadata) error {
	if amount <= 0 {
		return &InvalidOperationError{Reason: fmt.Sprintf("grant amount must be positive, got %d", amount)}
	}

	var sub models.Subscription
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Resource: "subscription for user", ID: userID}
		}
		return err
	}

	sub.CreditsRemaining += amount
	if err := tx.Save(&sub).Error; err != nil {
		return err
	}

	return tx.Create(&models.CreditTransaction{
		UserID:         userID,
		SubscriptionID: sub.ID,
		Amount:         amount,
		Type:           txType,
		Description:    description,
		Metadata:       metadata,
	}).Error
}

// CheckDocumentLimit fails with QuotaExceededError when the owner has
// reached the plan's document ceiling. Pure check, no mutation.
func (e *Engine) CheckDocumentLimit(ctx context.Context, ownerID uint) error {
	_, plan, err := e.getOrProvision(ctx, ownerID)
	if err != nil {
		return err
	}
	if plan.DocumentsUnlimited() {
		return nil
	}
	count, err := e.repos.Document.CountByOwnerID(ownerID)
	if err != nil {
		return err
	}
	if count >= int64(plan.MaxDocuments) {
		return &QuotaExceededError{Resource: "document", Current: count, Limit: int64(plan.MaxDocuments)}
	}
	return nil
}

// CheckCollaboratorLimit enforces the ceiling of the document owner's
// plan, not the invoking collaborator's.
func (e *Engine) CheckCollaboratorLimit(ctx context.Context, documentID uint) error {
	doc, err := e.repos.Document.GetByID(documentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Resource: "document", ID: documentID}
		}
		return err
	}
	_, plan, err := e.getOrProvision(ctx, doc.OwnerID)
	if err != nil {
		return err
	}
	if plan.MaxCollaborators == models.UnlimitedValue {
		return nil
	}
	count, err := e.repos.Document.CountCollaborators(documentID)
	if err != nil {
		return err
	}
	if count >= int64(plan.MaxCollaborators) {
		return &QuotaExceededError{Resource: "collaborator", Current: count, Limit: int64(plan.MaxCollaborators)}
	}
	return nil
}

// CheckFileSizeLimit verifies an upload fits the user's plan ceiling.
func (e *Engine) CheckFileSizeLimit(ctx context.Context, userID uint, sizeBytes int64) error {
	_, plan, err := e.getOrProvision(ctx, userID)
	if err != nil {
		return err
	}
	if plan.MaxFileSizeMB == models.UnlimitedValue {
		return nil
	}
	sizeMB := sizeBytes / (1024 * 1024)
	if sizeBytes%(1024*1024) != 0 {
		sizeMB++
	}
	if sizeMB > int64(plan.MaxFileSizeMB) {
		return &QuotaExceededError{Resource: "file size (MB)", Current: sizeMB, Limit: int64(plan.MaxFileSizeMB)}
	}
	return nil
}

// RequireFeature fails when the user's plan does not enable the feature.
func (e *Engine) RequireFeature(ctx context.Context, userID uint, feature string) error {
	_, plan, err := e.getOrProvision(ctx, userID)
	if err != nil {
		return err
	}
	if !plan.HasFeature(feature) {
		return &InvalidOperationError{Reason: fmt.Sprintf("feature %q is not available on the %s plan", feature, plan.Name)}
	}
	return nil
}

// ListTransactions returns the user's ledger entries, newest first.
func (e *Engine) ListTransactions(ctx context.Context, userID uint, limit, offset int) ([]models.CreditTransaction, error) {
	_ = ctx
	return e.repos.Ledger.ListByUserID(userID, limit, offset)
}

// GetUsageStats aggregates the current billing period: credits spent,
// consumption percentage, and the operations that spent the most.
func (e *Engine) GetUsageStats(ctx context.Context, userID uint) (*UsageStats, error) {
	sub, plan, err := e.getOrProvision(ctx, userID)
	if err != nil {
		return nil, err
	}

	periodStart := sub.CreatedAt
	if sub.CurrentPeriodStart != nil {
		periodStart = *sub.CurrentPeriodStart
	}
	periodEnd := time.Now().UTC()
	if sub.CurrentPeriodEnd != nil {
		periodEnd = *sub.CurrentPeriodEnd
	}

	used, err := e.repos.Ledger.SumUsageInPeriod(userID, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}
	topOps, err := e.repos.Ledger.TopOperationsInPeriod(userID, periodStart, periodEnd, 5)
	if err != nil {
		return nil, err
	}

	allocated := plan.CreditsPerMonth + sub.CreditsRollover
	pct := 0.0
	if allocated > 0 {
		pct = float64(used) / float64(allocated) * 100
		pct = float64(int(pct*100)) / 100
	}

	return &UsageStats{
		CurrentPeriodStart:    periodStart,
		CurrentPeriodEnd:      periodEnd,
		CreditsUsed:           used,
		CreditsRemaining:      sub.CreditsRemaining,
		TotalCreditsAllocated: allocated,
		UsagePercentage:       pct,
		TopOperations:         topOps,
	}, nil
}
