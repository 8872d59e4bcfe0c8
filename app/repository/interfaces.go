package repository

import (
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	Update(user *models.User) error
	Count() (int64, error)
}

// PlanRepository defines the interface for plan catalog operations.
// Plan rows are reference data; Create/Update exist for the admin path only.
type PlanRepository interface {
	Create(plan *models.Plan) error
	GetByID(id uint) (*models.Plan, error)
	GetByName(name string) (*models.Plan, error)
	GetActive() ([]models.Plan, error)
	Update(plan *models.Plan) error
	SubscriberCounts() ([]PlanSubscriberCount, error)
}

// SubscriptionRepository defines the interface for subscription rows
type SubscriptionRepository interface {
	Create(sub *models.Subscription) error
	GetByUserID(userID uint) (*models.Subscription, error)
	GetWithPlanByUserID(userID uint) (*models.Subscription, error)
	Save(sub *models.Subscription) error
	Count() (int64, error)
}

// LedgerRepository defines the interface for the append-only credit ledger
type LedgerRepository interface {
	Append(tx *models.CreditTransaction) error
	ListByUserID(userID uint, limit, offset int) ([]models.CreditTransaction, error)
	SumUsageInPeriod(userID uint, start, end time.Time) (int64, error)
	TopOperationsInPeriod(userID uint, start, end time.Time, limit int) ([]OperationUsage, error)
}

// CreditCostRepository defines the interface for operation cost configuration
type CreditCostRepository interface {
	GetActiveByOperationType(operationType string) (*models.CreditCost, error)
	GetByOperationType(operationType string) (*models.CreditCost, error)
	List() ([]models.CreditCost, error)
	Upsert(cost *models.CreditCost) error
}

// ReferralRepository defines the interface for referral rows
type ReferralRepository interface {
	Create(referral *models.Referral) error
	GetCodeSlotByReferrerID(referrerID uint) (*models.Referral, error)
	GetByCode(code string) (*models.Referral, error)
	GetByRefereeID(refereeID uint) (*models.Referral, error)
	ListByReferrerID(referrerID uint) ([]models.Referral, error)
	Save(referral *models.Referral) error
	CodeExists(code string) (bool, error)
}

// DocumentRepository exposes the row counts the entitlement limit checks need
type DocumentRepository interface {
	GetByID(id uint) (*models.Document, error)
	CountByOwnerID(ownerID uint) (int64, error)
	CountCollaborators(documentID uint) (int64, error)
}

// OperationUsage aggregates ledger usage per metered operation type
type OperationUsage struct {
	Operation   string `json:"operation"`
	Count       int64  `json:"count"`
	CreditsUsed int64  `json:"credits_used"`
}

// PlanSubscriberCount pairs a plan with its subscriber count for analytics
type PlanSubscriberCount struct {
	Plan        string `json:"plan"`
	DisplayName string `json:"display_name"`
	Subscribers int64  `json:"subscribers"`
}

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Plan         PlanRepository
	Subscription SubscriptionRepository
	Ledger       LedgerRepository
	CreditCost   CreditCostRepository
	Referral     ReferralRepository
	Document     DocumentRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Plan:         NewPlanRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Ledger:       NewLedgerRepository(db),
		CreditCost:   NewCreditCostRepository(db),
		Referral:     NewReferralRepository(db),
		Document:     NewDocumentRepository(db),
	}
}
