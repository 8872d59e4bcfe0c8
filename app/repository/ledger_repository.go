package repository

import (
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
)

// ledgerRepository implements the LedgerRepository interface
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new ledger repository instance
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{db: db}
}

// Append inserts a ledger entry. Entries are immutable; there is no update
// or delete path on this repository.
func (r *ledgerRepository) Append(tx *models.CreditTransaction) error {
	return r.db.Create(tx).Error
}

func (r *ledgerRepository) ListByUserID(userID uint, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var entries []models.CreditTransaction
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, err
}

// SumUsageInPeriod returns the absolute number of credits consumed by
// usage entries between start and end.
func (r *ledgerRepository) SumUsageInPeriod(userID uint, start, end time.Time) (int64, error) {
	var total *int64
	err := r.db.Model(&models.CreditTransaction{}).
		Select("SUM(amount)").
		Where("user_id = ? AND transaction_type = ? AND created_at >= ? AND created_at <= ?",
			userID, models.TransactionTypeUsage, start, end).
		Scan(&total).Error
	if err != nil || total == nil {
		return 0, err
	}
	if *total < 0 {
		return -*total, nil
	}
	return *total, nil
}

// TopOperationsInPeriod groups usage entries between start and end by the
// operation_type key in the JSON metadata and orders them by credits spent.
func (r *ledgerRepository) TopOperationsInPeriod(userID uint, start, end time.Time, limit int) ([]OperationUsage, error) {
	if limit <= 0 {
		limit = 5
	}
	var usage []OperationUsage
	err := r.db.Model(&models.CreditTransaction{}).
		Select("COALESCE(metadata->>'$.operation_type', 'unknown') AS operation, COUNT(*) AS count, SUM(ABS(amount)) AS credits_used").
		Where("user_id = ? AND transaction_type = ? AND created_at >= ? AND created_at <= ?",
			userID, models.TransactionTypeUsage, start, end).
		Group("operation").
		Order("credits_used DESC").
		Limit(limit).
		Scan(&usage).Error
	return usage, err
}
