package repository

import (
	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// creditCostRepository implements the CreditCostRepository interface
type creditCostRepository struct {
	db *gorm.DB
}

// NewCreditCostRepository creates a new credit cost repository instance
func NewCreditCostRepository(db *gorm.DB) CreditCostRepository {
	return &creditCostRepository{db: db}
}

// GetActiveByOperationType resolves the honored cost row for an operation.
// Inactive rows are treated the same as missing rows.
func (r *creditCostRepository) GetActiveByOperationType(operationType string) (*models.CreditCost, error) {
	var cost models.CreditCost
	err := r.db.Where("operation_type = ? AND is_active = ?", operationType, true).First(&cost).Error
	if err != nil {
		return nil, err
	}
	return &cost, nil
}

func (r *creditCostRepository) GetByOperationType(operationType string) (*models.CreditCost, error) {
	var cost models.CreditCost
	err := r.db.Where("operation_type = ?", operationType).First(&cost).Error
	if err != nil {
		return nil, err
	}
	return &cost, nil
}

func (r *creditCostRepository) List() ([]models.CreditCost, error) {
	var costs []models.CreditCost
	err := r.db.Order("operation_type").Find(&costs).Error
	return costs, err
}

// Upsert creates or updates the cost row keyed on operation_type.
func (r *creditCostRepository) Upsert(cost *models.CreditCost) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "operation_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cost",
			"description",
			"is_active",
			"updated_at",
		}),
	}).Create(cost).Error; err != nil {
		return err
	}

	return r.db.Where("operation_type = ?", cost.OperationType).First(cost).Error
}
