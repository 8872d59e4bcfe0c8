package repository

import (
	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
)

// planRepository implements the PlanRepository interface
type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Create(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

func (r *planRepository) GetByID(id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) GetByName(name string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.Where("name = ?", name).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) GetActive() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.Where("is_active = ?", true).Order("id").Find(&plans).Error
	return plans, err
}

func (r *planRepository) Update(plan *models.Plan) error {
	return r.db.Save(plan).Error
}

// SubscriberCounts returns the number of subscriptions bound to each plan.
func (r *planRepository) SubscriberCounts() ([]PlanSubscriberCount, error) {
	var counts []PlanSubscriberCount
	err := r.db.Model(&models.Plan{}).
		Select("plans.name AS plan, plans.display_name AS display_name, COUNT(subscriptions.id) AS subscribers").
		Joins("LEFT JOIN subscriptions ON subscriptions.plan_id = plans.id").
		Group("plans.id, plans.name, plans.display_name").
		Order("plans.id").
		Scan(&counts).Error
	return counts, err
}
