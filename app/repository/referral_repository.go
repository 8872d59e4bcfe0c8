package repository

import (
	"strings"

	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
)

// referralRepository implements the ReferralRepository interface
type referralRepository struct {
	db *gorm.DB
}

// NewReferralRepository creates a new referral repository instance
func NewReferralRepository(db *gorm.DB) ReferralRepository {
	return &referralRepository{db: db}
}

func (r *referralRepository) Create(referral *models.Referral) error {
	return r.db.Create(referral).Error
}

// GetCodeSlotByReferrerID returns the user's own shareable-code row, the
// one with no referee bound.
func (r *referralRepository) GetCodeSlotByReferrerID(referrerID uint) (*models.Referral, error) {
	var referral models.Referral
	err := r.db.Where("referrer_id = ? AND referee_id IS NULL", referrerID).First(&referral).Error
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

// GetByCode looks up the shareable-code row case-insensitively. Codes are
// stored uppercase.
func (r *referralRepository) GetByCode(code string) (*models.Referral, error) {
	var referral models.Referral
	err := r.db.Where("referral_code = ? AND referee_id IS NULL", strings.ToUpper(strings.TrimSpace(code))).
		First(&referral).Error
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

func (r *referralRepository) GetByRefereeID(refereeID uint) (*models.Referral, error) {
	var referral models.Referral
	err := r.db.Where("referee_id = ?", refereeID).First(&referral).Error
	if err != nil {
		return nil, err
	}
	return &referral, nil
}

func (r *referralRepository) ListByReferrerID(referrerID uint) ([]models.Referral, error) {
	var referrals []models.Referral
	err := r.db.Where("referrer_id = ?", referrerID).Order("created_at").Find(&referrals).Error
	return referrals, err
}

func (r *referralRepository) Save(referral *models.Referral) error {
	return r.db.Save(referral).Error
}

func (r *referralRepository) CodeExists(code string) (bool, error) {
	var count int64
	err := r.db.Model(&models.Referral{}).
		Where("referral_code = ?", strings.ToUpper(strings.TrimSpace(code))).
		Count(&count).Error
	return count > 0, err
}
