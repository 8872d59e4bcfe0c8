package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanTeam       = "team"
	PlanEnterprise = "enterprise"
)

// UnlimitedValue marks a plan limit or allowance as unmetered.
const UnlimitedValue = -1

// FeatureFlags is a string->bool map stored as JSON on the plan row.
type FeatureFlags map[string]bool

func (f FeatureFlags) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	return string(b), err
}

func (f *FeatureFlags) Scan(value interface{}) error {
	if value == nil {
		*f = FeatureFlags{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for FeatureFlags")
	}
	if len(raw) == 0 {
		*f = FeatureFlags{}
		return nil
	}
	return json.Unmarshal(raw, f)
}

// Plan is a subscription tier with its credit allowance and limits.
// Rows are reference data; only the admin path may modify them. A limit of
// -1 means unlimited.
type Plan struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	Name            string       `gorm:"type:varchar(50);uniqueIndex;not null" json:"name" validate:"required,min=2,max=50"`
	DisplayName     string       `gorm:"type:varchar(100);not null" json:"display_name" validate:"required,max=100"`
	PriceMonthly    float64      `gorm:"type:decimal(10,2);not null;default:0" json:"price_monthly"`
	PriceYearly     float64      `gorm:"type:decimal(10,2);not null;default:0" json:"price_yearly"`
	CreditsPerMonth int          `gorm:"not null;default:0" json:"credits_per_month"`
	RolloverLimit   int          `gorm:"not null;default:0" json:"rollover_limit"`
	MaxCollaborators int         `gorm:"not null;default:0" json:"max_collaborators"`
	MaxFileSizeMB   int          `gorm:"not null;default:10" json:"max_file_size_mb"`
	MaxDocuments    int          `gorm:"not null;default:-1" json:"max_documents"`
	Features        FeatureFlags `gorm:"type:json" json:"features"`
	IsActive        bool         `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasUnlimitedCredits reports whether the plan is unmetered.
func (p *Plan) HasUnlimitedCredits() bool {
	return p.CreditsPerMonth == UnlimitedValue
}

// HasFeature reports whether a feature flag is present and enabled.
func (p *Plan) HasFeature(name string) bool {
	return p.Features != nil && p.Features[name]
}

// DocumentsUnlimited reports whether the plan caps document count.
func (p *Plan) DocumentsUnlimited() bool {
	return p.MaxDocuments == UnlimitedValue
}
