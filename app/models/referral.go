package models

import "time"

const (
	ReferralStatusPending   = "pending"
	ReferralStatusCompleted = "completed"
	ReferralStatusRewarded  = "rewarded"
)

// Referral rows serve two purposes: a user's own shareable code is the row
// with RefereeID nil, and each successful redemption creates a new row
// scoped to one referee. The unique index on RefereeID makes "at most one
// redemption per user" a database guarantee; code-slot rows are unaffected
// because NULL values never collide in a unique index.
type Referral struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	ReferrerID   uint       `gorm:"not null;index" json:"referrer_id"`
	RefereeID    *uint      `gorm:"default:null;uniqueIndex:uq_referrals_referee_id" json:"referee_id,omitempty"`
	ReferralCode string     `gorm:"type:varchar(16);not null;index" json:"referral_code"`
	Status       string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	BonusCredits int        `gorm:"not null;default:0" json:"bonus_credits"`
	CompletedAt  *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// IsCodeSlot reports whether this row is the referrer's shareable code
// rather than a redemption record.
func (r *Referral) IsCodeSlot() bool {
	return r.RefereeID == nil
}
