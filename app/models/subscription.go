package models

import "time"

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusTrial     = "trial"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusPastDue   = "past_due"
)

const (
	BillingCycleMonthly = "monthly"
	BillingCycleYearly  = "yearly"
)

// Subscription binds a user to a plan and carries the spendable credit
// balance for the current billing period. Exactly one row exists per user;
// cancellation is a status transition, never a row deletion.
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"uniqueIndex;not null" json:"user_id"`
	PlanID             uint       `gorm:"not null;index" json:"plan_id"`
	Plan               *Plan      `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	Status             string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	BillingCycle       *string    `gorm:"type:varchar(16);default:null" json:"billing_cycle,omitempty"`
	CreditsRemaining   int        `gorm:"not null;default:0" json:"credits_remaining"`
	CreditsRollover    int        `gorm:"not null;default:0" json:"credits_rollover"`
	TrialEndsAt        *time.Time `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	StripeCustomerID   *string    `gorm:"type:varchar(191);default:null;index" json:"-"`
	StripeSubscriptionID *string  `gorm:"type:varchar(191);default:null;index" json:"-"`
	CancelledAt        *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TotalCredits is the spendable balance: current allowance plus rollover.
func (s *Subscription) TotalCredits() int {
	return s.CreditsRemaining + s.CreditsRollover
}

// Deduct consumes amount from the balance, rollover credits first. The
// caller must have verified TotalCredits() >= amount; Deduct reports false
// and leaves the balance untouched otherwise.
func (s *Subscription) Deduct(amount int) bool {
	if amount < 0 || s.TotalCredits() < amount {
		return false
	}
	if s.CreditsRollover >= amount {
		s.CreditsRollover -= amount
		return true
	}
	remainder := amount - s.CreditsRollover
	s.CreditsRollover = 0
	s.CreditsRemaining -= remainder
	return true
}

// IsEntitling reports whether the status still grants plan benefits.
func (s *Subscription) IsEntitling() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrial, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
