package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reward policy. The referrer earns roughly a month of pro usage; the
// referee gets a smaller welcome bonus.
const (
	RefereeBonusCredits  = 50
	ReferrerBonusCredits = 500
)

const (
	codeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeTries = 10
)

// Service issues referral codes and applies the two-sided reward exactly
// once per referee.
type Service struct {
	db     *gorm.DB
	repos  *repository.Repositories
	engine *entitlements.Engine
}

// NewService creates a referral service from a GORM DB handle.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, repos: repository.NewRepositories(db), engine: entitlements.NewEngine(db)}
}

// Stats summarizes a user's referral activity.
type Stats struct {
	ReferralCode        string `json:"referral_code"`
	TotalReferrals      int    `json:"total_referrals"`
	SuccessfulReferrals int    `json:"successful_referrals"`
	PendingReferrals    int    `json:"pending_referrals"`
	TotalCreditsEarned  int    `json:"total_credits_earned"`
}

// GetOrCreateCode returns the user's shareable code row, generating a
// fresh collision-checked code when the user has none yet.
func (s *Service) GetOrCreateCode(ctx context.Context, userID uint) (*models.Referral, error) {
	existing, err := s.repos.Referral.GetCodeSlotByReferrerID(userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	for i := 0; i < maxCodeTries; i++ {
		code, err := generateCode(codeLength)
		if err != nil {
			return nil, err
		}
		taken, err := s.repos.Referral.CodeExists(code)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}
		referral := &models.Referral{
			ReferrerID:   userID,
			ReferralCode: code,
			Status:       models.ReferralStatusPending,
		}
		if err := s.repos.Referral.Create(referral); err != nil {
			return nil, err
		}
		return referral, nil
	}
	return nil, errors.New("referral code generation exhausted retries")
}

// GetStats returns the referral summary for a user, creating the code row
// on first access.
func (s *Service) GetStats(ctx context.Context, userID uint) (*Stats, error) {
	codeSlot, err := s.GetOrCreateCode(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := s.repos.Referral.ListByReferrerID(userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ReferralCode: codeSlot.ReferralCode}
	for _, r := range all {
		if r.RefereeID != nil {
			stats.TotalReferrals++
		}
		switch r.Status {
		case models.ReferralStatusRewarded:
			if r.RefereeID != nil {
				stats.SuccessfulReferrals++
				// The row records the referee's welcome bonus; the viewer of
				// these stats is the referrer, so report their side.
				stats.TotalCreditsEarned += ReferrerBonusCredits
			}
		case models.ReferralStatusPending, models.ReferralStatusCompleted:
			if r.RefereeID != nil {
				stats.PendingReferrals++
			}
		}
	}
	return stats, nil
}

// RedeemResult reports the grants applied by a successful redemption.
type RedeemResult struct {
	CreditsAwarded int `json:"credits_awarded"`
	ReferrerBonus  int `json:"referrer_bonus"`
}

// Redeem applies code for redeemer: a new referral row scoped to the
// pair, the referee bonus, the referrer bonus, and both status flips
// commit as one transaction — a half-applied reward is never observable.
func (s *Service) Redeem(ctx context.Context, code string, redeemerID uint) (*RedeemResult, error) {
	codeSlot, err := s.repos.Referral.GetByCode(code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &entitlements.NotFoundError{Resource: "referral code", ID: code}
		}
		return nil, err
	}

	if codeSlot.ReferrerID == redeemerID {
		return nil, &entitlements.InvalidOperationError{Reason: "cannot redeem your own referral code"}
	}

	// Fast path: reject a repeat redeemer before provisioning anything.
	// The unique referee index below is the authoritative guard.
	if _, err := s.repos.Referral.GetByRefereeID(redeemerID); err == nil {
		return nil, &entitlements.InvalidOperationError{Reason: "a referral code was already redeemed for this account"}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Both parties need a subscription row before the grants can apply.
	if _, err := s.engine.GetBalance(ctx, redeemerID); err != nil {
		return nil, err
	}
	if _, err := s.engine.GetBalance(ctx, codeSlot.ReferrerID); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check inside the transaction with the code row locked so two
		// concurrent redemptions by the same user cannot both pass.
		var locked models.Referral
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&locked, codeSlot.ID).Error; err != nil {
			return err
		}

		var prior models.Referral
		err := tx.Where("referee_id = ?", redeemerID).First(&prior).Error
		if err == nil {
			return &entitlements.InvalidOperationError{Reason: "a referral code was already redeemed for this account"}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		redemption := models.Referral{
			ReferrerID:   locked.ReferrerID,
			RefereeID:    &redeemerID,
			ReferralCode: locked.ReferralCode,
			Status:       models.ReferralStatusCompleted,
			BonusCredits: RefereeBonusCredits,
			CompletedAt:  &now,
		}
		if err := tx.Create(&redemption).Error; err != nil {
			// Two concurrent redemptions with different codes lock different
			// code rows, so only the unique referee index can stop the second
			// one. Its violation rolls the whole grant back.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return &entitlements.InvalidOperationError{Reason: "a referral code was already redeemed for this account"}
			}
			return err
		}

		if err := entitlements.GrantInTx(tx, redeemerID, RefereeBonusCredits,
			models.TransactionTypeBonus,
			"Referral bonus from code "+locked.ReferralCode,
			models.TransactionMetadata{"referral_code": locked.ReferralCode, "type": "referee_bonus"},
		); err != nil {
			return err
		}

		if err := entitlements.GrantInTx(tx, locked.ReferrerID, ReferrerBonusCredits,
			models.TransactionTypeBonus,
			"Referral reward for a completed signup",
			models.TransactionMetadata{"referee_id": redeemerID, "type": "referrer_bonus"},
		); err != nil {
			return err
		}

		locked.Status = models.ReferralStatusRewarded
		if err := tx.Save(&locked).Error; err != nil {
			return err
		}
		redemption.Status = models.ReferralStatusRewarded
		return tx.Save(&redemption).Error
	})
	if err != nil {
		return nil, err
	}

	return &RedeemResult{CreditsAwarded: RefereeBonusCredits, ReferrerBonus: ReferrerBonusCredits}, nil
}

func generateCode(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}
