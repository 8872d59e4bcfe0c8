package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000&_txlock=immediate",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.CreditTransaction{},
		&models.Referral{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	free := models.Plan{Name: models.PlanFree, DisplayName: "Free", CreditsPerMonth: 20, IsActive: true}
	if err := db.Create(&free).Error; err != nil {
		t.Fatalf("seed free plan: %v", err)
	}
	return db
}

func balanceOf(t *testing.T, db *gorm.DB, userID uint) int {
	t.Helper()
	var sub models.Subscription
	if err := db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription for user %d: %v", userID, err)
	}
	return sub.TotalCredits()
}

func TestGetOrCreateCodeIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	first, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}
	if len(first.ReferralCode) != codeLength {
		t.Fatalf("expected %d-char code, got %q", codeLength, first.ReferralCode)
	}
	if !first.IsCodeSlot() {
		t.Fatalf("code slot must have no referee: %+v", first)
	}

	second, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("second GetOrCreateCode: %v", err)
	}
	if second.ReferralCode != first.ReferralCode {
		t.Fatalf("code changed between calls: %q vs %q", first.ReferralCode, second.ReferralCode)
	}

	var count int64
	db.Model(&models.Referral{}).Where("referrer_id = ?", 1).Count(&count)
	if count != 1 {
		t.Fatalf("expected one code row, got %d", count)
	}
}

func TestRedeemGrantsBothParties(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}

	result, err := svc.Redeem(ctx, code.ReferralCode, 2)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if result.CreditsAwarded != RefereeBonusCredits || result.ReferrerBonus != ReferrerBonusCredits {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Both parties start from the free allowance of 20.
	if got := balanceOf(t, db, 2); got != 20+RefereeBonusCredits {
		t.Fatalf("referee balance = %d, want %d", got, 20+RefereeBonusCredits)
	}
	if got := balanceOf(t, db, 1); got != 20+ReferrerBonusCredits {
		t.Fatalf("referrer balance = %d, want %d", got, 20+ReferrerBonusCredits)
	}

	var bonusEntries []models.CreditTransaction
	if err := db.Where("transaction_type = ?", models.TransactionTypeBonus).Find(&bonusEntries).Error; err != nil {
		t.Fatalf("load bonus entries: %v", err)
	}
	if len(bonusEntries) != 2 {
		t.Fatalf("expected two bonus ledger entries, got %d", len(bonusEntries))
	}

	var redemption models.Referral
	if err := db.Where("referee_id = ?", 2).First(&redemption).Error; err != nil {
		t.Fatalf("load redemption row: %v", err)
	}
	if redemption.Status != models.ReferralStatusRewarded || redemption.BonusCredits != RefereeBonusCredits {
		t.Fatalf("unexpected redemption row: %+v", redemption)
	}
	if redemption.CompletedAt == nil {
		t.Fatalf("redemption missing completed_at")
	}
}

func TestRedeemOwnCodeRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}

	_, err = svc.Redeem(ctx, code.ReferralCode, 1)
	var invalid *entitlements.InvalidOperationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidOperationError, got %v", err)
	}
}

func TestRedeemTwiceRejected(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	codeA, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}
	codeB, err := svc.GetOrCreateCode(ctx, 2)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}

	if _, err := svc.Redeem(ctx, codeA.ReferralCode, 3); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}

	// Neither the same code nor a different one may apply twice.
	for _, code := range []string{codeA.ReferralCode, codeB.ReferralCode} {
		_, err := svc.Redeem(ctx, code, 3)
		var invalid *entitlements.InvalidOperationError
		if !errors.As(err, &invalid) {
			t.Fatalf("Redeem(%q): expected InvalidOperationError, got %v", code, err)
		}
	}

	// The failed attempts must not have granted anything.
	if got := balanceOf(t, db, 3); got != 20+RefereeBonusCredits {
		t.Fatalf("referee balance = %d, want %d", got, 20+RefereeBonusCredits)
	}
}

func TestRefereeUniqueAcrossRows(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}
	if _, err := svc.Redeem(ctx, code.ReferralCode, 3); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	// The schema itself must refuse a second redemption row for the same
	// user, independent of any service-level checks.
	referee := uint(3)
	second := models.Referral{
		ReferrerID:   2,
		RefereeID:    &referee,
		ReferralCode: "OTHER123",
		Status:       models.ReferralStatusCompleted,
		BonusCredits: RefereeBonusCredits,
	}
	if err := db.Create(&second).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected duplicate-key error for second referee row, got %v", err)
	}

	var count int64
	db.Model(&models.Referral{}).Where("referee_id = ?", 3).Count(&count)
	if count != 1 {
		t.Fatalf("expected one referee row, got %d", count)
	}
}

func TestRedeemConcurrentDifferentCodesSingleGrant(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	codeA, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}
	codeB, err := svc.GetOrCreateCode(ctx, 2)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}

	// Two codes lock two different code rows, so only the unique referee
	// index can stop the second redemption.
	results := make([]error, 2)
	var wg sync.WaitGroup
	for i, code := range []string{codeA.ReferralCode, codeB.ReferralCode} {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, results[i] = svc.Redeem(ctx, code, 3)
		}(i, code)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var invalid *entitlements.InvalidOperationError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidOperationError for the loser, got %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one redemption to succeed, got %d", wins)
	}

	if got := balanceOf(t, db, 3); got != 20+RefereeBonusCredits {
		t.Fatalf("referee balance = %d, want %d", got, 20+RefereeBonusCredits)
	}
	var count int64
	db.Model(&models.Referral{}).Where("referee_id = ?", 3).Count(&count)
	if count != 1 {
		t.Fatalf("expected one redemption row, got %d", count)
	}
}

func TestRedeemUnknownCode(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	_, err := svc.Redeem(context.Background(), "NOPE1234", 5)
	var notFound *entitlements.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestGetStatsCountsRewards(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	code, err := svc.GetOrCreateCode(ctx, 1)
	if err != nil {
		t.Fatalf("GetOrCreateCode: %v", err)
	}
	if _, err := svc.Redeem(ctx, code.ReferralCode, 2); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if _, err := svc.Redeem(ctx, code.ReferralCode, 3); err != nil {
		t.Fatalf("second Redeem: %v", err)
	}

	stats, err := svc.GetStats(ctx, 1)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.ReferralCode != code.ReferralCode {
		t.Fatalf("stats code = %q, want %q", stats.ReferralCode, code.ReferralCode)
	}
	if stats.TotalReferrals != 2 || stats.SuccessfulReferrals != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.TotalCreditsEarned != 2*ReferrerBonusCredits {
		t.Fatalf("credits earned = %d, want %d", stats.TotalCreditsEarned, 2*ReferrerBonusCredits)
	}
}

func TestGenerateCodeUsesAllowedAlphabet(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateCode(codeLength)
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if len(code) != codeLength {
			t.Fatalf("len(%q) = %d, want %d", code, len(code), codeLength)
		}
		for _, c := range code {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
	}
}
