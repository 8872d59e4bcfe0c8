package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Plan{},
		&models.Subscription{},
		&models.CreditTransaction{},
		&models.WebhookEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	plans := []models.Plan{
		{Name: models.PlanFree, DisplayName: "Free", CreditsPerMonth: 20, RolloverLimit: 0, IsActive: true},
		{Name: models.PlanPro, DisplayName: "Pro", CreditsPerMonth: 500, RolloverLimit: 100, IsActive: true},
	}
	for i := range plans {
		if err := db.Create(&plans[i]).Error; err != nil {
			t.Fatalf("seed plan %s: %v", plans[i].Name, err)
		}
	}
	return db
}

func decodeEvent(t *testing.T, raw string) *Event {
	t.Helper()
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return &event
}

func loadSub(t *testing.T, db *gorm.DB, userID uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	if err := db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		t.Fatalf("load subscription for user %d: %v", userID, err)
	}
	return &sub
}

func TestRecordWebhookEventDeduplicates(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	in := WebhookEventInput{
		Provider:        "Stripe",
		ProviderEventID: "evt_123",
		EventType:       models.EventCheckoutCompleted,
		PayloadJSON:     `{"id":"evt_123"}`,
		SignatureValid:  true,
	}

	created, first, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if !created {
		t.Fatalf("expected first delivery to create a row")
	}
	if first.Provider != "stripe" {
		t.Fatalf("provider not normalized: %q", first.Provider)
	}

	created, second, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("replayed RecordWebhookEvent: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a second row")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different row: %d vs %d", second.ID, first.ID)
	}

	var count int64
	db.Model(&models.WebhookEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected one stored event, got %d", count)
	}
}

func TestRecordWebhookEventHashFallbackID(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	in := WebhookEventInput{Provider: "stripe", PayloadJSON: `{"type":"unknown"}`}
	created, event, err := svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if !created || !strings.HasPrefix(event.ProviderEventID, "hash:") {
		t.Fatalf("expected hash fallback id, got created=%v id=%q", created, event.ProviderEventID)
	}

	// The same payload without an id must still deduplicate.
	created, _, err = svc.RecordWebhookEvent(ctx, in)
	if err != nil {
		t.Fatalf("replayed RecordWebhookEvent: %v", err)
	}
	if created {
		t.Fatalf("identical payload must deduplicate via the hash id")
	}
}

func TestMarkWebhookProcessed(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	_, event, err := svc.RecordWebhookEvent(ctx, WebhookEventInput{Provider: "stripe", ProviderEventID: "evt_mark", PayloadJSON: "{}"})
	if err != nil {
		t.Fatalf("RecordWebhookEvent: %v", err)
	}
	if err := svc.MarkWebhookProcessed(ctx, event.ID, fmt.Errorf("decode failed")); err != nil {
		t.Fatalf("MarkWebhookProcessed: %v", err)
	}

	var stored models.WebhookEvent
	if err := db.First(&stored, event.ID).Error; err != nil {
		t.Fatalf("reload event: %v", err)
	}
	if stored.ProcessedAt == nil || stored.ProcessingError != "decode failed" {
		t.Fatalf("unexpected stored state: %+v", stored)
	}
}

func TestHandleCheckoutCompleted(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	var freePlan models.Plan
	db.Where("name = ?", models.PlanFree).First(&freePlan)
	if err := db.Create(&models.Subscription{UserID: 1, PlanID: freePlan.ID, Status: models.SubscriptionStatusActive, CreditsRemaining: 20}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	event := decodeEvent(t, `{
		"id": "evt_checkout",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"customer": "cus_1",
			"subscription": "sub_1",
			"mode": "subscription",
			"metadata": {"user_id": "1", "plan_name": "pro", "billing_cycle": "monthly"}
		}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 1)
	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	if sub.PlanID != proPlan.ID {
		t.Fatalf("plan not switched: %d", sub.PlanID)
	}
	if sub.CreditsRemaining != 500 {
		t.Fatalf("allowance not reset: %d", sub.CreditsRemaining)
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_1" {
		t.Fatalf("customer id not stored")
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != "sub_1" {
		t.Fatalf("subscription id not stored")
	}
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		t.Fatalf("billing period not set")
	}

	var entry models.CreditTransaction
	if err := db.Where("user_id = ?", 1).First(&entry).Error; err != nil {
		t.Fatalf("load ledger entry: %v", err)
	}
	if entry.Type != models.TransactionTypePurchase || entry.Amount != 500 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
}

func TestHandleCheckoutCompletedUnknownUserIsNoop(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	event := decodeEvent(t, `{
		"id": "evt_ghost",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_2",
			"metadata": {"user_id": "4242", "plan_name": "pro"}
		}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown user must be acknowledged, got %v", err)
	}
	var count int64
	db.Model(&models.CreditTransaction{}).Count(&count)
	if count != 0 {
		t.Fatalf("no ledger entry expected, got %d", count)
	}
}

func TestHandleSubscriptionUpdatedCancelAtPeriodEnd(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	subID := "sub_cancel"
	if err := db.Create(&models.Subscription{UserID: 2, PlanID: proPlan.ID, Status: models.SubscriptionStatusActive, StripeSubscriptionID: &subID, CreditsRemaining: 400}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	periodEnd := time.Now().Add(10 * 24 * time.Hour).Unix()
	event := decodeEvent(t, fmt.Sprintf(`{
		"id": "evt_upd",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_cancel",
			"status": "active",
			"cancel_at_period_end": true,
			"current_period_end": %d
		}}
	}`, periodEnd))
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 2)
	if sub.Status != models.SubscriptionStatusCancelled || sub.CancelledAt == nil {
		t.Fatalf("expected scheduled cancellation, got status=%q", sub.Status)
	}
	// Credits stay spendable until the period runs out.
	if sub.CreditsRemaining != 400 {
		t.Fatalf("credits must survive a scheduled cancel: %d", sub.CreditsRemaining)
	}
}

func TestHandleSubscriptionDeletedDowngradesToFree(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	subID := "sub_gone"
	custID := "cus_keep"
	if err := db.Create(&models.Subscription{UserID: 3, PlanID: proPlan.ID, Status: models.SubscriptionStatusCancelled, StripeSubscriptionID: &subID, StripeCustomerID: &custID, CreditsRemaining: 120, CreditsRollover: 40}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	event := decodeEvent(t, `{
		"id": "evt_del",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_gone", "customer": "cus_keep"}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 3)
	var freePlan models.Plan
	db.Where("name = ?", models.PlanFree).First(&freePlan)
	if sub.PlanID != freePlan.ID {
		t.Fatalf("expected downgrade to free, got plan %d", sub.PlanID)
	}
	if sub.CreditsRemaining != 20 || sub.CreditsRollover != 0 {
		t.Fatalf("expected free allowance with rollover forfeited, got remaining=%d rollover=%d", sub.CreditsRemaining, sub.CreditsRollover)
	}
	if sub.StripeSubscriptionID != nil {
		t.Fatalf("gateway subscription id must be cleared")
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_keep" {
		t.Fatalf("customer id must be kept for repurchases")
	}
}

func TestHandleInvoicePaymentSucceededRenewalAndReplay(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	subID := "sub_renew"
	oldEnd := time.Now().Add(-time.Hour).UTC()
	if err := db.Create(&models.Subscription{UserID: 4, PlanID: proPlan.ID, Status: models.SubscriptionStatusActive, StripeSubscriptionID: &subID, CreditsRemaining: 150, CurrentPeriodEnd: &oldEnd}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	start := time.Now().Unix()
	end := time.Now().AddDate(0, 1, 0).Unix()
	raw := fmt.Sprintf(`{
		"id": "evt_inv",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_1",
			"subscription": "sub_renew",
			"period_start": %d,
			"period_end": %d
		}}
	}`, start, end)

	if err := svc.HandleEvent(ctx, decodeEvent(t, raw)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 4)
	// 150 unused credits roll over capped at the plan's 100.
	if sub.CreditsRollover != 100 {
		t.Fatalf("rollover = %d, want 100", sub.CreditsRollover)
	}
	if sub.CreditsRemaining != 500 {
		t.Fatalf("allowance = %d, want 500", sub.CreditsRemaining)
	}
	if sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.Unix() != end {
		t.Fatalf("period end not advanced")
	}

	var entries []models.CreditTransaction
	db.Where("user_id = ?", 4).Find(&entries)
	if len(entries) != 1 || entries[0].Type != models.TransactionTypeRollover || entries[0].Amount != 500 {
		t.Fatalf("unexpected renewal entry: %+v", entries)
	}

	// Replaying the invoice must not grant a second allowance.
	if err := db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("credits_remaining", 490).Error; err != nil {
		t.Fatalf("spend some credits: %v", err)
	}
	if err := svc.HandleEvent(ctx, decodeEvent(t, raw)); err != nil {
		t.Fatalf("replayed HandleEvent: %v", err)
	}
	sub = loadSub(t, db, 4)
	if sub.CreditsRemaining != 490 || sub.CreditsRollover != 100 {
		t.Fatalf("replay mutated the balance: remaining=%d rollover=%d", sub.CreditsRemaining, sub.CreditsRollover)
	}
	db.Where("user_id = ?", 4).Find(&entries)
	if len(entries) != 1 {
		t.Fatalf("replay appended a ledger entry: %d entries", len(entries))
	}
}

func TestHandleInvoicePaymentSucceededKeepsRolloverWhenDrained(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	subID := "sub_drained"
	oldEnd := time.Now().Add(-time.Hour).UTC()
	if err := db.Create(&models.Subscription{UserID: 5, PlanID: proPlan.ID, Status: models.SubscriptionStatusActive, StripeSubscriptionID: &subID, CreditsRemaining: 0, CreditsRollover: 40, CurrentPeriodEnd: &oldEnd}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	raw := fmt.Sprintf(`{
		"id": "evt_inv_drained",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_2",
			"subscription": "sub_drained",
			"period_start": %d,
			"period_end": %d
		}}
	}`, time.Now().Unix(), time.Now().AddDate(0, 1, 0).Unix())

	if err := svc.HandleEvent(ctx, decodeEvent(t, raw)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	// A drained allowance contributes nothing to roll over, but the
	// carried credits already in the rollover bucket stay spendable.
	sub := loadSub(t, db, 5)
	if sub.CreditsRollover != 40 {
		t.Fatalf("rollover = %d, want 40", sub.CreditsRollover)
	}
	if sub.CreditsRemaining != 500 {
		t.Fatalf("allowance = %d, want 500", sub.CreditsRemaining)
	}
}

func TestHandleInvoicePaymentFailed(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	var proPlan models.Plan
	db.Where("name = ?", models.PlanPro).First(&proPlan)
	subID := "sub_due"
	if err := db.Create(&models.Subscription{UserID: 5, PlanID: proPlan.ID, Status: models.SubscriptionStatusActive, StripeSubscriptionID: &subID, CreditsRemaining: 300}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	event := decodeEvent(t, `{
		"id": "evt_fail",
		"type": "invoice.payment_failed",
		"data": {"object": {"id": "in_2", "subscription": "sub_due"}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 5)
	if sub.Status != models.SubscriptionStatusPastDue {
		t.Fatalf("status = %q, want past_due", sub.Status)
	}
	if sub.CreditsRemaining != 300 {
		t.Fatalf("granted credits must stay spendable: %d", sub.CreditsRemaining)
	}
}

func TestHandlePaymentIntentSucceededCreditsPack(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)
	ctx := context.Background()

	var freePlan models.Plan
	db.Where("name = ?", models.PlanFree).First(&freePlan)
	custID := "cus_pack"
	if err := db.Create(&models.Subscription{UserID: 6, PlanID: freePlan.ID, Status: models.SubscriptionStatusActive, StripeCustomerID: &custID, CreditsRemaining: 10}).Error; err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	event := decodeEvent(t, `{
		"id": "evt_pi",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_1",
			"customer": "cus_pack",
			"amount": 1000,
			"metadata": {"type": "credit_purchase", "credits": "100"}
		}}
	}`)
	if err := svc.HandleEvent(ctx, event); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sub := loadSub(t, db, 6)
	if sub.CreditsRemaining != 110 {
		t.Fatalf("balance = %d, want 110", sub.CreditsRemaining)
	}

	var entry models.CreditTransaction
	if err := db.Where("user_id = ?", 6).First(&entry).Error; err != nil {
		t.Fatalf("load ledger entry: %v", err)
	}
	if entry.Type != models.TransactionTypePurchase || entry.Amount != 100 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}

	// A subscription invoice intent has no credit_purchase tag and must be
	// skipped here.
	skip := decodeEvent(t, `{
		"id": "evt_pi2",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_2", "customer": "cus_pack", "amount": 1500, "metadata": {}}}
	}`)
	if err := svc.HandleEvent(ctx, skip); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	sub = loadSub(t, db, 6)
	if sub.CreditsRemaining != 110 {
		t.Fatalf("untagged intent mutated the balance: %d", sub.CreditsRemaining)
	}
}

func TestHandleEventUnknownTypeIsAcknowledged(t *testing.T) {
	db := newTestDB(t)
	svc := NewServiceFromDB(db)

	event := decodeEvent(t, `{
		"id": "evt_odd",
		"type": "customer.updated",
		"data": {"object": {"id": "cus_9"}}
	}`)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown event types must be acknowledged, got %v", err)
	}
}

func TestNormalizeGatewayStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "active", want: models.SubscriptionStatusActive},
		{in: "trialing", want: models.SubscriptionStatusTrial},
		{in: "past_due", want: models.SubscriptionStatusPastDue},
		{in: "canceled", want: models.SubscriptionStatusCancelled},
		{in: "unpaid", want: models.SubscriptionStatusExpired},
		{in: "incomplete_expired", want: models.SubscriptionStatusExpired},
		{in: "something_else", want: models.SubscriptionStatusActive},
	}
	for _, tt := range tests {
		if got := normalizeGatewayStatus(tt.in); got != tt.want {
			t.Fatalf("normalizeGatewayStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
