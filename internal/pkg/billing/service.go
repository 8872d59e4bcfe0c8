package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service reconciles payment gateway events into local subscription and
// ledger state. Every handler runs as one transaction that locks the
// affected subscription row, and every handler is a no-op when the event
// references a customer or subscription this system does not know —
// re-deliveries and foreign-account events must never corrupt balances.
type Service struct {
	db   *gorm.DB
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(db *gorm.DB, repo Repository) *Service {
	return &Service{db: db, repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(db, NewRepository(db))
}

// RecordWebhookEvent persists webhook payloads idempotently. The returned
// bool is false when the provider event id was seen before, in which case
// the stored (possibly already processed) row is returned.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	_ = ctx
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(webhookEventID, errMsg)
}

// HandleEvent applies one decoded gateway event. Unknown event types are
// acknowledged without action so the gateway does not retry them forever.
func (s *Service) HandleEvent(ctx context.Context, event *Event) error {
	switch event.Type {
	case models.EventCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, &session)
	case models.EventSubscriptionCreated:
		var sub SubscriptionObject
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("decode subscription object: %w", err)
		}
		return s.handleSubscriptionCreated(ctx, &sub)
	case models.EventSubscriptionUpdated:
		var sub SubscriptionObject
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("decode subscription object: %w", err)
		}
		return s.handleSubscriptionUpdated(ctx, &sub)
	case models.EventSubscriptionDeleted:
		var sub SubscriptionObject
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("decode subscription object: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, &sub)
	case models.EventInvoicePaymentOK:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaymentSucceeded(ctx, &inv)
	case models.EventInvoicePaymentFailed:
		var inv Invoice
		if err := json.Unmarshal(event.Data.Object, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaymentFailed(ctx, &inv)
	case models.EventPaymentIntentOK:
		var pi PaymentIntent
		if err := json.Unmarshal(event.Data.Object, &pi); err != nil {
			return fmt.Errorf("decode payment intent: %w", err)
		}
		return s.handlePaymentIntentSucceeded(ctx, &pi)
	default:
		return nil
	}
}

// handleCheckoutCompleted binds the purchased plan to the user's
// subscription, stores the gateway ids, and resets the allowance to the
// new plan's monthly credits.
func (s *Service) handleCheckoutCompleted(ctx context.Context, session *CheckoutSession) error {
	userID, ok := session.UserID()
	if !ok {
		return nil
	}
	planName := strings.TrimSpace(session.Metadata["plan_name"])
	if planName == "" {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var plan models.Plan
		if err := tx.Where("name = ?", planName).First(&plan).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		sub.PlanID = plan.ID
		sub.Status = models.SubscriptionStatusActive
		if cycle := strings.TrimSpace(session.Metadata["billing_cycle"]); cycle != "" {
			sub.BillingCycle = &cycle
		}
		if session.Customer != "" {
			sub.StripeCustomerID = &session.Customer
		}
		if session.Subscription != "" {
			sub.StripeSubscriptionID = &session.Subscription
		}
		sub.CreditsRemaining = plan.CreditsPerMonth
		if plan.HasUnlimitedCredits() {
			sub.CreditsRemaining = 0
		}
		periodEnd := now.AddDate(0, 1, 0)
		if sub.BillingCycle != nil && *sub.BillingCycle == models.BillingCycleYearly {
			periodEnd = now.AddDate(1, 0, 0)
		}
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &periodEnd
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}

		if plan.HasUnlimitedCredits() {
			return nil
		}
		txType := models.TransactionTypePurchase
		if session.Mode == "trial" {
			txType = models.TransactionTypeTrial
		}
		return tx.Create(&models.CreditTransaction{
			UserID:         userID,
			SubscriptionID: sub.ID,
			Amount:         plan.CreditsPerMonth,
			Type:           txType,
			Description:    fmt.Sprintf("Subscription to %s plan", plan.DisplayName),
			Metadata:       models.TransactionMetadata{"session_id": session.ID},
		}).Error
	})
}

// handleSubscriptionCreated links the gateway subscription id and period
// to the local row matched by customer id.
func (s *Service) handleSubscriptionCreated(ctx context.Context, obj *SubscriptionObject) error {
	if obj.Customer == "" || obj.ID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stripe_customer_id = ?", obj.Customer).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		sub.StripeSubscriptionID = &obj.ID
		sub.Status = models.SubscriptionStatusActive
		setPeriod(&sub, obj.CurrentPeriodStart, obj.CurrentPeriodEnd)
		return tx.Save(&sub).Error
	})
}

// handleSubscriptionUpdated syncs period dates and status. A gateway-side
// cancel_at_period_end flag becomes a local cancelled status with the
// cancellation timestamp; entitlement lasts until the stored period end.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, obj *SubscriptionObject) error {
	if obj.ID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stripe_subscription_id = ?", obj.ID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		setPeriod(&sub, obj.CurrentPeriodStart, obj.CurrentPeriodEnd)
		sub.Status = normalizeGatewayStatus(obj.Status)
		if obj.CancelAtPeriodEnd {
			now := time.Now().UTC()
			sub.Status = models.SubscriptionStatusCancelled
			sub.CancelledAt = &now
		}
		return tx.Save(&sub).Error
	})
}

// handleSubscriptionDeleted downgrades the user to the free plan: the
// free allowance replaces the paid one, rollover is forfeited, and the
// gateway subscription id is cleared while the customer id is kept for
// future repurchases.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, obj *SubscriptionObject) error {
	if obj.ID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stripe_subscription_id = ?", obj.ID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		var freePlan models.Plan
		if err := tx.Where("name = ?", models.PlanFree).First(&freePlan).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		sub.PlanID = freePlan.ID
		sub.Status = models.SubscriptionStatusActive
		sub.BillingCycle = nil
		sub.StripeSubscriptionID = nil
		sub.CreditsRemaining = freePlan.CreditsPerMonth
		sub.CreditsRollover = 0
		sub.CancelledAt = &now
		return tx.Save(&sub).Error
	})
}

// handleInvoicePaymentSucceeded starts a new billing period: unused
// allowance rolls over up to the plan's cap, the allowance resets, and a
// renewal entry is appended. The invoice period end is compared against
// the stored one so a replayed invoice cannot grant a second allowance.
func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, inv *Invoice) error {
	if inv.Subscription == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stripe_subscription_id = ?", inv.Subscription).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		invoiceEnd := unixTime(inv.PeriodEnd)
		if invoiceEnd != nil && sub.CurrentPeriodEnd != nil && !invoiceEnd.After(*sub.CurrentPeriodEnd) {
			// Renewal for this period was already applied.
			return nil
		}

		var plan models.Plan
		if err := tx.First(&plan, sub.PlanID).Error; err != nil {
			return err
		}

		setPeriod(&sub, inv.PeriodStart, inv.PeriodEnd)
		if plan.HasUnlimitedCredits() {
			return tx.Save(&sub).Error
		}

		// Unused allowance replaces the rollover bucket, up to the cap. A
		// fully drained allowance leaves the existing rollover untouched so
		// unspent carried credits survive the renewal.
		if sub.CreditsRemaining > 0 {
			rollover := sub.CreditsRemaining
			if rollover > plan.RolloverLimit {
				rollover = plan.RolloverLimit
			}
			sub.CreditsRollover = rollover
		}
		sub.CreditsRemaining = plan.CreditsPerMonth
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}

		txType := models.TransactionTypePurchase
		if sub.CreditsRollover > 0 {
			txType = models.TransactionTypeRollover
		}
		return tx.Create(&models.CreditTransaction{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         plan.CreditsPerMonth,
			Type:           txType,
			Description:    fmt.Sprintf("Monthly credit renewal - %s", plan.DisplayName),
			Metadata:       models.TransactionMetadata{"invoice_id": inv.ID},
		}).Error
	})
}

// handleInvoicePaymentFailed flags the subscription past_due. Credits
// already granted stay spendable until the gateway deletes the
// subscription.
func (s *Service) handleInvoicePaymentFailed(ctx context.Context, inv *Invoice) error {
	if inv.Subscription == "" {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("stripe_subscription_id = ?", inv.Subscription).
		Update("status", models.SubscriptionStatusPastDue).Error
}

// handlePaymentIntentSucceeded credits a purchased pack to the customer's
// balance. Intents without the credit_purchase tag belong to subscription
// invoices and are handled via their invoice events instead.
func (s *Service) handlePaymentIntentSucceeded(ctx context.Context, pi *PaymentIntent) error {
	if !pi.IsCreditPurchase() || pi.Customer == "" {
		return nil
	}
	credits := pi.Credits()
	if credits <= 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Where("stripe_customer_id = ?", pi.Customer).
			Select("user_id").First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		return entitlements.GrantInTx(tx, sub.UserID, credits,
			models.TransactionTypePurchase,
			fmt.Sprintf("Purchased %d credits", credits),
			models.TransactionMetadata{"payment_intent_id": pi.ID})
	})
}

func setPeriod(sub *models.Subscription, startUnix, endUnix int64) {
	if t := unixTime(startUnix); t != nil {
		sub.CurrentPeriodStart = t
	}
	if t := unixTime(endUnix); t != nil {
		sub.CurrentPeriodEnd = t
	}
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

// normalizeGatewayStatus maps Stripe subscription statuses onto the local
// status set.
func normalizeGatewayStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "trialing":
		return models.SubscriptionStatusTrial
	case "past_due":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled":
		return models.SubscriptionStatusCancelled
	case "unpaid", "incomplete_expired":
		return models.SubscriptionStatusExpired
	default:
		return models.SubscriptionStatusActive
	}
}
