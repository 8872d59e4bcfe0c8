package billing

import (
	"encoding/json"
	"strconv"
	"strings"
)

// BillingProviderStripe is the provider tag stored on webhook event rows.
const BillingProviderStripe = "stripe"

// Event is the decoded envelope of a gateway webhook delivery.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession is the object carried by checkout.session.completed.
type CheckoutSession struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Mode         string            `json:"mode"`
	Metadata     map[string]string `json:"metadata"`
}

// UserID extracts the local user reference from session metadata.
func (s *CheckoutSession) UserID() (uint, bool) {
	raw, ok := s.Metadata["user_id"]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// SubscriptionObject is the object carried by customer.subscription.*.
type SubscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// Invoice is the object carried by invoice.payment_succeeded/_failed.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

// PaymentIntent is the object carried by payment_intent.succeeded. Credit
// pack purchases are tagged type=credit_purchase in the metadata.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// IsCreditPurchase reports whether this intent pays for a credit pack.
func (p *PaymentIntent) IsCreditPurchase() bool {
	return p.Metadata["type"] == "credit_purchase"
}

// Credits returns the purchased credit amount from the metadata.
func (p *PaymentIntent) Credits() int {
	n, err := strconv.Atoi(strings.TrimSpace(p.Metadata["credits"]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}
