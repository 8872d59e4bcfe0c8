package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scanpilot/scanpilot/internal/pkg/env"
)

const defaultStripeAPIBaseURL = "https://api.stripe.com/v1"

// Customer is the gateway-side billing identity for a user.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// CheckoutParams describes the subscription checkout to open.
type CheckoutParams struct {
	CustomerID   string
	PlanName     string
	DisplayName  string
	PriceCents   int64
	BillingCycle string
	UserID       uint
	SuccessURL   string
	CancelURL    string
}

// CheckoutResult carries what the frontend needs to redirect to payment.
type CheckoutResult struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// PaymentIntentResult carries the client secret for a credit pack payment.
type PaymentIntentResult struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Gateway is the external payment processor as seen by this service.
// Calls are cancellable via context; a failed call leaves no local state
// behind — persistence of gateway ids happens only after success.
type Gateway interface {
	CreateCustomer(ctx context.Context, email, name string, userID uint) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error)
	CreatePaymentIntent(ctx context.Context, customerID string, amountCents int64, credits int) (*PaymentIntentResult, error)
	CancelSubscription(ctx context.Context, subscriptionID string, immediate bool) error
}

// StripeClient talks to the Stripe REST API with form-encoded requests.
type StripeClient struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client
}

// NewStripeClientFromEnv builds a client from STRIPE_* environment keys.
func NewStripeClientFromEnv() *StripeClient {
	return &StripeClient{
		SecretKey:  strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		APIBaseURL: strings.TrimRight(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (c *StripeClient) CreateCustomer(ctx context.Context, email, name string, userID uint) (*Customer, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.New("customer email is required")
	}
	form := url.Values{}
	form.Set("email", strings.TrimSpace(email))
	if strings.TrimSpace(name) != "" {
		form.Set("name", strings.TrimSpace(name))
	}
	if userID != 0 {
		form.Set("metadata[user_id]", strconv.FormatUint(uint64(userID), 10))
	}

	var out Customer
	if err := c.post(ctx, "/customers", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error) {
	if strings.TrimSpace(params.CustomerID) == "" {
		return nil, errors.New("customer id is required")
	}
	interval := "month"
	if params.BillingCycle == "yearly" {
		interval = "year"
	}

	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("mode", "subscription")
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.PriceCents, 10))
	form.Set("line_items[0][price_data][recurring][interval]", interval)
	form.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("ScanPilot %s Plan", params.DisplayName))
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("metadata[user_id]", strconv.FormatUint(uint64(params.UserID), 10))
	form.Set("metadata[plan_name]", params.PlanName)
	form.Set("metadata[billing_cycle]", params.BillingCycle)

	var raw struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.post(ctx, "/checkout/sessions", form, &raw); err != nil {
		return nil, err
	}
	return &CheckoutResult{SessionID: raw.ID, CheckoutURL: raw.URL}, nil
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, customerID string, amountCents int64, credits int) (*PaymentIntentResult, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("customer id is required")
	}
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("payment_method_types[0]", "card")
	form.Set("metadata[type]", "credit_purchase")
	form.Set("metadata[credits]", strconv.Itoa(credits))

	var out PaymentIntentResult
	if err := c.post(ctx, "/payment_intents", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string, immediate bool) error {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return errors.New("subscription id is required")
	}
	if immediate {
		req, err := c.newRequest(ctx, http.MethodDelete, "/subscriptions/"+id, nil)
		if err != nil {
			return err
		}
		return c.do(req, nil)
	}
	form := url.Values{}
	form.Set("cancel_at_period_end", "true")
	return c.post(ctx, "/subscriptions/"+id, form, nil)
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *StripeClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if strings.TrimSpace(c.SecretKey) == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	// Stripe deduplicates retried mutations on this key.
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return req, nil
}

func (c *StripeClient) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
