package entitlements

import "fmt"

// NotFoundError signals a missing subscription, plan, document or referral.
type NotFoundError struct {
	Resource string
	ID       interface{}
}

func (e *NotFoundError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

// InsufficientCreditsError carries the required and available amounts so
// the boundary can render an upgrade prompt.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// QuotaExceededError signals a plan ceiling (documents, collaborators,
// file size) was reached. Current/Limit are in the resource's unit.
type QuotaExceededError struct {
	Resource string
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d/%d", e.Resource, e.Current, e.Limit)
}

// InvalidOperationError signals a request that can never succeed as made:
// self-referral, double redemption, duplicate plan selection.
type InvalidOperationError struct {
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return e.Reason
}

// ConfigurationError is an operator mistake, not a user mistake. Callers
// should log the detail and show end users a generic unavailable message.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}
