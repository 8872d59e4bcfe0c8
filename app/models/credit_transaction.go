package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

const (
	TransactionTypeUsage    = "usage"
	TransactionTypePurchase = "purchase"
	TransactionTypeBonus    = "bonus"
	TransactionTypeRefund   = "refund"
	TransactionTypeTrial    = "trial"
	TransactionTypeRollover = "rollover"
	TransactionTypeSignup   = "signup"
)

// TransactionMetadata is free-form context stored as JSON alongside a
// ledger entry (operation type, related entity ids, gateway object ids).
type TransactionMetadata map[string]interface{}

func (m TransactionMetadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *TransactionMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = TransactionMetadata{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for TransactionMetadata")
	}
	if len(raw) == 0 {
		*m = TransactionMetadata{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// CreditTransaction is one append-only ledger entry. Negative amounts are
// consumption, positive amounts are grants. Rows are never updated or
// deleted; the ledger is the sole explanation of every balance change.
type CreditTransaction struct {
	ID             uint                `gorm:"primaryKey" json:"id"`
	UserID         uint                `gorm:"not null;index:idx_credit_transactions_user_created,priority:1" json:"user_id"`
	SubscriptionID uint                `gorm:"not null;index" json:"subscription_id"`
	Amount         int                 `gorm:"not null" json:"amount"`
	Type           string              `gorm:"column:transaction_type;type:varchar(20);not null;index" json:"transaction_type"`
	Description    string              `gorm:"type:varchar(255)" json:"description"`
	Metadata       TransactionMetadata `gorm:"type:json" json:"metadata"`
	CreatedAt      time.Time           `gorm:"autoCreateTime;index:idx_credit_transactions_user_created,priority:2" json:"created_at"`
}

// OperationType extracts the metered operation key from the metadata, if any.
func (t *CreditTransaction) OperationType() string {
	if t.Metadata == nil {
		return ""
	}
	if op, ok := t.Metadata["operation_type"].(string); ok {
		return op
	}
	return ""
}
