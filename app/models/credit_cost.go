package models

import "time"

// Well-known metered operation keys. Costs are resolved from the
// credit_costs table at consumption time, never from these constants.
const (
	OperationFileProcessing   = "file_processing"
	OperationDocumentAnalysis = "document_analysis"
	OperationAISuggestion     = "ai_suggestion"
	OperationDocumentCreation = "document_creation"
)

// CreditCost maps a metered operation type to its credit price. Only
// active rows are honored; a missing or inactive row is an operator
// configuration error, not a user error.
type CreditCost struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OperationType string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"operation_type" validate:"required,max=100"`
	Cost          int       `gorm:"not null" json:"cost" validate:"gte=0"`
	Description   string    `gorm:"type:varchar(255)" json:"description"`
	IsActive      bool      `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
