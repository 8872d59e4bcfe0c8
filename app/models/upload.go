package models

import "time"

const (
	UploadStatusPending   = "pending"
	UploadStatusProcessed = "processed"
	UploadStatusFailed    = "failed"
)

// Upload records a file accepted for processing. File-size ceilings are
// enforced before the row is created; the row itself is only referenced
// from ledger metadata and limit counting.
type Upload struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           uint      `gorm:"not null;index" json:"user_id"`
	OriginalFilename string    `gorm:"type:varchar(255)" json:"original_filename"`
	FileSize         int64     `gorm:"not null;default:0" json:"file_size"`
	MimeType         string    `gorm:"type:varchar(100)" json:"mime_type"`
	Status           string    `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	ErrorMessage     string    `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
