package models

import (
	"time"

	"gorm.io/gorm"
)

// Document is owned content whose CRUD lives outside this service. The
// model exists here so plan-limit checks can count rows; only ownership
// and identity columns matter for entitlement decisions.
type Document struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	OwnerID   uint           `gorm:"not null;index" json:"owner_id"`
	Title     string         `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// DocumentCollaborator links an invited user to a document. Collaborator
// ceilings are governed by the document owner's plan, counted excluding
// the owner.
type DocumentCollaborator struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index:ux_document_collaborators,unique,priority:1" json:"document_id"`
	UserID     uint      `gorm:"not null;index:ux_document_collaborators,unique,priority:2" json:"user_id"`
	Role       string    `gorm:"type:varchar(20);default:'editor'" json:"role"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
