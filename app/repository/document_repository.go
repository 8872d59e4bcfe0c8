package repository

import (
	"github.com/scanpilot/scanpilot/app/models"
	"gorm.io/gorm"
)

// documentRepository implements the DocumentRepository interface
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository instance
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) GetByID(id uint) (*models.Document, error) {
	var doc models.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) CountByOwnerID(ownerID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Document{}).Where("owner_id = ?", ownerID).Count(&count).Error
	return count, err
}

// CountCollaborators counts invited collaborators; the owner is not a row
// in document_collaborators and is therefore excluded.
func (r *documentRepository) CountCollaborators(documentID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.DocumentCollaborator{}).Where("document_id = ?", documentID).Count(&count).Error
	return count, err
}
