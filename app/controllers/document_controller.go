package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/app/repository"
	"github.com/scanpilot/scanpilot/internal/pkg/database"
	"github.com/scanpilot/scanpilot/internal/pkg/entitlements"
)

type createDocumentRequest struct {
	Title string `json:"title"`
}

// HandleCreateDocument creates a document after the plan's document
// ceiling and the creation cost have both been cleared. The limit check
// runs before the debit so a user at the ceiling is not charged.
func HandleCreateDocument(c *fiber.Ctx) error {
	var req createDocumentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "title is required"})
	}

	userID := currentUserID(c)
	engine := entitlements.NewEngine(database.GetDB())
	if err := engine.CheckDocumentLimit(c.Context(), userID); err != nil {
		return respondDomainError(c, err)
	}

	result, err := engine.Consume(c.Context(), userID, models.OperationDocumentCreation, nil,
		models.TransactionMetadata{"title": req.Title})
	if err != nil {
		return respondDomainError(c, err)
	}

	doc := models.Document{OwnerID: userID, Title: req.Title}
	if err := database.GetDB().Create(&doc).Error; err != nil {
		return respondDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"document":          doc,
		"credits_consumed":  result.CreditsConsumed,
		"credits_remaining": result.CreditsRemaining,
	})
}

type addCollaboratorRequest struct {
	UserID uint   `json:"user_id"`
	Role   string `json:"role"`
}

// HandleAddCollaborator adds a collaborator to a document. The ceiling
// of the document owner's plan governs, not the inviter's.
func HandleAddCollaborator(c *fiber.Ctx) error {
	docID, err := c.ParamsInt("id")
	if err != nil || docID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid document id"})
	}

	var req addCollaboratorRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.UserID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "user_id is required"})
	}
	if req.Role == "" {
		req.Role = "editor"
	}

	engine := entitlements.NewEngine(database.GetDB())
	if err := engine.CheckCollaboratorLimit(c.Context(), uint(docID)); err != nil {
		return respondDomainError(c, err)
	}

	collab := models.DocumentCollaborator{DocumentID: uint(docID), UserID: req.UserID, Role: req.Role}
	if err := database.GetDB().Create(&collab).Error; err != nil {
		return respondDomainError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(collab)
}

// HandleUploadFile accepts a file, enforces the plan's size ceiling, and
// debits the processing cost. The stored row tracks processing status.
func HandleUploadFile(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "file is required"})
	}

	userID := currentUserID(c)
	engine := entitlements.NewEngine(database.GetDB())
	if err := engine.CheckFileSizeLimit(c.Context(), userID, fileHeader.Size); err != nil {
		return respondDomainError(c, err)
	}

	result, err := engine.Consume(c.Context(), userID, models.OperationFileProcessing, nil,
		models.TransactionMetadata{"filename": fileHeader.Filename, "size_bytes": fileHeader.Size})
	if err != nil {
		return respondDomainError(c, err)
	}

	upload := models.Upload{
		UserID:           userID,
		OriginalFilename: fileHeader.Filename,
		FileSize:         fileHeader.Size,
		MimeType:         fileHeader.Header.Get("Content-Type"),
		Status:           models.UploadStatusPending,
	}
	if err := database.GetDB().Create(&upload).Error; err != nil {
		return respondDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"upload":            upload,
		"credits_consumed":  result.CreditsConsumed,
		"credits_remaining": result.CreditsRemaining,
	})
}

// HandleAnalyzeDocument runs a metered analysis on an owned document.
func HandleAnalyzeDocument(c *fiber.Ctx) error {
	docID, err := c.ParamsInt("id")
	if err != nil || docID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid document id"})
	}

	doc, err := repository.GetGlobalRepositories().Document.GetByID(uint(docID))
	if err != nil {
		return respondDomainError(c, err)
	}

	userID := currentUserID(c)
	engine := entitlements.NewEngine(database.GetDB())
	result, err := engine.Consume(c.Context(), userID, models.OperationDocumentAnalysis, nil,
		models.TransactionMetadata{"document_id": doc.ID})
	if err != nil {
		return respondDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"document_id":       doc.ID,
		"credits_consumed":  result.CreditsConsumed,
		"credits_remaining": result.CreditsRemaining,
	})
}

// HandleAISuggestion generates a metered AI suggestion. The feature gate
// runs before the debit: plans without ai_suggestions never pay.
func HandleAISuggestion(c *fiber.Ctx) error {
	docID, err := c.ParamsInt("id")
	if err != nil || docID < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid document id"})
	}

	userID := currentUserID(c)
	engine := entitlements.NewEngine(database.GetDB())
	if err := engine.RequireFeature(c.Context(), userID, "ai_suggestions"); err != nil {
		return respondDomainError(c, err)
	}

	result, err := engine.Consume(c.Context(), userID, models.OperationAISuggestion, nil,
		models.TransactionMetadata{"document_id": docID})
	if err != nil {
		return respondDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"document_id":       docID,
		"credits_consumed":  result.CreditsConsumed,
		"credits_remaining": result.CreditsRemaining,
	})
}
