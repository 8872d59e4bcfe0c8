package database

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scanpilot/scanpilot/app/models"
	"github.com/scanpilot/scanpilot/internal/pkg/env"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared GORM handle set up by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

func SetupDatabase() {
	var err error
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,   // data source name
			DefaultStringSize:         256,   // default size for string fields
			DisableDatetimePrecision:  true,  // disable datetime precision, which not supported before MySQL 5.6
			DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
			DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
			SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
		}), &gorm.Config{TranslateError: true})
		if err == nil {
			if err := Migrate(DB); err != nil {
				panic(err)
			}
			if err := Seed(DB); err != nil {
				panic(err)
			}
			return
		}

		log.Printf("Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Printf("Retry number %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// Migrate applies the schema for every model this service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Plan{},
		&models.Subscription{},
		&models.CreditTransaction{},
		&models.CreditCost{},
		&models.Referral{},
		&models.Document{},
		&models.DocumentCollaborator{},
		&models.Upload{},
		&models.WebhookEvent{},
	)
}

// Seed inserts the plan catalog and operation prices if they are missing.
// Safe to run on every boot: existing rows are left untouched so prices
// adjusted at runtime survive restarts.
func Seed(db *gorm.DB) error {
	for _, plan := range defaultPlans() {
		var existing models.Plan
		err := db.Where("name = ?", plan.Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Create(&plan).Error; err != nil {
			return err
		}
	}

	for _, cost := range defaultCreditCosts() {
		var existing models.CreditCost
		err := db.Where("operation_type = ?", cost.OperationType).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Create(&cost).Error; err != nil {
			return err
		}
	}
	return nil
}

func defaultPlans() []models.Plan {
	return []models.Plan{
		{
			Name:             models.PlanFree,
			DisplayName:      "Free",
			PriceMonthly:     0,
			PriceYearly:      0,
			CreditsPerMonth:  20,
			RolloverLimit:    0,
			MaxCollaborators: 1,
			MaxFileSizeMB:    5,
			MaxDocuments:     10,
			Features:         models.FeatureFlags{"basic_editing": true},
			IsActive:         true,
		},
		{
			Name:             models.PlanPro,
			DisplayName:      "Pro",
			PriceMonthly:     15,
			PriceYearly:      144,
			CreditsPerMonth:  500,
			RolloverLimit:    100,
			MaxCollaborators: 5,
			MaxFileSizeMB:    50,
			MaxDocuments:     100,
			Features:         models.FeatureFlags{"basic_editing": true, "ai_suggestions": true, "version_history": true},
			IsActive:         true,
		},
		{
			Name:             models.PlanTeam,
			DisplayName:      "Team",
			PriceMonthly:     50,
			PriceYearly:      480,
			CreditsPerMonth:  2000,
			RolloverLimit:    500,
			MaxCollaborators: 25,
			MaxFileSizeMB:    200,
			MaxDocuments:     models.UnlimitedValue,
			Features:         models.FeatureFlags{"basic_editing": true, "ai_suggestions": true, "version_history": true, "team_workspaces": true, "priority_support": true},
			IsActive:         true,
		},
		{
			Name:             models.PlanEnterprise,
			DisplayName:      "Enterprise",
			PriceMonthly:     200,
			PriceYearly:      1920,
			CreditsPerMonth:  models.UnlimitedValue,
			RolloverLimit:    0,
			MaxCollaborators: models.UnlimitedValue,
			MaxFileSizeMB:    models.UnlimitedValue,
			MaxDocuments:     models.UnlimitedValue,
			Features:         models.FeatureFlags{"basic_editing": true, "ai_suggestions": true, "version_history": true, "team_workspaces": true, "priority_support": true, "sso": true, "audit_log": true},
			IsActive:         true,
		},
	}
}

func defaultCreditCosts() []models.CreditCost {
	return []models.CreditCost{
		{OperationType: models.OperationFileProcessing, Cost: 5, Description: "Process an uploaded file", IsActive: true},
		{OperationType: models.OperationDocumentAnalysis, Cost: 2, Description: "Analyze a document", IsActive: true},
		{OperationType: models.OperationAISuggestion, Cost: 1, Description: "Generate an AI suggestion", IsActive: true},
		{OperationType: models.OperationDocumentCreation, Cost: 1, Description: "Create a document", IsActive: true},
	}
}
