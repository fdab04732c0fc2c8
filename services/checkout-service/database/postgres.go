package database

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
	"github.com/stellardevsa/marketplace/services/common/logger"
)

// ConnectPostgres opens the attempt log database and migrates its schema.
func ConnectPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.AutoMigrate(&models.CheckoutAttempt{}); err != nil {
		return nil, fmt.Errorf("migrating checkout_attempts: %w", err)
	}

	logger.Log.Info("Connected to PostgreSQL", zap.String("table", "checkout_attempts"))
	return db, nil
}
