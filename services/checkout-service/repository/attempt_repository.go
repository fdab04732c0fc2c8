package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stellardevsa/marketplace/services/checkout-service/models"
)

type AttemptRepository interface {
	Create(ctx context.Context, attempt *models.CheckoutAttempt) error
	UpdateByID(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.CheckoutAttempt, error)
	FindBySession(ctx context.Context, sessionID string, limit int) ([]models.CheckoutAttempt, error)
}

type gormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepository(db *gorm.DB) AttemptRepository {
	return &gormAttemptRepo{db: db}
}

func (r *gormAttemptRepo) Create(ctx context.Context, attempt *models.CheckoutAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *gormAttemptRepo) UpdateByID(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.CheckoutAttempt{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormAttemptRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.CheckoutAttempt, error) {
	var attempt models.CheckoutAttempt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindBySession returns the session's most recent attempts, newest first.
func (r *gormAttemptRepo) FindBySession(ctx context.Context, sessionID string, limit int) ([]models.CheckoutAttempt, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var attempts []models.CheckoutAttempt
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}
