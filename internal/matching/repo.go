package matching

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/countercart/countercart-backend/pkg/db/models"
)

// Repository is the persistence surface used by the matching engine.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ListActiveMappings(ctx context.Context) ([]models.BusinessMapping, error)
	FindTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	LockUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	HasCause(ctx context.Context, userID, causeID uuid.UUID) (bool, error)
	FindDefaultCharity(ctx context.Context, causeID uuid.UUID) (*models.Charity, error)
	CreateDonation(ctx context.Context, donation *models.Donation) error
	UpdateTransaction(ctx context.Context, id uuid.UUID, updates map[string]any) error
	UpdateMonthTotal(ctx context.Context, userID uuid.UUID, total decimal.Decimal) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// ListActiveMappings returns active mappings in their stable evaluation order.
func (r *repository) ListActiveMappings(ctx context.Context) ([]models.BusinessMapping, error) {
	var rows []models.BusinessMapping
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) FindTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var row models.Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *repository) LockUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) HasCause(ctx context.Context, userID, causeID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UserCause{}).
		Where("user_id = ? AND cause_id = ?", userID, causeID).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) FindDefaultCharity(ctx context.Context, causeID uuid.UUID) (*models.Charity, error) {
	var charity models.Charity
	err := r.db.WithContext(ctx).
		Where("cause_id = ? AND is_default = ? AND is_active = ?", causeID, true, true).
		Order("created_at ASC").
		First(&charity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charity, nil
}

func (r *repository) CreateDonation(ctx context.Context, donation *models.Donation) error {
	return r.db.WithContext(ctx).Create(donation).Error
}

func (r *repository) UpdateTransaction(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) UpdateMonthTotal(ctx context.Context, userID uuid.UUID, total decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("current_month_total", total).Error
}
