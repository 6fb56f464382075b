package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

// Repository persists webhook events and the plaid item state they drive.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Insert(ctx context.Context, event *models.WebhookEvent) (bool, error)
	Find(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	FindBySourceEventID(ctx context.Context, source enums.WebhookSource, eventID string) (*models.WebhookEvent, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
	Requeue(ctx context.Context, id uuid.UUID) (bool, error)
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error)
	ListRecent(ctx context.Context, limit int) ([]models.WebhookEvent, error)

	FindPlaidItem(ctx context.Context, itemID string) (*models.PlaidItem, error)
	UpdatePlaidItem(ctx context.Context, id uuid.UUID, updates map[string]any) error
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

// Insert stores the event unless (source, event_id) already exists.
func (r *repository) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	return res.RowsAffected > 0, res.Error
}

func (r *repository) Find(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &event, nil
}

func (r *repository) FindBySourceEventID(ctx context.Context, source enums.WebhookSource, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("source = ? AND event_id = ?", source, eventID).
		First(&event).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &event, nil
}

// Claim moves a PENDING event to PROCESSING. Only one caller can win.
func (r *repository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, enums.WebhookEventPending).
		Update("status", enums.WebhookEventProcessing)
	return res.RowsAffected > 0, res.Error
}

func (r *repository) Complete(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.WebhookEventCompleted,
			"processed_at": processedAt,
			"error":        nil,
		}).Error
}

func (r *repository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	return r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      enums.WebhookEventFailed,
			"error":       message,
			"retry_count": gorm.Expr("retry_count + 1"),
		}).Error
}

func (r *repository) Requeue(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, enums.WebhookEventFailed).
		Update("status", enums.WebhookEventPending)
	return res.RowsAffected > 0, res.Error
}

// ListRetryable returns FAILED events under the attempt budget, oldest first.
func (r *repository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", enums.WebhookEventFailed, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) ListRecent(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *repository) FindPlaidItem(ctx context.Context, itemID string) (*models.PlaidItem, error) {
	var item models.PlaidItem
	if err := r.db.WithContext(ctx).Where("item_id = ?", itemID).First(&item).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &item, nil
}

func (r *repository) UpdatePlaidItem(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.PlaidItem{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
