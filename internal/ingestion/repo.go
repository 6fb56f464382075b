package ingestion

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

// Repository persists the Plaid change feed.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindItem(ctx context.Context, id uuid.UUID) (*models.PlaidItem, error)
	ListActiveItemIDs(ctx context.Context) ([]uuid.UUID, error)
	FindAccount(ctx context.Context, itemID uuid.UUID, plaidAccountID string) (*models.BankAccount, error)
	FindTransactionByPlaidID(ctx context.Context, plaidTransactionID string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error)
	UpdateTransaction(ctx context.Context, id uuid.UUID, updates map[string]any) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	FindDonationByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Donation, error)
	DeleteDonation(ctx context.Context, id uuid.UUID) error
	DetachDonation(ctx context.Context, id uuid.UUID) error
	SaveCursor(ctx context.Context, itemID uuid.UUID, cursor string, syncedAt time.Time) error
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

func (r *repository) FindItem(ctx context.Context, id uuid.UUID) (*models.PlaidItem, error) {
	var item models.PlaidItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repository) ListActiveItemIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.PlaidItem{}).
		Where("status = ?", enums.PlaidItemActive).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repository) FindAccount(ctx context.Context, itemID uuid.UUID, plaidAccountID string) (*models.BankAccount, error) {
	var account models.BankAccount
	err := r.db.WithContext(ctx).
		Where("plaid_item_id = ? AND plaid_account_id = ?", itemID, plaidAccountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindTransactionByPlaidID(ctx context.Context, plaidTransactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := r.db.WithContext(ctx).
		Where("plaid_transaction_id = ?", plaidTransactionID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// InsertTransaction reports false when another writer already stored the
// same plaid_transaction_id.
func (r *repository) InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plaid_transaction_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) UpdateTransaction(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Transaction{}).Error
}

func (r *repository) FindDonationByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Donation, error) {
	var donation models.Donation
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&donation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &donation, nil
}

func (r *repository) DeleteDonation(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Donation{}).Error
}

func (r *repository) DetachDonation(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ?", id).
		Update("transaction_id", nil).Error
}

func (r *repository) SaveCursor(ctx context.Context, itemID uuid.UUID, cursor string, syncedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PlaidItem{}).
		Where("id = ?", itemID).
		Updates(map[string]any{
			"cursor":         cursor,
			"last_synced_at": syncedAt,
		}).Error
}
