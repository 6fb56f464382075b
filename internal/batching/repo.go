package batching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

var openDonationStatuses = []enums.DonationStatus{
	enums.DonationStatusPending,
	enums.DonationStatusProcessing,
}

// Repository covers batches and the donations attached to them.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	ListUsersWithUnbatched(ctx context.Context) ([]uuid.UUID, error)
	FindUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	LockUnbatchedDonations(ctx context.Context, userID uuid.UUID) ([]models.Donation, error)
	InsertBatchIfAbsent(ctx context.Context, batch *models.DonationBatch) (bool, error)
	LockBatchForWeek(ctx context.Context, userID uuid.UUID, weekOf time.Time) (*models.DonationBatch, error)
	AttachDonations(ctx context.Context, batchID uuid.UUID, donationIDs []uuid.UUID) error
	MarkTransactionsBatched(ctx context.Context, transactionIDs []uuid.UUID) error

	LockBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error)
	UpdateBatch(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListBatchDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error)
	CountOpenDonations(ctx context.Context, batchID uuid.UUID) (int64, error)

	LockDonation(ctx context.Context, id uuid.UUID) (*models.Donation, error)
	LockDonationByExternalID(ctx context.Context, externalID string) (*models.Donation, error)
	LockOpenDonationForBatch(ctx context.Context, batchID, userID uuid.UUID) (*models.Donation, error)
	EveryOrgIDTaken(ctx context.Context, everyOrgID string) (bool, error)
	UpdateDonation(ctx context.Context, id uuid.UUID, updates map[string]any) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status enums.TransactionStatus) error

	ResetMonthlyTotals(ctx context.Context) (int64, error)
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

func (r *repository) ListUsersWithUnbatched(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("status = ? AND batch_id IS NULL", enums.DonationStatusPending).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *repository) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &user, nil
}

func (r *repository) LockUnbatchedDonations(ctx context.Context, userID uuid.UUID) ([]models.Donation, error) {
	var rows []models.Donation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND status = ? AND batch_id IS NULL", userID, enums.DonationStatusPending).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// InsertBatchIfAbsent relies on the (user_id, week_of) constraint; false means
// the week's batch already existed.
func (r *repository) InsertBatchIfAbsent(ctx context.Context, batch *models.DonationBatch) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "week_of"}},
			DoNothing: true,
		}).
		Create(batch)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) LockBatchForWeek(ctx context.Context, userID uuid.UUID, weekOf time.Time) (*models.DonationBatch, error) {
	var batch models.DonationBatch
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND week_of = ?", userID, weekOf).
		First(&batch).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &batch, nil
}

func (r *repository) AttachDonations(ctx context.Context, batchID uuid.UUID, donationIDs []uuid.UUID) error {
	if len(donationIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id IN ?", donationIDs).
		Update("batch_id", batchID).Error
}

func (r *repository) MarkTransactionsBatched(ctx context.Context, transactionIDs []uuid.UUID) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id IN ? AND status = ?", transactionIDs, enums.TransactionStatusMatched).
		Update("status", enums.TransactionStatusBatched).Error
}

func (r *repository) LockBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error) {
	var batch models.DonationBatch
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&batch).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &batch, nil
}

func (r *repository) UpdateBatch(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.DonationBatch{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) ListBatchDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error) {
	var rows []models.Donation
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repository) CountOpenDonations(ctx context.Context, batchID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("batch_id = ? AND status IN ?", batchID, openDonationStatuses).
		Count(&n).Error
	return n, err
}

func (r *repository) LockDonation(ctx context.Context, id uuid.UUID) (*models.Donation, error) {
	return r.lockDonationWhere(ctx, "id = ?", id)
}

func (r *repository) LockDonationByExternalID(ctx context.Context, externalID string) (*models.Donation, error) {
	return r.lockDonationWhere(ctx, "external_disbursement_id = ?", externalID)
}

func (r *repository) LockOpenDonationForBatch(ctx context.Context, batchID, userID uuid.UUID) (*models.Donation, error) {
	var donation models.Donation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("batch_id = ? AND user_id = ? AND status IN ?", batchID, userID, openDonationStatuses).
		Order("created_at ASC").
		Order("id ASC").
		First(&donation).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &donation, nil
}

func (r *repository) lockDonationWhere(ctx context.Context, query string, arg any) (*models.Donation, error) {
	var donation models.Donation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, arg).
		First(&donation).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &donation, nil
}

func (r *repository) EveryOrgIDTaken(ctx context.Context, everyOrgID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("every_org_id = ?", everyOrgID).
		Count(&n).Error
	return n > 0, err
}

func (r *repository) UpdateDonation(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status enums.TransactionStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *repository) ResetMonthlyTotals(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("current_month_total <> ?", decimal.Zero).
		Update("current_month_total", decimal.Zero)
	return res.RowsAffected, res.Error
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
