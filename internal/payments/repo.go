package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

// Repository covers the payment and distribution state of batches.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error)
	LockBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error)
	LockBatchByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.DonationBatch, error)
	LockBatchByDisbursement(ctx context.Context, disbursementID string) (*models.DonationBatch, error)
	TransitionBatch(ctx context.Context, id uuid.UUID, from []enums.BatchStatus, updates map[string]any) (bool, error)
	ClaimGrant(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateBatch(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListBatchIDsForGrant(ctx context.Context, grantStatus *enums.GrantStatus, limit int) ([]uuid.UUID, error)

	FindUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindChargeableAccount(ctx context.Context, userID uuid.UUID) (*models.BankAccount, error)

	ListDisbursableDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error)
	ClaimDonation(ctx context.Context, donationID uuid.UUID) (bool, error)
	ListGrantableDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error)
	ListGrantedOpenDonationIDs(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error)
	RecordDisbursement(ctx context.Context, donationID uuid.UUID, externalID string) (bool, error)
	FailOpenDonations(ctx context.Context, batchID uuid.UUID, reason string) ([]uuid.UUID, error)
	MarkTransactionsFailed(ctx context.Context, ids []uuid.UUID) error
	SetDonationGrantStatus(ctx context.Context, ids []uuid.UUID, status enums.GrantStatus) error
	SetBatchDonationsGrantStatus(ctx context.Context, batchID uuid.UUID, from, to enums.GrantStatus) error

	FindCharity(ctx context.Context, id uuid.UUID) (*models.Charity, error)
	FindDefaultCharity(ctx context.Context, causeID uuid.UUID) (*models.Charity, error)
	FindAnyActiveCharity(ctx context.Context) (*models.Charity, error)
	SetChangeNonprofitID(ctx context.Context, charityID uuid.UUID, nonprofitID string) error
	FindCause(ctx context.Context, id uuid.UUID) (*models.Cause, error)
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

func (r *repository) FindBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error) {
	var batch models.DonationBatch
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &batch, nil
}

func (r *repository) LockBatch(ctx context.Context, id uuid.UUID) (*models.DonationBatch, error) {
	return r.lockBatchWhere(ctx, "id = ?", id)
}

func (r *repository) LockBatchByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.DonationBatch, error) {
	return r.lockBatchWhere(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (r *repository) LockBatchByDisbursement(ctx context.Context, disbursementID string) (*models.DonationBatch, error) {
	return r.lockBatchWhere(ctx, "disbursement_id = ?", disbursementID)
}

func (r *repository) lockBatchWhere(ctx context.Context, query string, arg any) (*models.DonationBatch, error) {
	var batch models.DonationBatch
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(query, arg).
		First(&batch).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &batch, nil
}

// TransitionBatch applies updates only while the batch is still in one of the
// from states; false means another writer moved it first.
func (r *repository) TransitionBatch(ctx context.Context, id uuid.UUID, from []enums.BatchStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.DonationBatch{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// ClaimGrant moves grant_status to processing unless a grant is already
// running or done.
func (r *repository) ClaimGrant(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.DonationBatch{}).
		Where("id = ? AND (grant_status IS NULL OR grant_status IN ?)", id,
			[]enums.GrantStatus{enums.GrantStatusFailed, enums.GrantStatusPending}).
		Updates(map[string]any{
			"grant_status": enums.GrantStatusProcessing,
			"grant_error":  nil,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *repository) UpdateBatch(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	return r.db.WithContext(ctx).
		Model(&models.DonationBatch{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListBatchIDsForGrant returns grant-flow batches whose charge succeeded and
// that carry the given grant status, or no grant yet when grantStatus is nil.
// Retail and donate-link batches never qualify.
func (r *repository) ListBatchIDsForGrant(ctx context.Context, grantStatus *enums.GrantStatus, limit int) ([]uuid.UUID, error) {
	q := r.db.WithContext(ctx).
		Model(&models.DonationBatch{}).
		Where("disbursement_flow = ? AND payment_status = ?", enums.DisbursementFlowGrant, paymentStatusSucceeded).
		Where("status IN ?", []enums.BatchStatus{enums.BatchStatusProcessing, enums.BatchStatusCompleted})
	if grantStatus == nil {
		q = q.Where("grant_status IS NULL")
	} else {
		q = q.Where("grant_status = ?", *grantStatus)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uuid.UUID
	err := q.Order("created_at ASC").Pluck("id", &ids).Error
	return ids, err
}

func (r *repository) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &user, nil
}

func (r *repository) FindChargeableAccount(ctx context.Context, userID uuid.UUID) (*models.BankAccount, error) {
	var account models.BankAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND ach_enabled = ?", userID, true, true).
		Where("stripe_payment_method_id IS NOT NULL AND stripe_payment_method_id <> ''").
		Order("created_at ASC").
		First(&account).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &account, nil
}

func (r *repository) ListDisbursableDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error) {
	var rows []models.Donation
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ? AND external_disbursement_id IS NULL", batchID, enums.DonationStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ClaimDonation moves an undisbursed PENDING donation to PROCESSING. Only one
// caller wins; the rest get false and must not pay it out.
func (r *repository) ClaimDonation(ctx context.Context, donationID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ? AND status = ? AND external_disbursement_id IS NULL", donationID, enums.DonationStatusPending).
		Update("status", enums.DonationStatusProcessing)
	return res.RowsAffected > 0, res.Error
}

// ListGrantableDonations returns open donations no other payout has touched.
func (r *repository) ListGrantableDonations(ctx context.Context, batchID uuid.UUID) ([]models.Donation, error) {
	var rows []models.Donation
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status IN ?", batchID, []enums.DonationStatus{
			enums.DonationStatusPending,
			enums.DonationStatusProcessing,
		}).
		Where("external_disbursement_id IS NULL").
		Where("grant_status IS NULL OR grant_status <> ?", enums.GrantStatusCompleted).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ListGrantedOpenDonationIDs returns donations covered by a completed grant
// that have not been settled yet.
func (r *repository) ListGrantedOpenDonationIDs(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("batch_id = ? AND grant_status = ?", batchID, enums.GrantStatusCompleted).
		Where("status IN ?", []enums.DonationStatus{enums.DonationStatusPending, enums.DonationStatusProcessing}).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// RecordDisbursement stores the provider reference once; a second writer for
// the same donation gets false. The donation is normally already PROCESSING
// from ClaimDonation.
func (r *repository) RecordDisbursement(ctx context.Context, donationID uuid.UUID, externalID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id = ? AND external_disbursement_id IS NULL", donationID).
		Updates(map[string]any{
			"external_disbursement_id": externalID,
			"status":                   enums.DonationStatusProcessing,
		})
	return res.RowsAffected > 0, res.Error
}

// FailOpenDonations fails every non-final donation of the batch and returns
// the linked transaction ids.
func (r *repository) FailOpenDonations(ctx context.Context, batchID uuid.UUID, reason string) ([]uuid.UUID, error) {
	var open []models.Donation
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status IN ?", batchID, []enums.DonationStatus{
			enums.DonationStatusPending,
			enums.DonationStatusProcessing,
		}).
		Find(&open).Error
	if err != nil || len(open) == 0 {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(open))
	txnIDs := make([]uuid.UUID, 0, len(open))
	for _, d := range open {
		ids = append(ids, d.ID)
		if d.TransactionID != nil {
			txnIDs = append(txnIDs, *d.TransactionID)
		}
	}
	err = r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":        enums.DonationStatusFailed,
			"error_message": reason,
		}).Error
	return txnIDs, err
}

func (r *repository) MarkTransactionsFailed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id IN ?", ids).
		Update("status", enums.TransactionStatusFailed).Error
}

func (r *repository) SetDonationGrantStatus(ctx context.Context, ids []uuid.UUID, status enums.GrantStatus) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("id IN ?", ids).
		Update("grant_status", status).Error
}

func (r *repository) SetBatchDonationsGrantStatus(ctx context.Context, batchID uuid.UUID, from, to enums.GrantStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Donation{}).
		Where("batch_id = ? AND grant_status = ?", batchID, from).
		Update("grant_status", to).Error
}

func (r *repository) FindCharity(ctx context.Context, id uuid.UUID) (*models.Charity, error) {
	var charity models.Charity
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&charity).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &charity, nil
}

func (r *repository) FindDefaultCharity(ctx context.Context, causeID uuid.UUID) (*models.Charity, error) {
	var charity models.Charity
	err := r.db.WithContext(ctx).
		Where("cause_id = ? AND is_default = ? AND is_active = ?", causeID, true, true).
		Order("created_at ASC").
		First(&charity).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &charity, nil
}

func (r *repository) FindAnyActiveCharity(ctx context.Context) (*models.Charity, error) {
	var charity models.Charity
	err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_default DESC").
		Order("created_at ASC").
		First(&charity).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &charity, nil
}

func (r *repository) SetChangeNonprofitID(ctx context.Context, charityID uuid.UUID, nonprofitID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Charity{}).
		Where("id = ?", charityID).
		Update("change_nonprofit_id", nonprofitID).Error
}

func (r *repository) FindCause(ctx context.Context, id uuid.UUID) (*models.Cause, error) {
	var cause models.Cause
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&cause).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &cause, nil
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
