package batching

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/outbox/payloads"
)

// Settlement skip reasons.
const (
	ReasonNoOpenDonation    = "no_open_donation"
	ReasonAlreadyFinal      = "already_final"
	ReasonDuplicateEveryOrg = "duplicate_every_org_id"

	errNothingDisbursed = "no donation in the batch was disbursed"
)

// CompleteDonationInput identifies the donation to settle. Resolution order is
// DonationID, then ExternalDisbursementID, then the first open donation of
// (BatchID, UserID).
type CompleteDonationInput struct {
	DonationID             *uuid.UUID
	ExternalDisbursementID string
	BatchID                *uuid.UUID
	UserID                 *uuid.UUID
	EveryOrgID             string
	ReceiptURL             string
}

type FailDonationInput struct {
	DonationID             *uuid.UUID
	ExternalDisbursementID string
	Reason                 string
}

type CompleteResult struct {
	DonationID     *uuid.UUID           `json:"donationId,omitempty"`
	BatchID        *uuid.UUID           `json:"batchId,omitempty"`
	Status         enums.DonationStatus `json:"status,omitempty"`
	BatchCompleted bool                 `json:"batchCompleted"`
	BatchStatus    enums.BatchStatus    `json:"batchStatus,omitempty"`
	Skipped        bool                 `json:"skipped,omitempty"`
	Reason         string               `json:"reason,omitempty"`
}

func (s *service) CompleteDonation(ctx context.Context, in CompleteDonationInput) (CompleteResult, error) {
	var result CompleteResult
	everyOrgID := strings.TrimSpace(in.EveryOrgID)

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if everyOrgID != "" {
			taken, err := repo.EveryOrgIDTaken(ctx, everyOrgID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check every.org id")
			}
			if taken {
				result.Skipped = true
				result.Reason = ReasonDuplicateEveryOrg
				return nil
			}
		}

		donation, err := resolveDonation(ctx, repo, in.DonationID, in.ExternalDisbursementID, in.BatchID, in.UserID)
		if err != nil {
			return err
		}
		if donation == nil {
			result.Skipped = true
			result.Reason = ReasonNoOpenDonation
			return nil
		}
		id := donation.ID
		result.DonationID = &id
		result.BatchID = donation.BatchID
		result.Status = donation.Status
		if donation.Status.IsFinal() {
			result.Skipped = true
			result.Reason = ReasonAlreadyFinal
			return nil
		}

		completedAt := s.now().UTC()
		updates := map[string]any{
			"status":        enums.DonationStatusCompleted,
			"completed_at":  completedAt,
			"error_message": nil,
		}
		if everyOrgID != "" {
			updates["every_org_id"] = everyOrgID
		}
		if in.ReceiptURL != "" {
			updates["receipt_url"] = in.ReceiptURL
		}
		if err := repo.UpdateDonation(ctx, donation.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete donation")
		}
		if donation.TransactionID != nil {
			if err := repo.UpdateTransactionStatus(ctx, *donation.TransactionID, enums.TransactionStatusDonated); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark transaction donated")
			}
		}
		result.Status = enums.DonationStatusCompleted

		if donation.BatchID != nil {
			closed, err := s.settleBatch(ctx, repo, *donation.BatchID, donation, true)
			if err != nil {
				return err
			}
			result.BatchStatus = closed
			result.BatchCompleted = closed == enums.BatchStatusCompleted
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDonationCompleted,
			AggregateType: enums.AggregateDonation,
			AggregateID:   donation.ID,
			Actor:         &outbox.ActorRef{UserID: donation.UserID, Source: "settlement"},
			Data: payloads.DonationCompletedEvent{
				DonationID:  donation.ID,
				UserID:      donation.UserID,
				CharityID:   donation.CharityID,
				Amount:      donation.Amount,
				CompletedAt: completedAt,
			},
		})
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if s.logg != nil && !result.Skipped {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"donation_id":     result.DonationID.String(),
			"batch_completed": result.BatchCompleted,
		}), "donation completed")
	}
	return result, nil
}

// FailDonation marks an open donation and its transaction FAILED.
func (s *service) FailDonation(ctx context.Context, in FailDonationInput) (CompleteResult, error) {
	var result CompleteResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		donation, err := resolveDonation(ctx, repo, in.DonationID, in.ExternalDisbursementID, nil, nil)
		if err != nil {
			return err
		}
		if donation == nil {
			result.Skipped = true
			result.Reason = ReasonNoOpenDonation
			return nil
		}
		id := donation.ID
		result.DonationID = &id
		result.BatchID = donation.BatchID
		result.Status = donation.Status
		if donation.Status.IsFinal() {
			result.Skipped = true
			result.Reason = ReasonAlreadyFinal
			return nil
		}
		if err := repo.UpdateDonation(ctx, donation.ID, map[string]any{
			"status":        enums.DonationStatusFailed,
			"error_message": in.Reason,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail donation")
		}
		if donation.TransactionID != nil {
			if err := repo.UpdateTransactionStatus(ctx, *donation.TransactionID, enums.TransactionStatusFailed); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark transaction failed")
			}
		}
		result.Status = enums.DonationStatusFailed
		if donation.BatchID != nil {
			closed, err := s.settleBatch(ctx, repo, *donation.BatchID, donation, false)
			if err != nil {
				return err
			}
			result.BatchStatus = closed
			result.BatchCompleted = closed == enums.BatchStatusCompleted
		}
		return nil
	})
	if err != nil {
		return CompleteResult{}, err
	}
	return result, nil
}

// settleBatch adds a completed donation to confirmed_amount and closes the
// batch once nothing is left open: COMPLETED when anything was confirmed,
// FAILED when every donation failed. It returns the status the batch was
// closed with, or "" while it stays open. total_amount is never touched here.
func (s *service) settleBatch(ctx context.Context, repo Repository, batchID uuid.UUID, donation *models.Donation, confirmed bool) (enums.BatchStatus, error) {
	batch, err := repo.LockBatch(ctx, batchID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock batch")
	}
	if batch == nil {
		return "", nil
	}
	updates := map[string]any{}
	confirmedAmount := batch.ConfirmedAmount
	if confirmed {
		confirmedAmount = confirmedAmount.Add(donation.Amount)
		updates["confirmed_amount"] = confirmedAmount
	}
	open, err := repo.CountOpenDonations(ctx, batchID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count open donations")
	}
	var closed enums.BatchStatus
	if open == 0 && batch.Status != enums.BatchStatusCompleted && batch.Status != enums.BatchStatusFailed {
		closed = enums.BatchStatusCompleted
		if !confirmedAmount.IsPositive() {
			closed = enums.BatchStatusFailed
			updates["error_message"] = errNothingDisbursed
		}
		updates["status"] = closed
		updates["processed_at"] = s.now().UTC()
	}
	if len(updates) == 0 {
		return "", nil
	}
	if err := repo.UpdateBatch(ctx, batchID, updates); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle batch")
	}
	return closed, nil
}

func resolveDonation(ctx context.Context, repo Repository, donationID *uuid.UUID, externalID string, batchID, userID *uuid.UUID) (*models.Donation, error) {
	var (
		donation *models.Donation
		err      error
	)
	switch {
	case donationID != nil:
		donation, err = repo.LockDonation(ctx, *donationID)
	case strings.TrimSpace(externalID) != "":
		donation, err = repo.LockDonationByExternalID(ctx, strings.TrimSpace(externalID))
	case batchID != nil && userID != nil:
		donation, err = repo.LockOpenDonationForBatch(ctx, *batchID, *userID)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "donation id, external id or batch and user required")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load donation")
	}
	return donation, nil
}
