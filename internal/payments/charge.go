package payments

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/outbox/payloads"
	"github.com/countercart/countercart-backend/pkg/retry"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

// Charge skip reasons.
const (
	ReasonAutoDonateDisabled = "auto_donate_disabled"
	ReasonNoACH              = "no_ach_payment_method"
	ReasonNoStripeCustomer   = "no_stripe_customer"
	ReasonNotConfigured      = "payment_processor_not_configured"
	ReasonAlreadyCharged     = "already_charged"
	ReasonConcurrentCharge   = "concurrent_charge"

	paymentStatusSucceeded = "succeeded"
	paymentStatusFailed    = "failed"
)

type ChargeResult struct {
	BatchID         uuid.UUID              `json:"batchId"`
	Charged         bool                   `json:"charged"`
	PaymentIntentID string                 `json:"paymentIntentId,omitempty"`
	PaymentStatus   string                 `json:"paymentStatus,omitempty"`
	Status          enums.BatchStatus      `json:"status,omitempty"`
	Flow            enums.DisbursementFlow `json:"flow,omitempty"`
	Skipped         bool                   `json:"skipped,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
}

func (o *orchestrator) ChargeBatch(ctx context.Context, batchID uuid.UUID) (ChargeResult, error) {
	ctx = o.batchContext(ctx, batchID)
	result := ChargeResult{BatchID: batchID}

	var (
		batch   *models.DonationBatch
		user    *models.User
		account *models.BankAccount
	)
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := o.repo.WithTx(tx)
		var err error
		batch, err = repo.LockBatch(ctx, batchID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock batch")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "batch not found")
		}
		result.Status = batch.Status
		if batch.PaymentIntentID != nil {
			result.skip(ReasonAlreadyCharged)
			return nil
		}
		if batch.DisbursementFlow != nil && *batch.DisbursementFlow == enums.DisbursementFlowDonateLink {
			result.Flow = enums.DisbursementFlowDonateLink
			result.skip(batching.ReasonDonateLinksIssued)
			return nil
		}
		if !batch.Status.Chargeable() {
			result.skip(string(batch.Status))
			return nil
		}

		user, err = repo.FindUser(ctx, batch.UserID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load user")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		if !user.AutoDonateEnabled {
			result.skip(ReasonAutoDonateDisabled)
			return nil
		}
		account, err = repo.FindChargeableAccount(ctx, user.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load bank account")
		}
		if account == nil {
			result.skip(ReasonNoACH)
			return nil
		}
		if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
			result.skip(ReasonNoStripeCustomer)
			return nil
		}
		if !o.charger.Configured() {
			result.skip(ReasonNotConfigured)
			return nil
		}

		moved, err := repo.TransitionBatch(ctx, batchID,
			[]enums.BatchStatus{enums.BatchStatusPending, enums.BatchStatusReady},
			map[string]any{
				"status":            enums.BatchStatusProcessing,
				"disbursement_flow": o.flow,
			})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "move batch to processing")
		}
		if !moved {
			result.skip(ReasonConcurrentCharge)
			return nil
		}
		result.Status = enums.BatchStatusProcessing
		result.Flow = o.flow
		return nil
	})
	if err != nil {
		return result, err
	}
	if result.Skipped {
		o.metrics.IncCharge("skipped")
		if o.logg != nil {
			o.logg.Info(o.logg.WithField(ctx, "reason", result.Reason), "batch charge skipped")
		}
		return result, nil
	}

	charge, chargeErr := retry.Value(ctx, o.retry, "stripe.charge_batch", func(ctx context.Context) (*stripe.BatchChargeResult, error) {
		return o.charger.ChargeBatch(ctx, stripe.BatchChargeRequest{
			BatchID:         batch.ID,
			UserID:          user.ID,
			CustomerID:      *user.StripeCustomerID,
			PaymentMethodID: *account.StripePaymentMethodID,
			Amount:          batch.TotalAmount,
		})
	})
	if chargeErr == nil && charge != nil && charge.Accepted() {
		return o.recordCharge(ctx, batch, charge, result)
	}

	reason := "payment failed"
	if chargeErr != nil {
		reason = chargeErr.Error()
	} else if charge != nil {
		reason = fmt.Sprintf("payment intent status %s", charge.Status)
	}
	result, err = o.recordChargeFailure(ctx, batch, charge, reason, result)
	if err != nil {
		return result, err
	}
	if chargeErr == nil {
		chargeErr = pkgerrors.New(pkgerrors.CodeDependency, reason).Terminal()
	}
	return result, chargeErr
}

func (r *ChargeResult) skip(reason string) {
	r.Skipped = true
	r.Reason = reason
}

func (o *orchestrator) recordCharge(ctx context.Context, batch *models.DonationBatch, charge *stripe.BatchChargeResult, result ChargeResult) (ChargeResult, error) {
	chargedAt := o.now().UTC()
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := o.repo.WithTx(tx).UpdateBatch(ctx, batch.ID, map[string]any{
			"payment_intent_id": charge.PaymentIntentID,
			"payment_status":    charge.Status,
			"payment_error":     nil,
			"charged_at":        chargedAt,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record payment intent")
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBatchCharged,
			AggregateType: enums.AggregateDonationBatch,
			AggregateID:   batch.ID,
			Actor:         &outbox.ActorRef{UserID: batch.UserID, Source: "payments"},
			Data: payloads.BatchChargedEvent{
				BatchID:         batch.ID,
				UserID:          batch.UserID,
				PaymentIntentID: charge.PaymentIntentID,
				Amount:          batch.TotalAmount,
				ChargedAt:       chargedAt,
			},
		})
	})
	if err != nil {
		return result, err
	}
	result.Charged = true
	result.PaymentIntentID = charge.PaymentIntentID
	result.PaymentStatus = charge.Status
	o.metrics.IncCharge("accepted")
	if o.logg != nil {
		o.logg.Info(o.logg.WithFields(ctx, map[string]any{
			"payment_intent_id": charge.PaymentIntentID,
			"payment_status":    charge.Status,
			"amount":            batch.TotalAmount.StringFixed(2),
		}), "batch charged")
	}
	return result, nil
}

func (o *orchestrator) recordChargeFailure(ctx context.Context, batch *models.DonationBatch, charge *stripe.BatchChargeResult, reason string, result ChargeResult) (ChargeResult, error) {
	updates := map[string]any{
		"status":        enums.BatchStatusFailed,
		"payment_error": reason,
		"error_message": reason,
	}
	intentID := ""
	if charge != nil {
		intentID = charge.PaymentIntentID
		if intentID != "" {
			updates["payment_intent_id"] = intentID
		}
		updates["payment_status"] = charge.Status
	}
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := o.repo.WithTx(tx).UpdateBatch(ctx, batch.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record charge failure")
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBatchChargeFailed,
			AggregateType: enums.AggregateDonationBatch,
			AggregateID:   batch.ID,
			Actor:         &outbox.ActorRef{UserID: batch.UserID, Source: "payments"},
			Data: payloads.BatchChargeFailedEvent{
				BatchID:         batch.ID,
				UserID:          batch.UserID,
				PaymentIntentID: intentID,
				Reason:          reason,
			},
		})
	})
	if err != nil {
		return result, err
	}
	result.Status = enums.BatchStatusFailed
	result.PaymentIntentID = intentID
	o.metrics.IncCharge("failed")
	if o.logg != nil {
		o.logg.Warn(o.logg.WithField(ctx, "reason", reason), "batch charge failed")
	}
	return result, nil
}

func (o *orchestrator) HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) (DistributeResult, error) {
	var batchID uuid.UUID
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := o.repo.WithTx(tx)
		batch, err := repo.LockBatchByPaymentIntent(ctx, paymentIntentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load batch by payment intent")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no batch for payment intent")
		}
		batchID = batch.ID
		updates := map[string]any{"payment_status": paymentStatusSucceeded}
		if batch.ChargedAt == nil {
			updates["charged_at"] = o.now().UTC()
		}
		return repo.UpdateBatch(ctx, batch.ID, updates)
	})
	if err != nil {
		return DistributeResult{}, err
	}
	return o.Distribute(ctx, batchID)
}

func (o *orchestrator) HandlePaymentFailed(ctx context.Context, paymentIntentID, reason string) error {
	if reason == "" {
		reason = "payment failed"
	}
	return o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := o.repo.WithTx(tx)
		batch, err := repo.LockBatchByPaymentIntent(ctx, paymentIntentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load batch by payment intent")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no batch for payment intent")
		}
		if err := repo.UpdateBatch(ctx, batch.ID, map[string]any{
			"status":         enums.BatchStatusFailed,
			"payment_status": paymentStatusFailed,
			"payment_error":  reason,
			"error_message":  reason,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail batch")
		}
		txnIDs, err := repo.FailOpenDonations(ctx, batch.ID, reason)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail donations")
		}
		if err := repo.MarkTransactionsFailed(ctx, txnIDs); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "fail transactions")
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBatchChargeFailed,
			AggregateType: enums.AggregateDonationBatch,
			AggregateID:   batch.ID,
			Actor:         &outbox.ActorRef{UserID: batch.UserID, Source: "stripe"},
			Data: payloads.BatchChargeFailedEvent{
				BatchID:         batch.ID,
				UserID:          batch.UserID,
				PaymentIntentID: paymentIntentID,
				Reason:          reason,
			},
		})
	})
}
