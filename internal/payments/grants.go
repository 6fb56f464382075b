package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/payments/disbursement"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/outbox/payloads"
	"github.com/countercart/countercart-backend/pkg/retry"
)

// Grant skip reasons.
const (
	ReasonGrantCompleted  = "grant_completed"
	ReasonGrantProcessing = "grant_processing"
	ReasonNoGrants        = "no_grants"
	ReasonNotGrantFlow    = "not_grant_flow"
	ReasonPaymentPending  = "payment_not_succeeded"

	grantSweepLimit  = 50
	defaultCauseName = "General"
)

type GrantResult struct {
	BatchID        uuid.UUID       `json:"batchId"`
	DisbursementID string          `json:"disbursementId,omitempty"`
	GrantsQueued   int             `json:"grantsQueued"`
	DonationCount  int             `json:"donationCount"`
	Unresolved     int             `json:"unresolved,omitempty"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Skipped        bool            `json:"skipped,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

type GrantSweepSummary struct {
	Considered  int           `json:"considered"`
	Distributed int           `json:"distributed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Results     []GrantResult `json:"results,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
}

type grantGroup struct {
	slug      string
	cause     string
	amount    decimal.Decimal
	donations []uuid.UUID
}

// DistributeGrants sends one Every.org partner disbursement covering every
// charity the open donations of a grant-flow batch point at. It only runs
// once the batch's ACH charge has succeeded.
func (o *orchestrator) DistributeGrants(ctx context.Context, batchID uuid.UUID) (GrantResult, error) {
	ctx = o.batchContext(ctx, batchID)
	result := GrantResult{BatchID: batchID, TotalAmount: decimal.Zero}

	batch, err := o.repo.FindBatch(ctx, batchID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load batch")
	}
	if batch == nil {
		return result, pkgerrors.New(pkgerrors.CodeNotFound, "batch not found")
	}
	if batch.DisbursementFlow == nil || *batch.DisbursementFlow != enums.DisbursementFlowGrant {
		return result.skip(ReasonNotGrantFlow), nil
	}
	if batch.PaymentStatus == nil || *batch.PaymentStatus != paymentStatusSucceeded {
		return result.skip(ReasonPaymentPending), nil
	}
	if batch.GrantStatus != nil {
		switch *batch.GrantStatus {
		case enums.GrantStatusCompleted:
			return result.skip(ReasonGrantCompleted), nil
		case enums.GrantStatusProcessing:
			return result.skip(ReasonGrantProcessing), nil
		}
	}
	provider := o.providers.Get(enums.DisbursementFlowGrant)
	if provider == nil || !provider.Configured() {
		if o.logg != nil {
			o.logg.Warn(ctx, "grant provider not configured, skipping grant distribution")
		}
		return result.skip(ReasonProviderNotConfigured), nil
	}

	donations, err := o.repo.ListGrantableDonations(ctx, batchID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list grantable donations")
	}
	groups, unresolved, err := o.groupGrants(ctx, provider, donations)
	if err != nil {
		return result, err
	}

	claimed := false
	err = o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		claimed, err = o.repo.WithTx(tx).ClaimGrant(ctx, batchID)
		return err
	})
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "claim grant")
	}
	if !claimed {
		return result.skip(ReasonGrantProcessing), nil
	}

	for i := range unresolved {
		id := unresolved[i].ID
		if _, err := o.settler.FailDonation(ctx, batching.FailDonationInput{DonationID: &id, Reason: unresolvableCharity}); err != nil {
			if o.logg != nil {
				o.logg.Error(o.logg.WithField(ctx, "donation_id", id.String()), "fail ungrantable donation", err)
			}
			continue
		}
		result.Unresolved++
	}

	if len(groups) == 0 {
		if o.logg != nil {
			o.logg.Warn(ctx, "no grants to distribute for batch")
		}
		err := o.repo.UpdateBatch(ctx, batchID, map[string]any{
			"grant_status": enums.GrantStatusCompleted,
			"granted_at":   o.now().UTC(),
		})
		if err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "complete empty grant")
		}
		return result.skip(ReasonNoGrants), nil
	}

	req := disbursement.Request{BatchID: batch.ID, UserID: batch.UserID}
	var allDonations []uuid.UUID
	for _, g := range groups {
		ids := make([]string, 0, len(g.donations))
		for _, id := range g.donations {
			ids = append(ids, id.String())
		}
		req.Recipients = append(req.Recipients, disbursement.Recipient{
			ProviderID:  g.slug,
			Amount:      g.amount,
			DonationIDs: g.donations,
			Memo:        fmt.Sprintf("CounterCart grant - %s", g.cause),
			Metadata: map[string]string{
				"batch_id":         batch.ID.String(),
				"donation_ids":     strings.Join(ids, ","),
				"designated_cause": g.cause,
			},
		})
		allDonations = append(allDonations, g.donations...)
		result.TotalAmount = result.TotalAmount.Add(g.amount)
	}
	result.GrantsQueued = len(req.Recipients)
	result.DonationCount = len(allDonations)

	receipt, err := retry.Value(ctx, o.retry, "everyorg.create_disbursement", func(ctx context.Context) (*disbursement.Receipt, error) {
		return provider.Disburse(ctx, req)
	})
	if err != nil {
		if updErr := o.repo.UpdateBatch(ctx, batchID, map[string]any{
			"grant_status": enums.GrantStatusFailed,
			"grant_error":  err.Error(),
		}); updErr != nil {
			err = multierr.Append(err, updErr)
		}
		if o.logg != nil {
			o.logg.Error(ctx, "grant distribution failed", err)
		}
		return result, err
	}

	err = o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := o.repo.WithTx(tx)
		if err := repo.UpdateBatch(ctx, batchID, map[string]any{"disbursement_id": receipt.ID}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record grant disbursement")
		}
		if err := repo.SetDonationGrantStatus(ctx, allDonations, enums.GrantStatusPending); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark donations grant pending")
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventGrantDisbursed,
			AggregateType: enums.AggregateDonationBatch,
			AggregateID:   batch.ID,
			Actor:         &outbox.ActorRef{UserID: batch.UserID, Source: "payments"},
			Data: payloads.GrantDisbursedEvent{
				DisbursementID: receipt.ID,
				DonationIDs:    allDonations,
				TotalAmount:    result.TotalAmount,
			},
		})
	})
	if err != nil {
		return result, err
	}
	result.DisbursementID = receipt.ID
	if o.logg != nil {
		o.logg.Info(o.logg.WithFields(ctx, map[string]any{
			"disbursement_id": receipt.ID,
			"grant_count":     result.GrantsQueued,
			"total_amount":    result.TotalAmount.StringFixed(2),
		}), "grant distribution initiated")
	}
	return result, nil
}

func (r GrantResult) skip(reason string) GrantResult {
	r.Skipped = true
	r.Reason = reason
	return r
}

// groupGrants resolves each donation to a grant recipient. A charity the
// partner cannot address falls back to its cause default, then to any active
// charity. Donations with no target at all are returned separately.
func (o *orchestrator) groupGrants(ctx context.Context, provider disbursement.Provider, donations []models.Donation) ([]*grantGroup, []models.Donation, error) {
	type target struct {
		slug  string
		cause string
	}
	targets := map[uuid.UUID]target{}
	bySlug := map[string]*grantGroup{}
	var (
		order      []*grantGroup
		unresolved []models.Donation
	)

	for _, d := range donations {
		t, ok := targets[d.CharityID]
		if !ok {
			var err error
			t.slug, t.cause, err = o.grantTarget(ctx, provider, d.CharityID)
			if err != nil {
				return nil, nil, err
			}
			targets[d.CharityID] = t
		}
		if t.slug == "" {
			if o.logg != nil {
				o.logg.Warn(o.logg.WithField(ctx, "donation_id", d.ID.String()), "no charity found for donation, skipping")
			}
			unresolved = append(unresolved, d)
			continue
		}
		g, ok := bySlug[t.slug]
		if !ok {
			g = &grantGroup{slug: t.slug, cause: t.cause, amount: decimal.Zero}
			bySlug[t.slug] = g
			order = append(order, g)
		}
		g.amount = g.amount.Add(d.Amount)
		g.donations = append(g.donations, d.ID)
	}
	return order, unresolved, nil
}

func (o *orchestrator) grantTarget(ctx context.Context, provider disbursement.Provider, charityID uuid.UUID) (string, string, error) {
	charity, err := o.repo.FindCharity(ctx, charityID)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load charity")
	}
	candidates := []*models.Charity{charity}
	if charity != nil {
		fallback, err := o.repo.FindDefaultCharity(ctx, charity.CauseID)
		if err != nil {
			return "", "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load default charity")
		}
		candidates = append(candidates, fallback)
	}
	anyActive, err := o.repo.FindAnyActiveCharity(ctx)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load active charity")
	}
	candidates = append(candidates, anyActive)

	for _, c := range candidates {
		if c == nil {
			continue
		}
		res, err := provider.Resolve(ctx, c)
		if err != nil {
			return "", "", err
		}
		if !res.Resolvable() {
			continue
		}
		causeName := defaultCauseName
		cause, err := o.repo.FindCause(ctx, c.CauseID)
		if err != nil {
			return "", "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cause")
		}
		if cause != nil && cause.Name != "" {
			causeName = cause.Name
		}
		return res.ID, causeName, nil
	}
	return "", "", nil
}

// DistributeCompletedGrants starts grants for charged grant-flow batches that
// have none yet.
func (o *orchestrator) DistributeCompletedGrants(ctx context.Context) (GrantSweepSummary, error) {
	ids, err := o.repo.ListBatchIDsForGrant(ctx, nil, grantSweepLimit)
	if err != nil {
		return GrantSweepSummary{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list batches awaiting grant")
	}
	return o.sweepGrants(ctx, ids)
}

// RetryFailedGrants re-runs grants whose last disbursement attempt failed.
func (o *orchestrator) RetryFailedGrants(ctx context.Context) (GrantSweepSummary, error) {
	failed := enums.GrantStatusFailed
	ids, err := o.repo.ListBatchIDsForGrant(ctx, &failed, grantSweepLimit)
	if err != nil {
		return GrantSweepSummary{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list failed grants")
	}
	return o.sweepGrants(ctx, ids)
}

func (o *orchestrator) sweepGrants(ctx context.Context, ids []uuid.UUID) (GrantSweepSummary, error) {
	summary := GrantSweepSummary{Considered: len(ids)}
	var errs error
	for _, id := range ids {
		res, err := o.DistributeGrants(ctx, id)
		summary.Results = append(summary.Results, res)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", id, err.Error()))
			errs = multierr.Append(errs, err)
		case res.Skipped:
			summary.Skipped++
		default:
			summary.Distributed++
		}
	}
	return summary, errs
}

func (o *orchestrator) HandleGrantCompleted(ctx context.Context, disbursementID string) error {
	return o.settleGrant(ctx, disbursementID, enums.GrantStatusCompleted, "")
}

func (o *orchestrator) HandleGrantFailed(ctx context.Context, disbursementID, reason string) error {
	if reason == "" {
		reason = "grant disbursement failed"
	}
	return o.settleGrant(ctx, disbursementID, enums.GrantStatusFailed, reason)
}

func (o *orchestrator) settleGrant(ctx context.Context, disbursementID string, status enums.GrantStatus, reason string) error {
	if strings.TrimSpace(disbursementID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "disbursement id required")
	}
	var batchID uuid.UUID
	err := o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := o.repo.WithTx(tx)
		batch, err := repo.LockBatchByDisbursement(ctx, disbursementID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load batch by disbursement")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "no batch for disbursement")
		}
		batchID = batch.ID
		if batch.GrantStatus != nil && *batch.GrantStatus == enums.GrantStatusCompleted {
			return nil
		}
		updates := map[string]any{"grant_status": status}
		if status == enums.GrantStatusCompleted {
			updates["granted_at"] = o.now().UTC()
			updates["grant_error"] = nil
		} else {
			updates["grant_error"] = reason
		}
		if err := repo.UpdateBatch(ctx, batch.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle grant")
		}
		if err := repo.SetBatchDonationsGrantStatus(ctx, batch.ID, enums.GrantStatusPending, status); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "settle donation grants")
		}
		if o.logg != nil {
			o.logg.Info(o.logg.WithFields(o.batchContext(ctx, batch.ID), map[string]any{
				"disbursement_id": disbursementID,
				"grant_status":    string(status),
			}), "grant settled")
		}
		return nil
	})
	if err != nil || status != enums.GrantStatusCompleted {
		return err
	}
	return o.completeGrantedDonations(ctx, batchID)
}

// completeGrantedDonations settles every donation a completed grant paid for,
// which also closes the batch. Safe to repeat on webhook redelivery.
func (o *orchestrator) completeGrantedDonations(ctx context.Context, batchID uuid.UUID) error {
	ids, err := o.repo.ListGrantedOpenDonationIDs(ctx, batchID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list granted donations")
	}
	var errs error
	for i := range ids {
		id := ids[i]
		if _, err := o.settler.CompleteDonation(ctx, batching.CompleteDonationInput{DonationID: &id}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
