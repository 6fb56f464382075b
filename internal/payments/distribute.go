package payments

import (
	"context"

	"github.com/google/uuid"
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

const (
	ReasonProviderNotConfigured = "disbursement_provider_not_configured"

	unresolvableCharity = "charity not resolvable with disbursement provider"
)

type DonationOutcome struct {
	DonationID  uuid.UUID            `json:"donationId"`
	CharitySlug string               `json:"charitySlug"`
	Status      enums.DonationStatus `json:"status"`
	ExternalID  string               `json:"externalId,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type DistributeResult struct {
	BatchID   uuid.UUID              `json:"batchId"`
	Flow      enums.DisbursementFlow `json:"flow,omitempty"`
	Disbursed int                    `json:"disbursed"`
	Failed    int                    `json:"failed"`
	Donations []DonationOutcome      `json:"donations,omitempty"`
	Grant     *GrantResult           `json:"grant,omitempty"`
	Skipped   bool                   `json:"skipped,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

// Distribute pays out a charged batch through the flow stamped on it at
// charge time. Batches charged before flows were recorded go through retail.
func (o *orchestrator) Distribute(ctx context.Context, batchID uuid.UUID) (DistributeResult, error) {
	ctx = o.batchContext(ctx, batchID)
	result := DistributeResult{BatchID: batchID}

	batch, err := o.repo.FindBatch(ctx, batchID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load batch")
	}
	if batch == nil {
		return result, pkgerrors.New(pkgerrors.CodeNotFound, "batch not found")
	}
	result.Flow = enums.DisbursementFlowRetail
	if batch.DisbursementFlow != nil {
		result.Flow = *batch.DisbursementFlow
	}
	if batch.Status != enums.BatchStatusProcessing {
		result.Skipped = true
		result.Reason = string(batch.Status)
		return result, nil
	}

	switch result.Flow {
	case enums.DisbursementFlowGrant:
		grant, err := o.DistributeGrants(ctx, batchID)
		result.Grant = &grant
		result.Skipped = grant.Skipped
		result.Reason = grant.Reason
		result.Failed = grant.Unresolved
		if err == nil && !grant.Skipped {
			result.Disbursed = grant.DonationCount
		}
		return result, err
	case enums.DisbursementFlowRetail:
		return o.distributeRetail(ctx, batch, result)
	default:
		result.Skipped = true
		result.Reason = batching.ReasonDonateLinksIssued
		return result, nil
	}
}

// distributeRetail sends one Change donation per undisbursed PENDING donation.
// Donation-level failures never fail the batch.
func (o *orchestrator) distributeRetail(ctx context.Context, batch *models.DonationBatch, result DistributeResult) (DistributeResult, error) {
	provider := o.providers.Get(enums.DisbursementFlowRetail)
	if provider == nil || !provider.Configured() {
		result.Skipped = true
		result.Reason = ReasonProviderNotConfigured
		if o.logg != nil {
			o.logg.Warn(ctx, "retail disbursement provider not configured")
		}
		return result, nil
	}

	donations, err := o.repo.ListDisbursableDonations(ctx, batch.ID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list disbursable donations")
	}

	resolved := map[uuid.UUID]disbursement.Resolution{}
	for i := range donations {
		d := donations[i]
		claimed, err := o.repo.ClaimDonation(ctx, d.ID)
		if err != nil {
			if o.logg != nil {
				o.logg.Error(o.logg.WithField(ctx, "donation_id", d.ID.String()), "claim donation", err)
			}
			result.Donations = append(result.Donations, DonationOutcome{
				DonationID:  d.ID,
				CharitySlug: d.CharitySlug,
				Status:      d.Status,
				Error:       err.Error(),
			})
			continue
		}
		if !claimed {
			// Another distributor owns it.
			continue
		}
		d.Status = enums.DonationStatusProcessing

		res, ok := resolved[d.CharityID]
		if !ok {
			res, err = o.resolveCharity(ctx, provider, d.CharityID)
			if err != nil {
				o.failDonation(ctx, &result, d, err.Error())
				continue
			}
			resolved[d.CharityID] = res
		}
		if !res.Resolvable() {
			o.failDonation(ctx, &result, d, unresolvableCharity)
			continue
		}
		o.disburseDonation(ctx, provider, batch, d, res.ID, &result)
	}

	if o.logg != nil {
		o.logg.Info(o.logg.WithFields(ctx, map[string]any{
			"disbursed": result.Disbursed,
			"failed":    result.Failed,
		}), "batch distribution finished")
	}
	return result, nil
}

func (o *orchestrator) resolveCharity(ctx context.Context, provider disbursement.Provider, charityID uuid.UUID) (disbursement.Resolution, error) {
	charity, err := o.repo.FindCharity(ctx, charityID)
	if err != nil {
		return disbursement.Resolution{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load charity")
	}
	res, err := retry.Value(ctx, o.retry, "change.resolve_charity", func(ctx context.Context) (disbursement.Resolution, error) {
		return provider.Resolve(ctx, charity)
	})
	if err != nil {
		return disbursement.Resolution{}, err
	}
	if res.Discovered && charity != nil {
		if err := o.repo.SetChangeNonprofitID(ctx, charity.ID, res.ID); err != nil && o.logg != nil {
			o.logg.Error(o.logg.WithField(ctx, "charity_id", charity.ID.String()), "store change nonprofit id", err)
		}
	}
	return res, nil
}

func (o *orchestrator) disburseDonation(ctx context.Context, provider disbursement.Provider, batch *models.DonationBatch, d models.Donation, providerID string, result *DistributeResult) {
	receipt, err := retry.Value(ctx, o.retry, "change.create_donation", func(ctx context.Context) (*disbursement.Receipt, error) {
		return provider.Disburse(ctx, disbursement.Request{
			BatchID:        batch.ID,
			UserID:         batch.UserID,
			IdempotencyKey: DonationIdempotencyKey(d.ID),
			Recipients: []disbursement.Recipient{{
				ProviderID:  providerID,
				Amount:      d.Amount,
				DonationIDs: []uuid.UUID{d.ID},
			}},
		})
	})
	if err != nil {
		o.failDonation(ctx, result, d, err.Error())
		return
	}

	err = o.tx.WithTx(ctx, func(tx *gorm.DB) error {
		recorded, err := o.repo.WithTx(tx).RecordDisbursement(ctx, d.ID, receipt.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record disbursement")
		}
		if !recorded {
			return nil
		}
		return o.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDonationDisbursed,
			AggregateType: enums.AggregateDonation,
			AggregateID:   d.ID,
			Actor:         &outbox.ActorRef{UserID: d.UserID, Source: "payments"},
			Data: payloads.DonationDisbursedEvent{
				DonationID: d.ID,
				BatchID:    d.BatchID,
				CharityID:  d.CharityID,
				Amount:     d.Amount,
				Flow:       provider.Flow(),
				ExternalID: receipt.ID,
			},
		})
	})
	if err != nil {
		// Payout exists at the provider but the reference was not stored.
		if o.logg != nil {
			o.logg.Error(o.logg.WithFields(ctx, map[string]any{
				"donation_id": d.ID.String(),
				"external_id": receipt.ID,
			}), "record disbursement", err)
		}
		result.Donations = append(result.Donations, DonationOutcome{
			DonationID:  d.ID,
			CharitySlug: d.CharitySlug,
			Status:      d.Status,
			ExternalID:  receipt.ID,
			Error:       err.Error(),
		})
		return
	}
	result.Disbursed++
	result.Donations = append(result.Donations, DonationOutcome{
		DonationID:  d.ID,
		CharitySlug: d.CharitySlug,
		Status:      enums.DonationStatusProcessing,
		ExternalID:  receipt.ID,
	})
}

// DonationIdempotencyKey is stable per donation so provider retries and
// replays never create a second payout.
func DonationIdempotencyKey(donationID uuid.UUID) string {
	return "donation-disburse-" + donationID.String()
}

func (o *orchestrator) failDonation(ctx context.Context, result *DistributeResult, d models.Donation, reason string) {
	id := d.ID
	outcome := DonationOutcome{DonationID: d.ID, CharitySlug: d.CharitySlug, Status: enums.DonationStatusFailed, Error: reason}
	if _, err := o.settler.FailDonation(ctx, batching.FailDonationInput{DonationID: &id, Reason: reason}); err != nil {
		if o.logg != nil {
			o.logg.Error(o.logg.WithField(ctx, "donation_id", d.ID.String()), "fail donation", err)
		}
		outcome.Status = d.Status
	} else {
		result.Failed++
	}
	if o.logg != nil {
		o.logg.Warn(o.logg.WithFields(ctx, map[string]any{
			"donation_id":  d.ID.String(),
			"charity_slug": d.CharitySlug,
			"reason":       reason,
		}), "donation not disbursed")
	}
	result.Donations = append(result.Donations, outcome)
}

func (o *orchestrator) HandleDisbursementCompleted(ctx context.Context, externalID string) (batching.CompleteResult, error) {
	if externalID == "" {
		return batching.CompleteResult{}, pkgerrors.New(pkgerrors.CodeValidation, "disbursement id required")
	}
	res, err := o.settler.CompleteDonation(ctx, batching.CompleteDonationInput{ExternalDisbursementID: externalID})
	return res, unknownDisbursement(res, err)
}

func (o *orchestrator) HandleDisbursementFailed(ctx context.Context, externalID, reason string) (batching.CompleteResult, error) {
	if externalID == "" {
		return batching.CompleteResult{}, pkgerrors.New(pkgerrors.CodeValidation, "disbursement id required")
	}
	if reason == "" {
		reason = "disbursement failed"
	}
	res, err := o.settler.FailDonation(ctx, batching.FailDonationInput{ExternalDisbursementID: externalID, Reason: reason})
	return res, unknownDisbursement(res, err)
}

// unknownDisbursement turns a webhook for a payout we have not recorded yet
// into NotFound so the event stays retryable.
func unknownDisbursement(res batching.CompleteResult, err error) error {
	if err != nil {
		return err
	}
	if res.Skipped && res.Reason == batching.ReasonNoOpenDonation {
		return pkgerrors.New(pkgerrors.CodeNotFound, "no donation for disbursement")
	}
	return nil
}
