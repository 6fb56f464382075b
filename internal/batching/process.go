package batching

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/everyorg"
)

// CharityLink is one hosted donate link covering a charity's share of a batch.
type CharityLink struct {
	Slug          string          `json:"slug"`
	Name          string          `json:"name"`
	Amount        decimal.Decimal `json:"amount"`
	DonationCount int             `json:"donationCount"`
	URL           string          `json:"url"`
}

type ProcessResult struct {
	BatchID   uuid.UUID         `json:"batchId"`
	Status    enums.BatchStatus `json:"status"`
	Charities []CharityLink     `json:"charities,omitempty"`
	Skipped   bool              `json:"skipped,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// ProcessBatch builds the legacy per-charity donate links for a batch.
func (s *service) ProcessBatch(ctx context.Context, batchID uuid.UUID) (ProcessResult, error) {
	result := ProcessResult{BatchID: batchID}
	if s.logg != nil {
		ctx = s.logg.WithBatchID(ctx, batchID.String())
	}

	var userID uuid.UUID
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		batch, err := repo.LockBatch(ctx, batchID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock batch")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "batch not found")
		}
		result.Status = batch.Status
		if !batch.Status.Chargeable() {
			result.Skipped = true
			result.Reason = string(batch.Status)
			return nil
		}
		if batch.DisbursementFlow != nil && *batch.DisbursementFlow != enums.DisbursementFlowDonateLink {
			result.Skipped = true
			result.Reason = string(*batch.DisbursementFlow)
			return nil
		}
		userID = batch.UserID
		// the flow marker keeps ChargeBatch and weekly batching off this batch
		return repo.UpdateBatch(ctx, batchID, map[string]any{
			"status":            enums.BatchStatusProcessing,
			"disbursement_flow": enums.DisbursementFlowDonateLink,
		})
	})
	if err != nil || result.Skipped {
		return result, err
	}

	donations, err := s.repo.ListBatchDonations(ctx, batchID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list batch donations")
	}

	bySlug := map[string]*CharityLink{}
	for _, d := range donations {
		if d.Status.IsFinal() {
			continue
		}
		link, ok := bySlug[d.CharitySlug]
		if !ok {
			link = &CharityLink{Slug: d.CharitySlug, Name: d.CharityName, Amount: decimal.Zero}
			bySlug[d.CharitySlug] = link
		}
		link.Amount = link.Amount.Add(d.Amount)
		link.DonationCount++
	}

	links := make([]CharityLink, 0, len(bySlug))
	for _, link := range bySlug {
		url, err := everyorg.DonateURL(everyorg.DonateURLParams{
			Slug:         link.Slug,
			Amount:       link.Amount,
			AppURL:       s.appURL,
			WebhookToken: s.webhookToken,
			UserID:       userID,
			BatchID:      batchID,
		})
		if err != nil {
			failErr := pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build donate url")
			if updErr := s.repo.UpdateBatch(ctx, batchID, map[string]any{
				"status":        enums.BatchStatusFailed,
				"error_message": err.Error(),
			}); updErr != nil {
				if s.logg != nil {
					s.logg.Error(ctx, "mark batch failed", updErr)
				}
				return result, multierr.Append(failErr, pkgerrors.Wrap(pkgerrors.CodeInternal, updErr, "mark batch failed"))
			}
			result.Status = enums.BatchStatusFailed
			return result, failErr
		}
		link.URL = url
		links = append(links, *link)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Slug < links[j].Slug })

	if err := s.repo.UpdateBatch(ctx, batchID, map[string]any{
		"status":       enums.BatchStatusReady,
		"processed_at": s.now().UTC(),
	}); err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark batch ready")
	}
	result.Status = enums.BatchStatusReady
	result.Charities = links

	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "charities", len(links)), "donate links prepared")
	}
	return result, nil
}
