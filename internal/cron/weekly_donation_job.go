package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/payments"
	"github.com/countercart/countercart-backend/pkg/logger"
)

type weeklyBatcher interface {
	CreateWeeklyBatches(ctx context.Context) (batching.CreateSummary, error)
	ProcessBatch(ctx context.Context, batchID uuid.UUID) (batching.ProcessResult, error)
}

type batchCharger interface {
	ChargeBatch(ctx context.Context, batchID uuid.UUID) (payments.ChargeResult, error)
}

type WeeklyDonationJobParams struct {
	Logger  *logger.Logger
	Batcher weeklyBatcher
	Charger batchCharger
}

// WeeklyRunSummary reports one weekly processing run.
type WeeklyRunSummary struct {
	Batches   batching.CreateSummary   `json:"batches"`
	Charged   int                      `json:"charged"`
	Links     int                      `json:"links"`
	Skipped   int                      `json:"skipped"`
	Failed    int                      `json:"failed"`
	Charges   []payments.ChargeResult  `json:"charges,omitempty"`
	Processed []batching.ProcessResult `json:"processed,omitempty"`
}

// NewWeeklyDonationJob aggregates the week's donations and charges each batch.
func NewWeeklyDonationJob(params WeeklyDonationJobParams) (*WeeklyDonationJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Batcher == nil {
		return nil, fmt.Errorf("batcher required")
	}
	if params.Charger == nil {
		return nil, fmt.Errorf("charger required")
	}
	return &WeeklyDonationJob{logg: params.Logger, batcher: params.Batcher, charger: params.Charger}, nil
}

type WeeklyDonationJob struct {
	logg    *logger.Logger
	batcher weeklyBatcher
	charger batchCharger
}

func (j *WeeklyDonationJob) Name() string { return JobWeeklyDonations }

func (j *WeeklyDonationJob) Run(ctx context.Context) error {
	_, err := j.Process(ctx)
	return err
}

// Process creates the weekly batches and charges each one. Users without
// an ACH instrument fall back to hosted donate links.
func (j *WeeklyDonationJob) Process(ctx context.Context) (WeeklyRunSummary, error) {
	var summary WeeklyRunSummary
	created, errs := j.batcher.CreateWeeklyBatches(ctx)
	summary.Batches = created

	for _, user := range created.Users {
		if user.BatchID == nil || user.Skipped {
			continue
		}
		batchID := *user.BatchID
		batchCtx := j.logg.WithBatchID(ctx, batchID.String())

		charge, err := j.charger.ChargeBatch(batchCtx, batchID)
		summary.Charges = append(summary.Charges, charge)
		if err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("charge batch %s: %w", batchID, err))
			j.logg.Error(batchCtx, "weekly batch charge failed", err)
			continue
		}
		if charge.Charged {
			summary.Charged++
			continue
		}
		if charge.Reason != payments.ReasonNoACH {
			summary.Skipped++
			continue
		}
		processed, err := j.batcher.ProcessBatch(batchCtx, batchID)
		summary.Processed = append(summary.Processed, processed)
		if err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("process batch %s: %w", batchID, err))
			j.logg.Error(batchCtx, "weekly batch link generation failed", err)
			continue
		}
		summary.Links++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"batches_created":  created.BatchesCreated,
		"batches_extended": created.BatchesExtended,
		"charged":          summary.Charged,
		"links":            summary.Links,
		"skipped":          summary.Skipped,
		"failed":           summary.Failed,
	}), "weekly donation processing complete")
	return summary, errs
}
