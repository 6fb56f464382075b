package cron

import (
	"context"
	"fmt"

	"github.com/countercart/countercart-backend/internal/ingestion"
	"github.com/countercart/countercart-backend/pkg/logger"
)

type itemSyncer interface {
	SyncAllActive(ctx context.Context) (ingestion.SyncAllSummary, error)
}

type TransactionSyncJobParams struct {
	Logger *logger.Logger
	Syncer itemSyncer
}

// NewTransactionSyncJob pulls new transactions for every active bank link.
func NewTransactionSyncJob(params TransactionSyncJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Syncer == nil {
		return nil, fmt.Errorf("syncer required")
	}
	return &transactionSyncJob{logg: params.Logger, syncer: params.Syncer}, nil
}

type transactionSyncJob struct {
	logg   *logger.Logger
	syncer itemSyncer
}

func (j *transactionSyncJob) Name() string { return JobDailySync }

func (j *transactionSyncJob) Run(ctx context.Context) error {
	summary, err := j.syncer.SyncAllActive(ctx)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"total_items": summary.TotalItems,
		"successful":  summary.Successful,
		"failed":      summary.Failed,
		"added":       summary.Added,
		"matched":     summary.Matched,
	}), "daily transaction sync complete")
	if err != nil {
		return fmt.Errorf("daily transaction sync: %w", err)
	}
	return nil
}
