package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/countercart/countercart-backend/internal/payments"
	"github.com/countercart/countercart-backend/pkg/logger"
)

type grantDistributor interface {
	DistributeCompletedGrants(ctx context.Context) (payments.GrantSweepSummary, error)
	RetryFailedGrants(ctx context.Context) (payments.GrantSweepSummary, error)
}

type GrantJobParams struct {
	Logger      *logger.Logger
	Distributor grantDistributor
}

func NewGrantJob(params GrantJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Distributor == nil {
		return nil, fmt.Errorf("grant distributor required")
	}
	return &grantJob{logg: params.Logger, distributor: params.Distributor}, nil
}

type grantJob struct {
	logg        *logger.Logger
	distributor grantDistributor
}

func (j *grantJob) Name() string { return JobDistributeGrants }

// Run sends grants for newly completed batches, then retries failed ones.
func (j *grantJob) Run(ctx context.Context) error {
	fresh, freshErr := j.distributor.DistributeCompletedGrants(ctx)
	retried, retryErr := j.distributor.RetryFailedGrants(ctx)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"distributed":        fresh.Distributed,
		"retried":            retried.Distributed,
		"failed":             fresh.Failed + retried.Failed,
		"batches_considered": fresh.Considered + retried.Considered,
	}), "grant distribution complete")
	return multierr.Combine(freshErr, retryErr)
}
