package cron

import (
	"context"
	"fmt"

	"github.com/countercart/countercart-backend/pkg/logger"
)

type monthlyResetter interface {
	ResetMonthlyTotals(ctx context.Context) (int64, error)
}

type MonthlyResetJobParams struct {
	Logger   *logger.Logger
	Resetter monthlyResetter
}

func NewMonthlyResetJob(params MonthlyResetJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Resetter == nil {
		return nil, fmt.Errorf("resetter required")
	}
	return &monthlyResetJob{logg: params.Logger, resetter: params.Resetter}, nil
}

type monthlyResetJob struct {
	logg     *logger.Logger
	resetter monthlyResetter
}

func (j *monthlyResetJob) Name() string { return JobResetMonthly }

func (j *monthlyResetJob) Run(ctx context.Context) error {
	reset, err := j.resetter.ResetMonthlyTotals(ctx)
	if err != nil {
		return fmt.Errorf("reset monthly totals: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "users_reset", reset), "monthly totals reset")
	return nil
}
