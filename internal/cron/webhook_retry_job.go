package cron

import (
	"context"
	"fmt"

	"github.com/countercart/countercart-backend/internal/webhooks"
	"github.com/countercart/countercart-backend/pkg/logger"
)

type webhookRetrier interface {
	Retry(ctx context.Context, maxAttempts int) (webhooks.RetryResult, error)
}

type WebhookRetryJobParams struct {
	Logger      *logger.Logger
	Retrier     webhookRetrier
	MaxAttempts int
}

func NewWebhookRetryJob(params WebhookRetryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Retrier == nil {
		return nil, fmt.Errorf("webhook retrier required")
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = webhooks.DefaultMaxAttempts
	}
	return &webhookRetryJob{logg: params.Logger, retrier: params.Retrier, maxAttempts: maxAttempts}, nil
}

type webhookRetryJob struct {
	logg        *logger.Logger
	retrier     webhookRetrier
	maxAttempts int
}

func (j *webhookRetryJob) Name() string { return JobRetryWebhooks }

// Run reports success even when individual events fail again; their
// retry_count carries the failure forward.
func (j *webhookRetryJob) Run(ctx context.Context) error {
	res, err := j.retrier.Retry(ctx, j.maxAttempts)
	if err != nil {
		return fmt.Errorf("retry failed webhooks: %w", err)
	}
	if res.Failed > 0 {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"total_retried": res.TotalRetried,
			"failed":        res.Failed,
		}), "some webhook events failed again")
	}
	return nil
}
