package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/payments/disbursement"
	"github.com/countercart/countercart-backend/pkg/enums"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/retry"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type charger interface {
	Configured() bool
	ChargeBatch(ctx context.Context, req stripe.BatchChargeRequest) (*stripe.BatchChargeResult, error)
}

type settler interface {
	CompleteDonation(ctx context.Context, in batching.CompleteDonationInput) (batching.CompleteResult, error)
	FailDonation(ctx context.Context, in batching.FailDonationInput) (batching.CompleteResult, error)
}

// Orchestrator moves batches from charge to charity payout.
type Orchestrator interface {
	ChargeBatch(ctx context.Context, batchID uuid.UUID) (ChargeResult, error)
	HandlePaymentSucceeded(ctx context.Context, paymentIntentID string) (DistributeResult, error)
	HandlePaymentFailed(ctx context.Context, paymentIntentID, reason string) error
	Distribute(ctx context.Context, batchID uuid.UUID) (DistributeResult, error)
	HandleDisbursementCompleted(ctx context.Context, externalID string) (batching.CompleteResult, error)
	HandleDisbursementFailed(ctx context.Context, externalID, reason string) (batching.CompleteResult, error)

	DistributeGrants(ctx context.Context, batchID uuid.UUID) (GrantResult, error)
	DistributeCompletedGrants(ctx context.Context) (GrantSweepSummary, error)
	RetryFailedGrants(ctx context.Context) (GrantSweepSummary, error)
	HandleGrantCompleted(ctx context.Context, disbursementID string) error
	HandleGrantFailed(ctx context.Context, disbursementID, reason string) error
}

type Params struct {
	Repo      Repository
	TX        txRunner
	Charger   charger
	Providers disbursement.Registry
	// Flow is stamped on every batch at charge time; empty means retail.
	Flow    enums.DisbursementFlow
	Settler settler
	Outbox  outbox.Emitter
	Retry   *retry.Executor
	Logger  *logger.Logger
	Metrics *metrics.PipelineMetrics
}

type orchestrator struct {
	repo      Repository
	tx        txRunner
	charger   charger
	providers disbursement.Registry
	flow      enums.DisbursementFlow
	settler   settler
	outbox    outbox.Emitter
	retry     *retry.Executor
	logg      *logger.Logger
	metrics   *metrics.PipelineMetrics
	now       func() time.Time
}

func NewOrchestrator(p Params) (Orchestrator, error) {
	switch {
	case p.Repo == nil:
		return nil, fmt.Errorf("payments repository required")
	case p.TX == nil:
		return nil, fmt.Errorf("transaction runner required")
	case p.Charger == nil:
		return nil, fmt.Errorf("payment charger required")
	case p.Settler == nil:
		return nil, fmt.Errorf("donation settler required")
	case p.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	flow := p.Flow
	if flow == "" {
		flow = enums.DisbursementFlowRetail
	}
	if !flow.Charged() {
		return nil, fmt.Errorf("disbursement flow %q cannot be charged", flow)
	}
	exec := p.Retry
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultPolicy(), p.Logger)
	}
	return &orchestrator{
		repo:      p.Repo,
		tx:        p.TX,
		charger:   p.Charger,
		providers: p.Providers,
		flow:      flow,
		settler:   p.Settler,
		outbox:    p.Outbox,
		retry:     exec,
		logg:      p.Logger,
		metrics:   p.Metrics,
		now:       time.Now,
	}, nil
}

func (o *orchestrator) batchContext(ctx context.Context, batchID uuid.UUID) context.Context {
	if o.logg == nil {
		return ctx
	}
	return o.logg.WithBatchID(ctx, batchID.String())
}
