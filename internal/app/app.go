// Package app wires the donation pipeline services shared by the api,
// cron-worker and jobctl binaries.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/cron"
	"github.com/countercart/countercart-backend/internal/ingestion"
	"github.com/countercart/countercart-backend/internal/matching"
	"github.com/countercart/countercart-backend/internal/payments"
	"github.com/countercart/countercart-backend/internal/payments/disbursement"
	"github.com/countercart/countercart-backend/internal/webhooks"
	"github.com/countercart/countercart-backend/pkg/change"
	"github.com/countercart/countercart-backend/pkg/config"
	"github.com/countercart/countercart-backend/pkg/db"
	"github.com/countercart/countercart-backend/pkg/enums"
	"github.com/countercart/countercart-backend/pkg/everyorg"
	"github.com/countercart/countercart-backend/pkg/idempotency"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/plaid"
	"github.com/countercart/countercart-backend/pkg/redis"
	"github.com/countercart/countercart-backend/pkg/retry"
	"github.com/countercart/countercart-backend/pkg/secrets"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

const webhookClaimTTL = 24 * time.Hour

type Deps struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	Registry prometheus.Registerer
}

// App holds the constructed pipeline.
type App struct {
	Ingestion     ingestion.Service
	Matching      matching.Engine
	Batching      batching.Service
	Payments      payments.Orchestrator
	Webhooks      webhooks.Service
	Weekly        *cron.WeeklyDonationJob
	PlaidVerifier *plaid.Verifier
	Stripe        *stripe.Client
	Outbox        *outbox.Repository
	Metrics       *metrics.PipelineMetrics

	cfg  *config.Config
	logg *logger.Logger
}

func Build(ctx context.Context, d Deps) (*App, error) {
	cfg, logg := d.Config, d.Logger
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("config required")
	case logg == nil:
		return nil, fmt.Errorf("logger required")
	case d.DB == nil:
		return nil, fmt.Errorf("database client required")
	}
	conn := d.DB.DB()
	pipelineMetrics := metrics.NewPipelineMetrics(d.Registry)
	executor := retry.NewExecutor(retry.PolicyFromConfig(cfg.Retry), logg)

	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, logg)

	codec, err := secrets.NewCodec(cfg.Encryption.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret codec: %w", err)
	}
	plaidClient, err := plaid.NewClient(cfg.Plaid)
	if err != nil {
		return nil, fmt.Errorf("plaid client: %w", err)
	}

	var cache matching.MappingCache = matching.NewMemoryMappingCache(cfg.Cache.MappingTTL)
	if cfg.Cache.UseRedis && d.Redis != nil {
		redisCache, err := matching.NewRedisMappingCache(d.Redis, d.Redis, cfg.Cache.MappingTTL)
		if err != nil {
			return nil, fmt.Errorf("mapping cache: %w", err)
		}
		cache = redisCache
	}
	engine, err := matching.NewEngine(matching.NewRepository(conn), d.DB, cache, logg, pipelineMetrics)
	if err != nil {
		return nil, err
	}

	ingest, err := ingestion.NewService(ingestion.ServiceParams{
		Repo:     ingestion.NewRepository(conn),
		TX:       d.DB,
		Provider: plaidClient,
		Codec:    codec,
		Matcher:  engine,
		Retry:    executor,
		Logger:   logg,
		Metrics:  pipelineMetrics,
	})
	if err != nil {
		return nil, err
	}

	minimum, err := decimal.NewFromString(cfg.Batch.MinimumAmount)
	if err != nil {
		return nil, fmt.Errorf("parse batch minimum %q: %w", cfg.Batch.MinimumAmount, err)
	}
	batcher, err := batching.NewService(batching.ServiceParams{
		Repo:         batching.NewRepository(conn),
		TX:           d.DB,
		Outbox:       emitter,
		Logger:       logg,
		Minimum:      minimum,
		AppURL:       cfg.App.URL,
		WebhookToken: cfg.EveryOrg.WebhookToken,
	})
	if err != nil {
		return nil, err
	}

	var stripeClient *stripe.Client
	if cfg.Stripe.Configured() {
		stripeClient, err = stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
	}
	charger := stripe.NewCharger(nil)
	if cfg.FeatureFlags.ACHCharges {
		charger = stripe.NewCharger(stripeClient)
	}

	flow, err := disbursementFlow(cfg)
	if err != nil {
		return nil, err
	}

	providers, err := disbursementProviders(cfg)
	if err != nil {
		return nil, err
	}
	orchestrator, err := payments.NewOrchestrator(payments.Params{
		Repo:      payments.NewRepository(conn),
		TX:        d.DB,
		Charger:   charger,
		Providers: providers,
		Flow:      flow,
		Settler:   batcher,
		Outbox:    emitter,
		Retry:     executor,
		Logger:    logg,
		Metrics:   pipelineMetrics,
	})
	if err != nil {
		return nil, err
	}

	webhookParams := webhooks.ServiceParams{
		Repo:     webhooks.NewRepository(conn),
		Syncer:   ingest,
		Payments: orchestrator,
		Settler:  batcher,
		Logger:   logg,
		Metrics:  pipelineMetrics,
	}
	if d.Redis != nil {
		claims, err := idempotency.NewManager(d.Redis, webhookClaimTTL)
		if err != nil {
			return nil, err
		}
		webhookParams.Claims = claims
	}
	webhookSvc, err := webhooks.NewService(webhookParams)
	if err != nil {
		return nil, err
	}

	weekly, err := cron.NewWeeklyDonationJob(cron.WeeklyDonationJobParams{
		Logger:  logg,
		Batcher: batcher,
		Charger: orchestrator,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Ingestion: ingest,
		Matching:  engine,
		Batching:  batcher,
		Payments:  orchestrator,
		Webhooks:  webhookSvc,
		Weekly:    weekly,
		Stripe:    stripeClient,
		Outbox:    outboxRepo,
		Metrics:   pipelineMetrics,
		cfg:       cfg,
		logg:      logg,
	}
	if cfg.FeatureFlags.VerifyPlaid {
		a.PlaidVerifier = plaid.NewVerifier(plaidClient)
	}
	return a, nil
}

// disbursementFlow resolves the charged flow stamped on batches. Donate links
// are issued on demand and never configured here.
func disbursementFlow(cfg *config.Config) (enums.DisbursementFlow, error) {
	raw := strings.ToLower(strings.TrimSpace(cfg.Batch.DisbursementFlow))
	if raw == "" {
		return enums.DisbursementFlowRetail, nil
	}
	flow, err := enums.ParseDisbursementFlow(raw)
	if err != nil || !flow.Charged() {
		return "", fmt.Errorf("disbursement flow %q must be retail or grant", cfg.Batch.DisbursementFlow)
	}
	return flow, nil
}

func disbursementProviders(cfg *config.Config) (disbursement.Registry, error) {
	var providers []disbursement.Provider
	if cfg.Change.APIKey != "" {
		client, err := change.NewClient(cfg.Change.APIKey, change.WithBaseURL(cfg.Change.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("change client: %w", err)
		}
		providers = append(providers, disbursement.NewRetail(client))
	}
	if cfg.EveryOrg.Configured() {
		client, err := everyorg.NewPartnerClient(cfg.EveryOrg)
		if err != nil {
			return nil, fmt.Errorf("every.org partner client: %w", err)
		}
		providers = append(providers, disbursement.NewGrant(client))
	}
	return disbursement.NewRegistry(providers...), nil
}

// Jobs registers every scheduled job against its default calendar slot.
func (a *App) Jobs() (*cron.Registry, error) {
	syncJob, err := cron.NewTransactionSyncJob(cron.TransactionSyncJobParams{Logger: a.logg, Syncer: a.Ingestion})
	if err != nil {
		return nil, err
	}
	resetJob, err := cron.NewMonthlyResetJob(cron.MonthlyResetJobParams{Logger: a.logg, Resetter: a.Batching})
	if err != nil {
		return nil, err
	}
	retryJob, err := cron.NewWebhookRetryJob(cron.WebhookRetryJobParams{
		Logger:      a.logg,
		Retrier:     a.Webhooks,
		MaxAttempts: a.cfg.Batch.WebhookMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	grantJob, err := cron.NewGrantJob(cron.GrantJobParams{Logger: a.logg, Distributor: a.Payments})
	if err != nil {
		return nil, err
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     a.logg,
		Repository: a.Outbox,
		Retention:  a.cfg.Outbox.RetentionDays,
	})
	if err != nil {
		return nil, err
	}

	jobs := map[string]cron.Job{
		cron.JobDailySync:        syncJob,
		cron.JobWeeklyDonations:  a.Weekly,
		cron.JobResetMonthly:     resetJob,
		cron.JobRetryWebhooks:    retryJob,
		cron.JobDistributeGrants: grantJob,
		cron.JobOutboxRetention:  retentionJob,
	}
	reg := cron.NewRegistry()
	for _, scheduled := range cron.DefaultSchedules() {
		job, ok := jobs[scheduled.Name]
		if !ok {
			return nil, fmt.Errorf("no job registered for %s", scheduled.Name)
		}
		reg.Register(scheduled.Schedule, job)
	}
	return reg, nil
}
