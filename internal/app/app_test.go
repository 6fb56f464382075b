package app

import (
	"context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/countercart/countercart-backend/internal/cron"
	"github.com/countercart/countercart-backend/pkg/config"
	"github.com/countercart/countercart-backend/pkg/db"
	"github.com/countercart/countercart-backend/pkg/db/dbtest"
	"github.com/countercart/countercart-backend/pkg/enums"
	"github.com/countercart/countercart-backend/pkg/logger"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.Env = "dev"
	cfg.App.URL = "http://localhost:3000"
	cfg.Encryption.Secret = "test-encryption-secret"
	cfg.Plaid.ClientID = "client"
	cfg.Plaid.Secret = "secret"
	cfg.Plaid.Env = "sandbox"
	cfg.Batch.MinimumAmount = "1.00"
	cfg.Batch.WebhookMaxRetries = 3
	cfg.Outbox.RetentionDays = 30
	return cfg
}

func build(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), Deps{
		Config:   cfg,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:       db.FromGorm(dbtest.New(t)),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return a
}

func TestBuildWiresPipeline(t *testing.T) {
	a := build(t, testConfig())
	require.NotNil(t, a.Ingestion)
	require.NotNil(t, a.Batching)
	require.NotNil(t, a.Payments)
	require.NotNil(t, a.Webhooks)
	require.NotNil(t, a.Weekly)
	require.Nil(t, a.PlaidVerifier)
	require.Nil(t, a.Stripe)

	reg, err := a.Jobs()
	require.NoError(t, err)
	entries := reg.Entries()
	require.Len(t, entries, len(cron.DefaultSchedules()))
	for i, scheduled := range cron.DefaultSchedules() {
		require.Equal(t, scheduled.Name, entries[i].Job.Name())
		require.Equal(t, scheduled.Schedule, entries[i].Schedule)
	}
	job, ok := reg.Lookup(cron.JobWeeklyDonations)
	require.True(t, ok)
	require.Same(t, a.Weekly, job)
}

func TestBuildRejectsBadMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.MinimumAmount = "one dollar"
	_, err := Build(context.Background(), Deps{
		Config: cfg,
		Logger: logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		DB:     db.FromGorm(dbtest.New(t)),
	})
	require.ErrorContains(t, err, "batch minimum")
}

func TestDisbursementProvidersFollowConfig(t *testing.T) {
	cfg := testConfig()
	providers, err := disbursementProviders(cfg)
	require.NoError(t, err)
	require.Empty(t, providers)

	cfg.Change.APIKey = "change-key"
	cfg.EveryOrg.PartnerID = "partner"
	cfg.EveryOrg.PartnerSecret = "partner-secret"
	providers, err = disbursementProviders(cfg)
	require.NoError(t, err)
	require.NotNil(t, providers.Get(enums.DisbursementFlowRetail))
	require.NotNil(t, providers.Get(enums.DisbursementFlowGrant))
}

func TestBuildEnablesPlaidVerification(t *testing.T) {
	cfg := testConfig()
	cfg.FeatureFlags.VerifyPlaid = true
	require.NotNil(t, build(t, cfg).PlaidVerifier)
}

func TestBuildExposesStripeSigner(t *testing.T) {
	cfg := testConfig()
	cfg.Stripe.APIKey = "sk_test_123"
	cfg.Stripe.Secret = "whsec_app"
	a := build(t, cfg)
	require.NotNil(t, a.Stripe)
	require.Equal(t, "whsec_app", a.Stripe.SigningSecret())
}

func TestDisbursementFlowFromConfig(t *testing.T) {
	cfg := testConfig()
	flow, err := disbursementFlow(cfg)
	require.NoError(t, err)
	require.Equal(t, enums.DisbursementFlowRetail, flow)

	cfg.Batch.DisbursementFlow = " Grant "
	flow, err = disbursementFlow(cfg)
	require.NoError(t, err)
	require.Equal(t, enums.DisbursementFlowGrant, flow)

	for _, bad := range []string{"donate_link", "wire"} {
		cfg.Batch.DisbursementFlow = bad
		_, err = disbursementFlow(cfg)
		require.ErrorContains(t, err, "must be retail or grant")
	}
}
