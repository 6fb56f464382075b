package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.AddIngested("added", 3)
	m.AddIngested("added", 0)
	m.IncMatch(true, "matched")
	m.IncMatch(false, "no_mapping")
	m.IncMatch(false, "no_mapping")
	m.IncWebhook("stripe", "COMPLETED")
	m.IncCharge("succeeded")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	added, err := fetchCounterValue(mfs, "countercart_transactions_ingested_total", "change", "added")
	require.NoError(t, err)
	assert.Equal(t, 3.0, added)

	skipped, err := fetchCounterValue(mfs, "countercart_matching_outcomes_total", "reason", "no_mapping")
	require.NoError(t, err)
	assert.Equal(t, 2.0, skipped)

	webhooks, err := fetchCounterValue(mfs, "countercart_webhook_events_total", "source", "stripe")
	require.NoError(t, err)
	assert.Equal(t, 1.0, webhooks)
}

func TestNilPipelineMetricsIsNoop(t *testing.T) {
	var m *PipelineMetrics
	m.AddIngested("added", 1)
	m.IncMatch(true, "")
	m.IncWebhook("plaid", "FAILED")
	m.IncCharge("failed")

	empty := NewPipelineMetrics(nil)
	empty.IncCharge("failed")
}
