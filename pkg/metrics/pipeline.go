package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics counts donation pipeline outcomes. A nil receiver is a no-op.
type PipelineMetrics struct {
	ingested *prometheus.CounterVec
	matching *prometheus.CounterVec
	webhooks *prometheus.CounterVec
	charges  *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countercart_transactions_ingested_total",
		Help: "Bank transactions applied from the sync feed.",
	}, []string{"change"})
	matching := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countercart_matching_outcomes_total",
		Help: "Matching outcomes by result and reason.",
	}, []string{"result", "reason"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countercart_webhook_events_total",
		Help: "Webhook events handled by source and final status.",
	}, []string{"source", "status"})
	charges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countercart_batch_charges_total",
		Help: "Batch charge attempts by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(ingested, matching, webhooks, charges)
	return &PipelineMetrics{ingested: ingested, matching: matching, webhooks: webhooks, charges: charges}
}

// AddIngested counts added/modified/removed transactions.
func (p *PipelineMetrics) AddIngested(change string, n int) {
	if p == nil || p.ingested == nil || n <= 0 {
		return
	}
	p.ingested.WithLabelValues(change).Add(float64(n))
}

func (p *PipelineMetrics) IncMatch(matched bool, reason string) {
	if p == nil || p.matching == nil {
		return
	}
	result := "skipped"
	if matched {
		result = "matched"
	}
	p.matching.WithLabelValues(result, normalizeLabel(reason)).Inc()
}

func (p *PipelineMetrics) IncWebhook(source, status string) {
	if p == nil || p.webhooks == nil {
		return
	}
	p.webhooks.WithLabelValues(normalizeLabel(source), normalizeLabel(status)).Inc()
}

func (p *PipelineMetrics) IncCharge(outcome string) {
	if p == nil || p.charges == nil {
		return
	}
	p.charges.WithLabelValues(normalizeLabel(outcome)).Inc()
}
