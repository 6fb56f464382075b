package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/countercart/countercart-backend/api/controllers"
	webhookcontrollers "github.com/countercart/countercart-backend/api/controllers/webhooks"
	"github.com/countercart/countercart-backend/api/middleware"
	"github.com/countercart/countercart-backend/internal/cron"
	"github.com/countercart/countercart-backend/pkg/config"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/redis"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

// Services groups the domain services exposed over HTTP.
type Services struct {
	Ingestion controllers.ItemSyncer
	Webhooks  interface {
		controllers.WebhookJobs
		webhookcontrollers.IntakeService
	}
	Batching controllers.BatchJobs
	Payments controllers.PaymentJobs
	Weekly   controllers.WeeklyProcessor
}

type Params struct {
	Config *config.Config
	Logger *logger.Logger
	DB     controllers.Pinger
	Redis  *redis.Client
	// Gatherer backs /metrics; nil falls back to the default registry.
	Gatherer      prometheus.Gatherer
	PlaidVerifier webhookcontrollers.PlaidVerifier
	// Stripe supplies the webhook signing secret; nil rejects Stripe deliveries.
	Stripe   webhookcontrollers.StripeSigner
	Services Services
	Now      func() time.Time
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	deps := map[string]controllers.Pinger{"db": p.DB}
	if p.Redis != nil {
		deps["redis"] = p.Redis
	}
	r.Route("/health", func(r chi.Router) {
		r.Get("/", controllers.Health(cfg.App.Env))
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, deps))
	})

	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	svc := p.Services
	webhookPolicy := middleware.NewRateLimitPolicy("webhooks", cfg.RateLimit.WebhookWindow, cfg.RateLimit.WebhookLimit)
	r.Route("/api/webhooks", func(r chi.Router) {
		if p.Redis != nil {
			r.Use(middleware.RateLimit(webhookPolicy, p.Redis, logg))
		}
		r.Post("/plaid", webhookcontrollers.Plaid(svc.Webhooks, p.PlaidVerifier, logg))
		r.Post("/stripe", webhookcontrollers.Stripe(svc.Webhooks, p.Stripe, stripe.VerifyEvent, logg))
		r.Post("/change", webhookcontrollers.Change(svc.Webhooks, cfg.Change.WebhookSecret, logg))
		r.Post("/every-org", webhookcontrollers.EveryOrg(svc.Webhooks, cfg.EveryOrg.WebhookToken, logg))
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Use(middleware.InternalToken(cfg.Internal.APIToken, logg))

		r.Post("/sync-plaid-item", controllers.SyncPlaidItem(svc.Ingestion, logg))
		r.Post("/handle-webhook", controllers.HandleWebhook(svc.Webhooks, logg))
		r.Post("/process-batch", controllers.ProcessBatch(svc.Batching, logg))
		r.Post("/charge-batch", controllers.ChargeBatch(svc.Payments, logg))
		r.Post("/complete-donation", controllers.CompleteDonation(svc.Batching, logg))
		r.Post("/retry-failed-webhooks", controllers.RetryFailedWebhooks(svc.Webhooks, logg))
		r.Post("/daily-transaction-sync", controllers.DailySync(svc.Ingestion, logg))
		r.Post("/weekly-donation-processing", controllers.WeeklyProcessing(svc.Weekly, logg))
		r.Post("/reset-monthly-totals", controllers.ResetMonthly(svc.Batching, logg))
		r.Post("/distribute-grants", controllers.DistributeGrants(svc.Payments, logg))
		r.Get("/scheduled", controllers.ScheduledJobs(cron.DefaultSchedules(), p.Now))
		r.Get("/webhook-events", controllers.WebhookEvents(svc.Webhooks, logg))
	})

	return r
}
