package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/countercart/countercart-backend/api/responses"
	"github.com/countercart/countercart-backend/api/validators"
	"github.com/countercart/countercart-backend/internal/batching"
	"github.com/countercart/countercart-backend/internal/cron"
	"github.com/countercart/countercart-backend/internal/ingestion"
	"github.com/countercart/countercart-backend/internal/payments"
	webhooksvc "github.com/countercart/countercart-backend/internal/webhooks"
	"github.com/countercart/countercart-backend/pkg/db/models"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

type ItemSyncer interface {
	Sync(ctx context.Context, itemID uuid.UUID) (ingestion.SyncResult, error)
	SyncAllActive(ctx context.Context) (ingestion.SyncAllSummary, error)
}

type WebhookJobs interface {
	Handle(ctx context.Context, eventID uuid.UUID) (webhooksvc.HandleResult, error)
	Retry(ctx context.Context, maxAttempts int) (webhooksvc.RetryResult, error)
	ListRecent(ctx context.Context, limit int) ([]models.WebhookEvent, error)
}

type BatchJobs interface {
	ProcessBatch(ctx context.Context, batchID uuid.UUID) (batching.ProcessResult, error)
	CompleteDonation(ctx context.Context, in batching.CompleteDonationInput) (batching.CompleteResult, error)
	ResetMonthlyTotals(ctx context.Context) (int64, error)
}

type PaymentJobs interface {
	ChargeBatch(ctx context.Context, batchID uuid.UUID) (payments.ChargeResult, error)
	DistributeGrants(ctx context.Context, batchID uuid.UUID) (payments.GrantResult, error)
	DistributeCompletedGrants(ctx context.Context) (payments.GrantSweepSummary, error)
	RetryFailedGrants(ctx context.Context) (payments.GrantSweepSummary, error)
}

type WeeklyProcessor interface {
	Process(ctx context.Context) (cron.WeeklyRunSummary, error)
}

type syncItemRequest struct {
	PlaidItemID uuid.UUID `json:"plaid_item_id" validate:"required"`
}

type handleWebhookRequest struct {
	WebhookEventID uuid.UUID `json:"webhook_event_id" validate:"required"`
}

type batchRequest struct {
	BatchID uuid.UUID `json:"batch_id" validate:"required"`
}

type completeDonationRequest struct {
	DonationID     *uuid.UUID `json:"donation_id"`
	DisbursementID string     `json:"disbursement_id"`
	BatchID        *uuid.UUID `json:"batch_id"`
	UserID         *uuid.UUID `json:"user_id"`
	EveryOrgID     string     `json:"every_org_id"`
	ReceiptURL     string     `json:"receipt_url" validate:"omitempty,url"`
}

func (r completeDonationRequest) toInput() (batching.CompleteDonationInput, error) {
	if r.DonationID == nil && r.DisbursementID == "" && (r.BatchID == nil || r.UserID == nil) {
		return batching.CompleteDonationInput{}, pkgerrors.New(pkgerrors.CodeValidation, "donation_id, disbursement_id, or batch_id with user_id is required")
	}
	return batching.CompleteDonationInput{
		DonationID:             r.DonationID,
		ExternalDisbursementID: r.DisbursementID,
		BatchID:                r.BatchID,
		UserID:                 r.UserID,
		EveryOrgID:             r.EveryOrgID,
		ReceiptURL:             r.ReceiptURL,
	}, nil
}

type retryWebhooksRequest struct {
	MaxRetries int `json:"max_retries" validate:"omitempty,min=1,max=10"`
}

type distributeGrantsRequest struct {
	BatchID *uuid.UUID `json:"batch_id"`
}

type grantSweepResponse struct {
	Completed payments.GrantSweepSummary `json:"completed"`
	Retried   payments.GrantSweepSummary `json:"retried"`
}

type resetResponse struct {
	UsersReset int64 `json:"usersReset"`
}

// decodeOptionalBody accepts an empty body for endpoints whose fields all have defaults.
func decodeOptionalBody(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil
	}
	return validators.DecodeJSONBody(r, dest)
}

func SyncPlaidItem(svc ItemSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload syncItemRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Sync(r.Context(), payload.PlaidItemID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func HandleWebhook(svc WebhookJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload handleWebhookRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.Handle(r.Context(), payload.WebhookEventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func ProcessBatch(svc BatchJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload batchRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithBatchID(r.Context(), payload.BatchID.String())
		result, err := svc.ProcessBatch(ctx, payload.BatchID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func ChargeBatch(svc PaymentJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload batchRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := logg.WithBatchID(r.Context(), payload.BatchID.String())
		result, err := svc.ChargeBatch(ctx, payload.BatchID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func CompleteDonation(svc BatchJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload completeDonationRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		input, err := payload.toInput()
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.CompleteDonation(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func RetryFailedWebhooks(svc WebhookJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload retryWebhooksRequest
		if err := decodeOptionalBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		maxRetries := payload.MaxRetries
		if maxRetries == 0 {
			maxRetries = webhooksvc.DefaultMaxAttempts
		}
		result, err := svc.Retry(r.Context(), maxRetries)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func DailySync(svc ItemSyncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logg.WithJob(r.Context(), cron.JobDailySync)
		summary, err := svc.SyncAllActive(ctx)
		if err != nil {
			// per-item failures are already counted in the summary
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "daily sync finished with failures")
		}
		responses.WriteSuccess(w, summary)
	}
}

func WeeklyProcessing(job WeeklyProcessor, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logg.WithJob(r.Context(), cron.JobWeeklyDonations)
		summary, err := job.Process(ctx)
		if err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "weekly processing finished with failures")
		}
		responses.WriteSuccess(w, summary)
	}
}

func ResetMonthly(svc BatchJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logg.WithJob(r.Context(), cron.JobResetMonthly)
		count, err := svc.ResetMonthlyTotals(ctx)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, resetResponse{UsersReset: count})
	}
}

// DistributeGrants grants one batch when batch_id is given, otherwise it runs
// both the completed-batch sweep and the failed-grant retry sweep.
func DistributeGrants(svc PaymentJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload distributeGrantsRequest
		if err := decodeOptionalBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if payload.BatchID != nil {
			ctx := logg.WithBatchID(r.Context(), payload.BatchID.String())
			result, err := svc.DistributeGrants(ctx, *payload.BatchID)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			responses.WriteSuccess(w, result)
			return
		}

		ctx := logg.WithJob(r.Context(), cron.JobDistributeGrants)
		completed, completedErr := svc.DistributeCompletedGrants(ctx)
		retried, retriedErr := svc.RetryFailedGrants(ctx)
		if err := multierr.Combine(completedErr, retriedErr); err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "grant sweep finished with failures")
		}
		responses.WriteSuccess(w, grantSweepResponse{Completed: completed, Retried: retried})
	}
}

func ScheduledJobs(jobs []cron.ScheduledJob, now func() time.Time) http.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, cron.NextRuns(jobs, now().UTC()))
	}
}

func WebhookEvents(svc WebhookJobs, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", defaultEventLimit, 1, maxEventLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		events, err := svc.ListRecent(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, events)
	}
}
