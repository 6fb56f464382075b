package batching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/outbox"
	"github.com/countercart/countercart-backend/pkg/outbox/payloads"
)

// DefaultMinimum is the smallest weekly total worth batching.
var DefaultMinimum = decimal.RequireFromString("1.00")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service groups matched donations into weekly batches and settles them.
type Service interface {
	CreateWeeklyBatches(ctx context.Context) (CreateSummary, error)
	ProcessBatch(ctx context.Context, batchID uuid.UUID) (ProcessResult, error)
	CompleteDonation(ctx context.Context, in CompleteDonationInput) (CompleteResult, error)
	FailDonation(ctx context.Context, in FailDonationInput) (CompleteResult, error)
	ResetMonthlyTotals(ctx context.Context) (int64, error)
}

type ServiceParams struct {
	Repo         Repository
	TX           txRunner
	Outbox       outbox.Emitter
	Logger       *logger.Logger
	Minimum      decimal.Decimal
	AppURL       string
	WebhookToken string
}

type service struct {
	repo         Repository
	tx           txRunner
	outbox       outbox.Emitter
	logg         *logger.Logger
	minimum      decimal.Decimal
	appURL       string
	webhookToken string
	now          func() time.Time
}

func NewService(p ServiceParams) (Service, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("batching repository required")
	}
	if p.TX == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	minimum := p.Minimum
	if !minimum.IsPositive() {
		minimum = DefaultMinimum
	}
	return &service{
		repo:         p.Repo,
		tx:           p.TX,
		outbox:       p.Outbox,
		logg:         p.Logger,
		minimum:      minimum,
		appURL:       p.AppURL,
		webhookToken: p.WebhookToken,
		now:          time.Now,
	}, nil
}

// WeekOf returns the most recent Sunday at 00:00 UTC on or before t.
func WeekOf(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// Per-user outcomes recorded on CreateSummary.
const (
	ReasonAutoDonateDisabled = "auto_donate_disabled"
	ReasonBelowMinimum       = "below_minimum"
	ReasonNothingToBatch     = "nothing_to_batch"
	ReasonBatchInFlight      = "batch_in_flight"
	ReasonDonateLinksIssued  = "donate_links_issued"
)

type UserOutcome struct {
	UserID    uuid.UUID       `json:"userId"`
	BatchID   *uuid.UUID      `json:"batchId,omitempty"`
	Created   bool            `json:"created"`
	Donations int             `json:"donations"`
	Amount    decimal.Decimal `json:"amount"`
	Skipped   bool            `json:"skipped,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

type CreateSummary struct {
	WeekOf           time.Time     `json:"weekOf"`
	UsersConsidered  int           `json:"usersConsidered"`
	BatchesCreated   int           `json:"batchesCreated"`
	BatchesExtended  int           `json:"batchesExtended"`
	DonationsBatched int           `json:"donationsBatched"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
	Users            []UserOutcome `json:"users"`
	Errors           []string      `json:"errors,omitempty"`
}

func (s *service) CreateWeeklyBatches(ctx context.Context) (CreateSummary, error) {
	weekOf := WeekOf(s.now())
	summary := CreateSummary{WeekOf: weekOf}
	if s.logg != nil {
		ctx = s.logg.WithField(ctx, "week_of", weekOf.Format("2006-01-02"))
	}

	userIDs, err := s.repo.ListUsersWithUnbatched(ctx)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list users with unbatched donations")
	}
	summary.UsersConsidered = len(userIDs)

	var errs error
	for _, userID := range userIDs {
		outcome, err := s.batchUser(ctx, userID, weekOf)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("user %s: %v", userID, err))
			errs = multierr.Append(errs, fmt.Errorf("user %s: %w", userID, err))
			if s.logg != nil {
				s.logg.Error(s.logg.WithUserID(ctx, userID.String()), "weekly batch failed", err)
			}
			continue
		}
		summary.Users = append(summary.Users, outcome)
		switch {
		case outcome.Skipped:
			summary.Skipped++
		case outcome.Created:
			summary.BatchesCreated++
			summary.DonationsBatched += outcome.Donations
		default:
			summary.BatchesExtended++
			summary.DonationsBatched += outcome.Donations
		}
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"users":     summary.UsersConsidered,
			"created":   summary.BatchesCreated,
			"extended":  summary.BatchesExtended,
			"donations": summary.DonationsBatched,
			"failed":    summary.Failed,
		}), "weekly batches created")
	}
	return summary, errs
}

func (s *service) batchUser(ctx context.Context, userID uuid.UUID, weekOf time.Time) (UserOutcome, error) {
	outcome := UserOutcome{UserID: userID}
	user, err := s.repo.FindUser(ctx, userID)
	if err != nil {
		return outcome, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load user")
	}
	if user == nil {
		return outcome, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
	}
	if !user.AutoDonateEnabled {
		outcome.Skipped = true
		outcome.Reason = ReasonAutoDonateDisabled
		return outcome, nil
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		donations, err := repo.LockUnbatchedDonations(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock unbatched donations")
		}
		if len(donations) == 0 {
			outcome.Skipped = true
			outcome.Reason = ReasonNothingToBatch
			return nil
		}
		total := decimal.Zero
		donationIDs := make([]uuid.UUID, 0, len(donations))
		transactionIDs := make([]uuid.UUID, 0, len(donations))
		for _, d := range donations {
			total = total.Add(d.Amount)
			donationIDs = append(donationIDs, d.ID)
			if d.TransactionID != nil {
				transactionIDs = append(transactionIDs, *d.TransactionID)
			}
		}
		outcome.Amount = total
		if total.LessThan(s.minimum) {
			outcome.Skipped = true
			outcome.Reason = ReasonBelowMinimum
			return nil
		}

		created, err := repo.InsertBatchIfAbsent(ctx, &models.DonationBatch{
			UserID:          userID,
			WeekOf:          weekOf,
			TotalAmount:     decimal.Zero,
			ConfirmedAmount: decimal.Zero,
			Status:          enums.BatchStatusPending,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert batch")
		}
		batch, err := repo.LockBatchForWeek(ctx, userID, weekOf)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock batch")
		}
		if batch == nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "batch vanished after insert")
		}
		// a batch already handed to payment keeps its total; leftovers wait for next week
		if !batch.Status.Chargeable() {
			outcome.Skipped = true
			outcome.Reason = ReasonBatchInFlight
			return nil
		}
		// donate links already quote the batch amounts
		if batch.DisbursementFlow != nil {
			outcome.Skipped = true
			outcome.Reason = ReasonDonateLinksIssued
			return nil
		}

		newTotal := batch.TotalAmount.Add(total)
		if err := repo.UpdateBatch(ctx, batch.ID, map[string]any{"total_amount": newTotal}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update batch total")
		}
		if err := repo.AttachDonations(ctx, batch.ID, donationIDs); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "attach donations")
		}
		if err := repo.MarkTransactionsBatched(ctx, transactionIDs); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark transactions batched")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventBatchCreated,
			AggregateType: enums.AggregateDonationBatch,
			AggregateID:   batch.ID,
			Actor:         &outbox.ActorRef{UserID: userID, Source: "batching"},
			Data: payloads.BatchCreatedEvent{
				BatchID:       batch.ID,
				UserID:        userID,
				TotalAmount:   newTotal,
				DonationCount: len(donationIDs),
			},
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit batch_created")
		}

		batchID := batch.ID
		outcome.BatchID = &batchID
		outcome.Created = created
		outcome.Donations = len(donationIDs)
		return nil
	})
	return outcome, err
}

func (s *service) ResetMonthlyTotals(ctx context.Context) (int64, error) {
	n, err := s.repo.ResetMonthlyTotals(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reset monthly totals")
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithField(ctx, "users", n), "monthly totals reset")
	}
	return n, nil
}
