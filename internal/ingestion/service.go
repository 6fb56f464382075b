package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/internal/matching"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
	"github.com/countercart/countercart-backend/pkg/plaid"
	"github.com/countercart/countercart-backend/pkg/retry"
)

// PageSize is the number of changes requested per sync call.
const PageSize = 100

const ReasonItemNotActive = "item_not_active"

type SyncResult struct {
	ItemID   uuid.UUID `json:"itemId"`
	Added    int       `json:"added"`
	Modified int       `json:"modified"`
	Removed  int       `json:"removed"`
	Matched  int       `json:"matched"`
	Pages    int       `json:"pages"`
	Skipped  bool      `json:"skipped,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

type SyncAllSummary struct {
	TotalItems int      `json:"totalItems"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
	Added      int      `json:"added"`
	Matched    int      `json:"matched"`
}

type syncProvider interface {
	SyncPage(ctx context.Context, accessToken, cursor string, count int) (*plaid.SyncPage, error)
}

type tokenDecrypter interface {
	Decrypt(token string) (string, error)
}

type matcher interface {
	Process(ctx context.Context, userID, transactionID uuid.UUID) (matching.MatchResult, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service applies the Plaid transaction change feed for linked items.
type Service interface {
	Sync(ctx context.Context, itemID uuid.UUID) (SyncResult, error)
	SyncAllActive(ctx context.Context) (SyncAllSummary, error)
}

type ServiceParams struct {
	Repo     Repository
	TX       txRunner
	Provider syncProvider
	Codec    tokenDecrypter
	Matcher  matcher
	Retry    *retry.Executor
	Logger   *logger.Logger
	Metrics  *metrics.PipelineMetrics
}

type service struct {
	repo     Repository
	tx       txRunner
	provider syncProvider
	codec    tokenDecrypter
	matcher  matcher
	retry    *retry.Executor
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
	now      func() time.Time
}

func NewService(p ServiceParams) (Service, error) {
	switch {
	case p.Repo == nil:
		return nil, fmt.Errorf("ingestion repository required")
	case p.TX == nil:
		return nil, fmt.Errorf("transaction runner required")
	case p.Provider == nil:
		return nil, fmt.Errorf("plaid client required")
	case p.Codec == nil:
		return nil, fmt.Errorf("secret codec required")
	case p.Matcher == nil:
		return nil, fmt.Errorf("matching engine required")
	}
	exec := p.Retry
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultPolicy(), p.Logger)
	}
	return &service{
		repo:     p.Repo,
		tx:       p.TX,
		provider: p.Provider,
		codec:    p.Codec,
		matcher:  p.Matcher,
		retry:    exec,
		logg:     p.Logger,
		metrics:  p.Metrics,
		now:      time.Now,
	}, nil
}

func (s *service) Sync(ctx context.Context, itemID uuid.UUID) (SyncResult, error) {
	result := SyncResult{ItemID: itemID}
	item, err := s.repo.FindItem(ctx, itemID)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load plaid item")
	}
	if item == nil {
		return result, pkgerrors.New(pkgerrors.CodeNotFound, "plaid item not found")
	}
	if s.logg != nil {
		ctx = s.logg.WithFields(ctx, map[string]any{
			"plaid_item_id": item.ItemID,
			"user_id":       item.UserID.String(),
		})
	}
	if item.Status != enums.PlaidItemActive {
		result.Skipped = true
		result.Reason = ReasonItemNotActive
		return result, nil
	}

	token, err := s.codec.Decrypt(item.AccessToken)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt access token")
	}

	cursor := ""
	if item.Cursor != nil {
		cursor = *item.Cursor
	}
	for {
		page, err := retry.Value(ctx, s.retry, "plaid.transactions_sync", func(ctx context.Context) (*plaid.SyncPage, error) {
			return s.provider.SyncPage(ctx, token, cursor, PageSize)
		})
		if err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch transactions page")
		}
		if err := s.applyPage(ctx, item, page, &result); err != nil {
			return result, err
		}
		if err := s.repo.SaveCursor(ctx, item.ID, page.NextCursor, s.now().UTC()); err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "persist sync cursor")
		}
		result.Pages++
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	s.metrics.AddIngested("added", result.Added)
	s.metrics.AddIngested("modified", result.Modified)
	s.metrics.AddIngested("removed", result.Removed)
	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"added":    result.Added,
			"modified": result.Modified,
			"removed":  result.Removed,
			"matched":  result.Matched,
			"pages":    result.Pages,
		}), "plaid item synced")
	}
	return result, nil
}

func (s *service) applyPage(ctx context.Context, item *models.PlaidItem, page *plaid.SyncPage, result *SyncResult) error {
	for _, added := range page.Added {
		if err := s.applyAdded(ctx, item, added, result); err != nil {
			return err
		}
	}
	for _, modified := range page.Modified {
		if err := s.applyModified(ctx, modified, result); err != nil {
			return err
		}
	}
	for _, removed := range page.Removed {
		if err := s.applyRemoved(ctx, removed.TransactionID, result); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) applyAdded(ctx context.Context, item *models.PlaidItem, in plaid.Transaction, result *SyncResult) error {
	if in.Pending {
		return nil
	}
	existing, err := s.repo.FindTransactionByPlaidID(ctx, in.TransactionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup transaction")
	}
	if existing != nil {
		return s.rematch(ctx, existing, result)
	}

	account, err := s.repo.FindAccount(ctx, item.ID, in.AccountID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup bank account")
	}
	if account == nil {
		if s.logg != nil {
			s.logg.Warn(s.logg.WithField(ctx, "plaid_account_id", in.AccountID), "transaction for unknown bank account skipped")
		}
		return nil
	}

	date, err := in.ParsedDate()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse transaction date")
	}
	name := in.DisplayName()
	txn := &models.Transaction{
		UserID:             item.UserID,
		BankAccountID:      account.ID,
		PlaidTransactionID: in.TransactionID,
		MerchantName:       name,
		MerchantNameNorm:   matching.Normalize(name),
		Amount:             in.Amount.Abs(),
		Date:               date,
		Category:           in.Category,
		Status:             enums.TransactionStatusPending,
	}
	created, err := s.repo.InsertTransaction(ctx, txn)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert transaction")
	}
	if !created {
		stored, err := s.repo.FindTransactionByPlaidID(ctx, in.TransactionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup transaction")
		}
		if stored == nil {
			return nil
		}
		return s.rematch(ctx, stored, result)
	}
	result.Added++
	return s.match(ctx, txn, result)
}

// rematch finishes matching for rows stored by an earlier run that stopped
// before the match step.
func (s *service) rematch(ctx context.Context, txn *models.Transaction, result *SyncResult) error {
	if txn.Status != enums.TransactionStatusPending {
		return nil
	}
	return s.match(ctx, txn, result)
}

func (s *service) match(ctx context.Context, txn *models.Transaction, result *SyncResult) error {
	res, err := s.matcher.Process(ctx, txn.UserID, txn.ID)
	if err != nil {
		return err
	}
	if res.Matched {
		result.Matched++
	}
	return nil
}

func (s *service) applyModified(ctx context.Context, in plaid.Transaction, result *SyncResult) error {
	existing, err := s.repo.FindTransactionByPlaidID(ctx, in.TransactionID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup transaction")
	}
	if existing == nil {
		return nil
	}
	date, err := in.ParsedDate()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse transaction date")
	}
	name := in.DisplayName()
	if err := s.repo.UpdateTransaction(ctx, existing.ID, map[string]any{
		"merchant_name":      name,
		"merchant_name_norm": matching.Normalize(name),
		"amount":             in.Amount.Abs(),
		"date":               date,
		"category":           pq.StringArray(in.Category),
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update transaction")
	}
	result.Modified++
	return nil
}

func (s *service) applyRemoved(ctx context.Context, plaidTransactionID string, result *SyncResult) error {
	removed := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		txn, err := repo.FindTransactionByPlaidID(ctx, plaidTransactionID)
		if err != nil || txn == nil {
			return err
		}
		donation, err := repo.FindDonationByTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		if donation != nil {
			if donation.Status == enums.DonationStatusPending {
				if err := repo.DeleteDonation(ctx, donation.ID); err != nil {
					return err
				}
			} else {
				if err := repo.DetachDonation(ctx, donation.ID); err != nil {
					return err
				}
				if s.logg != nil {
					s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
						"donation_id": donation.ID.String(),
						"status":      donation.Status,
					}), "removed transaction had a donation past pending; detached")
				}
			}
		}
		if err := repo.DeleteTransaction(ctx, txn.ID); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "remove transaction")
	}
	if removed {
		result.Removed++
	}
	return nil
}

func (s *service) SyncAllActive(ctx context.Context) (SyncAllSummary, error) {
	var summary SyncAllSummary
	ids, err := s.repo.ListActiveItemIDs(ctx)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list active plaid items")
	}
	summary.TotalItems = len(ids)

	var errs error
	for _, id := range ids {
		res, err := s.Sync(ctx, id)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("item %s: %v", id, err))
			errs = multierr.Append(errs, fmt.Errorf("item %s: %w", id, err))
			if s.logg != nil {
				s.logg.Error(s.logg.WithField(ctx, "item_id", id.String()), "plaid item sync failed", err)
			}
			continue
		}
		summary.Successful++
		summary.Added += res.Added
		summary.Matched += res.Matched
	}
	return summary, errs
}
