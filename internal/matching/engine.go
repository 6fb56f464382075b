package matching

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
	"github.com/countercart/countercart-backend/pkg/metrics"
)

// Skip reasons reported on MatchResult.
const (
	ReasonMatched          = "matched"
	ReasonNoMapping        = "no_mapping"
	ReasonCauseNotSelected = "cause_not_selected"
	ReasonMonthlyLimit     = "monthly_limit_reached"
	ReasonNoDefaultCharity = "no_default_charity"
	ReasonNotPending       = "not_pending"
)

// MatchResult describes what matching did with one transaction.
type MatchResult struct {
	Matched    bool       `json:"matched"`
	DonationID *uuid.UUID `json:"donationId,omitempty"`
	MappingID  *uuid.UUID `json:"mappingId,omitempty"`
	Reason     string     `json:"reason"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Engine matches bank transactions to causes and creates pending donations.
type Engine interface {
	Process(ctx context.Context, userID, transactionID uuid.UUID) (MatchResult, error)
	InvalidateMappings(ctx context.Context) error
}

type engine struct {
	repo    Repository
	tx      txRunner
	cache   MappingCache
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
}

// NewEngine wires the matching engine. A nil cache falls back to an
// in-process TTL cache.
func NewEngine(repo Repository, tx txRunner, cache MappingCache, logg *logger.Logger, m *metrics.PipelineMetrics) (Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("matching repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if cache == nil {
		cache = NewMemoryMappingCache(DefaultMappingTTL)
	}
	return &engine{repo: repo, tx: tx, cache: cache, logg: logg, metrics: m}, nil
}

func (e *engine) InvalidateMappings(ctx context.Context) error {
	return e.cache.Invalidate(ctx)
}

func (e *engine) Process(ctx context.Context, userID, transactionID uuid.UUID) (MatchResult, error) {
	if e.logg != nil {
		ctx = e.logg.WithFields(ctx, map[string]any{
			"user_id":        userID.String(),
			"transaction_id": transactionID.String(),
		})
	}

	mappings, err := e.activeMappings(ctx)
	if err != nil {
		return MatchResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load business mappings")
	}

	var result MatchResult
	err = e.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)

		txn, err := repo.FindTransaction(ctx, transactionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load transaction")
		}
		if txn == nil || txn.UserID != userID {
			return pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
		}
		if txn.Status != enums.TransactionStatusPending {
			result = MatchResult{Reason: ReasonNotPending, MappingID: txn.MatchedMappingID}
			return nil
		}

		norm := txn.MerchantNameNorm
		if norm == "" {
			norm = Normalize(txn.MerchantName)
		}
		mapping := firstMatch(mappings, norm)
		if mapping == nil {
			result = MatchResult{Reason: ReasonNoMapping}
			return repo.UpdateTransaction(ctx, txn.ID, map[string]any{
				"status": enums.TransactionStatusSkipped,
			})
		}
		mappingID := mapping.ID
		result.MappingID = &mappingID

		selected, err := repo.HasCause(ctx, userID, mapping.CauseID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check user cause")
		}
		if !selected {
			result.Reason = ReasonCauseNotSelected
			return repo.UpdateTransaction(ctx, txn.ID, map[string]any{
				"status":             enums.TransactionStatusSkipped,
				"matched_mapping_id": mappingID,
			})
		}

		user, err := repo.LockUser(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock user")
		}
		if user == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}

		amount := RoundUp(txn.Amount, user.Multiplier())
		newTotal := user.CurrentMonthTotal.Add(amount)
		if user.MonthlyLimit.Valid && newTotal.GreaterThan(user.MonthlyLimit.Decimal) {
			result.Reason = ReasonMonthlyLimit
			return repo.UpdateTransaction(ctx, txn.ID, map[string]any{
				"status":             enums.TransactionStatusSkipped,
				"matched_mapping_id": mappingID,
			})
		}

		charity, err := repo.FindDefaultCharity(ctx, mapping.CauseID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load default charity")
		}
		if charity == nil {
			if e.logg != nil {
				e.logg.Error(e.logg.WithField(ctx, "cause_id", mapping.CauseID.String()), "no default charity for cause", nil)
			}
			result.Reason = ReasonNoDefaultCharity
			return repo.UpdateTransaction(ctx, txn.ID, map[string]any{
				"matched_mapping_id": mappingID,
			})
		}

		txnID := txn.ID
		donation := &models.Donation{
			UserID:        userID,
			TransactionID: &txnID,
			CharityID:     charity.ID,
			CharitySlug:   charity.EveryOrgSlug,
			CharityName:   charity.Name,
			Amount:        amount,
			Status:        enums.DonationStatusPending,
		}
		if err := repo.CreateDonation(ctx, donation); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create donation")
		}
		if err := repo.UpdateTransaction(ctx, txn.ID, map[string]any{
			"status":             enums.TransactionStatusMatched,
			"matched_mapping_id": mappingID,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mark transaction matched")
		}
		if err := repo.UpdateMonthTotal(ctx, userID, newTotal); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update month total")
		}

		donationID := donation.ID
		result.Matched = true
		result.DonationID = &donationID
		result.Reason = ReasonMatched
		return nil
	})
	if err != nil {
		return MatchResult{}, err
	}

	e.metrics.IncMatch(result.Matched, result.Reason)
	if e.logg != nil {
		e.logg.Debug(e.logg.WithField(ctx, "reason", result.Reason), "transaction matched")
	}
	return result, nil
}

func (e *engine) activeMappings(ctx context.Context) ([]models.BusinessMapping, error) {
	if cached, ok, err := e.cache.Get(ctx); err == nil && ok {
		return cached, nil
	} else if err != nil && e.logg != nil {
		e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "mapping cache read failed")
	}
	mappings, err := e.repo.ListActiveMappings(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, mappings); err != nil && e.logg != nil {
		e.logg.Warn(e.logg.WithField(ctx, "error", err.Error()), "mapping cache write failed")
	}
	return mappings, nil
}

// firstMatch returns the first mapping, in evaluation order, whose pattern
// occurs in the normalized merchant name.
func firstMatch(mappings []models.BusinessMapping, normalized string) *models.BusinessMapping {
	if normalized == "" {
		return nil
	}
	for i := range mappings {
		pattern := strings.ToUpper(strings.TrimSpace(mappings[i].MerchantPattern))
		if pattern == "" {
			continue
		}
		if strings.Contains(normalized, pattern) {
			return &mappings[i]
		}
	}
	return nil
}
