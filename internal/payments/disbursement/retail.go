package disbursement

import (
	"context"
	"strings"

	"github.com/countercart/countercart-backend/pkg/change"
	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/stripe"
)

type changeAPI interface {
	FindNonprofitByEIN(ctx context.Context, ein string) (*change.Nonprofit, error)
	CreateDonation(ctx context.Context, req change.DonationRequest) (*change.Donation, error)
}

// Retail pays one charity per donation through Change.
type Retail struct {
	api changeAPI
}

// NewRetail accepts a nil client and reports itself unconfigured.
func NewRetail(api changeAPI) *Retail {
	return &Retail{api: api}
}

func (r *Retail) Flow() enums.DisbursementFlow { return enums.DisbursementFlowRetail }

func (r *Retail) Configured() bool {
	return r != nil && r.api != nil
}

func (r *Retail) Resolve(ctx context.Context, charity *models.Charity) (Resolution, error) {
	if charity == nil {
		return Resolution{}, nil
	}
	if charity.ChangeNonprofitID != nil && strings.TrimSpace(*charity.ChangeNonprofitID) != "" {
		return Resolution{ID: strings.TrimSpace(*charity.ChangeNonprofitID)}, nil
	}
	if charity.EIN == nil || strings.TrimSpace(*charity.EIN) == "" {
		return Resolution{}, nil
	}
	np, err := r.api.FindNonprofitByEIN(ctx, *charity.EIN)
	if err != nil {
		return Resolution{}, err
	}
	if np == nil || np.ID == "" {
		return Resolution{}, nil
	}
	return Resolution{ID: np.ID, Discovered: true}, nil
}

func (r *Retail) Disburse(ctx context.Context, req Request) (*Receipt, error) {
	if len(req.Recipients) != 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "retail disbursement takes exactly one recipient")
	}
	rcpt := req.Recipients[0]
	metadata := map[string]string{
		"batch_id": req.BatchID.String(),
		"user_id":  req.UserID.String(),
	}
	if len(rcpt.DonationIDs) > 0 {
		metadata["donation_id"] = rcpt.DonationIDs[0].String()
	}
	for k, v := range rcpt.Metadata {
		metadata[k] = v
	}
	out, err := r.api.CreateDonation(ctx, change.DonationRequest{
		NonprofitID:    rcpt.ProviderID,
		Amount:         stripe.AmountToCents(rcpt.Amount),
		Metadata:       metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &Receipt{ID: out.ID, Status: out.Status}, nil
}
