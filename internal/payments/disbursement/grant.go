package disbursement

import (
	"context"
	"strings"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
	"github.com/countercart/countercart-backend/pkg/everyorg"
)

type partnerAPI interface {
	CreateDisbursement(ctx context.Context, req everyorg.DisbursementRequest) (*everyorg.Disbursement, error)
}

// Grant sends one multi-recipient payout per batch through the Every.org
// partner API. Charities are addressed by their Every.org slug.
type Grant struct {
	api partnerAPI
}

func NewGrant(api partnerAPI) *Grant {
	return &Grant{api: api}
}

func (g *Grant) Flow() enums.DisbursementFlow { return enums.DisbursementFlowGrant }

func (g *Grant) Configured() bool {
	return g != nil && g.api != nil
}

func (g *Grant) Resolve(_ context.Context, charity *models.Charity) (Resolution, error) {
	if charity == nil || !charity.IsActive {
		return Resolution{}, nil
	}
	return Resolution{ID: strings.TrimSpace(charity.EveryOrgSlug)}, nil
}

func (g *Grant) Disburse(ctx context.Context, req Request) (*Receipt, error) {
	recipients := make([]everyorg.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, everyorg.Recipient{
			NonprofitID: r.ProviderID,
			Amount:      r.Amount,
			Memo:        r.Memo,
			Metadata:    r.Metadata,
		})
	}
	out, err := g.api.CreateDisbursement(ctx, everyorg.DisbursementRequest{Recipients: recipients})
	if err != nil {
		return nil, err
	}
	return &Receipt{ID: out.ID, Status: out.Status}, nil
}
