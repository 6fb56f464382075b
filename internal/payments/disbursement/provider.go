// Package disbursement adapts the charity payout providers to one capability.
package disbursement

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/countercart/countercart-backend/pkg/db/models"
	"github.com/countercart/countercart-backend/pkg/enums"
)

// Resolution is a charity's identifier at the provider. An empty ID means the
// provider does not list the charity. Discovered is set when the ID came from
// a lookup and should be stored on the charity row.
type Resolution struct {
	ID         string
	Discovered bool
}

func (r Resolution) Resolvable() bool {
	return r.ID != ""
}

type Recipient struct {
	ProviderID  string
	Amount      decimal.Decimal
	DonationIDs []uuid.UUID
	Memo        string
	Metadata    map[string]string
}

type Request struct {
	BatchID uuid.UUID
	UserID  uuid.UUID
	// IdempotencyKey is forwarded to providers that accept one.
	IdempotencyKey string
	Recipients     []Recipient
}

// Receipt is the provider's reference for a created payout.
type Receipt struct {
	ID     string
	Status string
}

type Provider interface {
	Flow() enums.DisbursementFlow
	Configured() bool
	Resolve(ctx context.Context, charity *models.Charity) (Resolution, error)
	Disburse(ctx context.Context, req Request) (*Receipt, error)
}

// Registry selects a provider by flow.
type Registry map[enums.DisbursementFlow]Provider

func NewRegistry(providers ...Provider) Registry {
	reg := Registry{}
	for _, p := range providers {
		if p != nil {
			reg[p.Flow()] = p
		}
	}
	return reg
}

// Get returns the provider for flow, or nil when none is registered.
func (r Registry) Get(flow enums.DisbursementFlow) Provider {
	if r == nil {
		return nil
	}
	return r[flow]
}
