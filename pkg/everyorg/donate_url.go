package everyorg

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const donateBaseURL = "https://www.every.org"

// PartnerMetadata round-trips through the donate flow and back on the webhook.
type PartnerMetadata struct {
	UserID  string `json:"userId"`
	BatchID string `json:"batchId"`
}

// DonateURLParams describes one legacy donate-link for a charity.
type DonateURLParams struct {
	Slug         string
	Amount       decimal.Decimal
	AppURL       string
	WebhookToken string
	UserID       uuid.UUID
	BatchID      uuid.UUID
}

// DonateURL builds the hosted donate link. Query parameters live in the
// fragment because the hosted widget reads them client-side.
func DonateURL(p DonateURLParams) (string, error) {
	if strings.TrimSpace(p.Slug) == "" {
		return "", fmt.Errorf("charity slug required")
	}
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("donate amount must be positive, got %s", p.Amount.StringFixed(2))
	}
	meta, err := json.Marshal(PartnerMetadata{UserID: p.UserID.String(), BatchID: p.BatchID.String()})
	if err != nil {
		return "", err
	}
	success := strings.TrimRight(p.AppURL, "/") + "/dashboard/donations?success=true"

	q := url.Values{}
	q.Set("amount", p.Amount.StringFixed(2))
	q.Set("frequency", "ONCE")
	q.Set("success_url", success)
	if p.WebhookToken != "" {
		q.Set("webhook_token", p.WebhookToken)
	}
	q.Set("partner_metadata", base64.StdEncoding.EncodeToString(meta))

	return fmt.Sprintf("%s/%s#donate?%s", donateBaseURL, url.PathEscape(p.Slug), q.Encode()), nil
}

// DecodePartnerMetadata reverses the partner_metadata encoding.
func DecodePartnerMetadata(raw string) (*PartnerMetadata, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode partner metadata: %w", err)
	}
	var meta PartnerMetadata
	if err := json.Unmarshal(decoded, &meta); err != nil {
		return nil, fmt.Errorf("parse partner metadata: %w", err)
	}
	return &meta, nil
}
