package everyorg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/countercart/countercart-backend/pkg/config"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
)

const (
	DefaultPartnerURL       = "https://partners.every.org/v1"
	responseReadLimit int64 = 1024
)

var errCredentialsRequired = errors.New("every.org partner id and secret are required")

// PartnerClient sends consolidated grants through the Every.org Partner API.
type PartnerClient struct {
	httpClient *http.Client
	baseURL    string
	partnerID  string
	secret     string
	webhookURL string
}

type Option func(*PartnerClient)

func WithHTTPClient(client *http.Client) Option {
	return func(c *PartnerClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithWebhookURL sets the callback Every.org notifies on disbursement status changes.
func WithWebhookURL(u string) Option {
	return func(c *PartnerClient) {
		c.webhookURL = strings.TrimSpace(u)
	}
}

func NewPartnerClient(cfg config.EveryOrgConfig, opts ...Option) (*PartnerClient, error) {
	if !cfg.Configured() {
		return nil, errCredentialsRequired
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PartnerURL), "/")
	if base == "" {
		base = DefaultPartnerURL
	}
	client := &PartnerClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    base,
		partnerID:  strings.TrimSpace(cfg.PartnerID),
		secret:     strings.TrimSpace(cfg.PartnerSecret),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Recipient is one charity in a multi-recipient disbursement.
type Recipient struct {
	NonprofitID string            `json:"nonprofit_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Memo        string            `json:"memo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type DisbursementRequest struct {
	Recipients []Recipient
}

type RecipientStatus struct {
	NonprofitID string `json:"nonprofit_id"`
	Status      string `json:"status"`
}

type Disbursement struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Recipients []RecipientStatus `json:"disbursements"`
}

type disbursementPayload struct {
	PartnerID     string      `json:"partner_id"`
	Disbursements []Recipient `json:"disbursements"`
	WebhookURL    string      `json:"webhook_url,omitempty"`
}

func (c *PartnerClient) CreateDisbursement(ctx context.Context, req DisbursementRequest) (*Disbursement, error) {
	if len(req.Recipients) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one recipient is required")
	}
	body, err := json.Marshal(disbursementPayload{
		PartnerID:     c.partnerID,
		Disbursements: req.Recipients,
		WebhookURL:    c.webhookURL,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal disbursement")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/disbursements", bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build disbursement request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute disbursement request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "every.org disbursement failed")
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, wrapped.Terminal()
		}
		return nil, wrapped
	}

	var out Disbursement
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode disbursement response")
	}
	if out.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "disbursement response missing id")
	}
	return &out, nil
}
