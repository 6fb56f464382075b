package change

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
)

const (
	DefaultBaseURL          = "https://api.getchange.io/v1"
	responseReadLimit int64 = 1024

	idempotencyHeader = "Idempotency-Key"
)

var errAPIKeyRequired = errors.New("change api key is required")

// Client wraps the Change nonprofit search and donation APIs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, errAPIKeyRequired
	}
	client := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		apiKey:     key,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

type Nonprofit struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	EIN  string `json:"ein"`
}

// FindNonprofitByEIN searches by EIN and returns the exact match, or nil when
// Change does not list the organization.
func (c *Client) FindNonprofitByEIN(ctx context.Context, ein string) (*Nonprofit, error) {
	want := normalizeEIN(ein)
	if want == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "ein is required")
	}
	endpoint := fmt.Sprintf("%s/nonprofits/search?q=%s", c.baseURL, url.QueryEscape(want))
	var resp struct {
		Nonprofits []Nonprofit `json:"nonprofits"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return nil, err
	}
	for _, np := range resp.Nonprofits {
		if normalizeEIN(np.EIN) == want {
			found := np
			return &found, nil
		}
	}
	return nil, nil
}

// DonationRequest creates a donation to a nonprofit. Amount is in cents.
type DonationRequest struct {
	NonprofitID string            `json:"nonprofit_id"`
	Amount      int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// IdempotencyKey is sent as the Idempotency-Key header, not in the body.
	IdempotencyKey string `json:"-"`
}

type Donation struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	NonprofitID string `json:"nonprofit_id"`
	Amount      int64  `json:"amount"`
}

func (c *Client) CreateDonation(ctx context.Context, req DonationRequest) (*Donation, error) {
	if req.NonprofitID == "" || req.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "nonprofit and positive amount required")
	}
	var out Donation
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set(idempotencyHeader, req.IdempotencyKey)
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/donations", header, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "change donation response missing id")
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, header http.Header, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal change request")
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build change request")
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute change request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "change request failed")
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return wrapped.Terminal()
		}
		return wrapped
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode change response")
	}
	return nil
}

func normalizeEIN(ein string) string {
	return strings.ReplaceAll(strings.TrimSpace(ein), "-", "")
}
