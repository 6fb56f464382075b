package plaid

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
	EnvSandbox     = "sandbox"
	EnvDevelopment = "development"
	EnvProduction  = "production"

	responseReadLimit int64 = 2048
)

var baseURLs = map[string]string{
	EnvSandbox:     "https://sandbox.plaid.com",
	EnvDevelopment: "https://development.plaid.com",
	EnvProduction:  "https://production.plaid.com",
}

var errCredentialsRequired = errors.New("plaid client id and secret are required")

// Client talks to the Plaid JSON API for transaction sync and webhook keys.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	secret     string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the environment base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = strings.TrimRight(trimmed, "/")
		}
	}
}

func NewClient(cfg config.PlaidConfig, opts ...Option) (*Client, error) {
	if !cfg.Configured() {
		return nil, errCredentialsRequired
	}
	env := strings.ToLower(strings.TrimSpace(cfg.Env))
	if env == "" {
		env = EnvSandbox
	}
	base, ok := baseURLs[env]
	if !ok {
		return nil, fmt.Errorf("unknown plaid environment %q", cfg.Env)
	}

	client := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    base,
		clientID:   strings.TrimSpace(cfg.ClientID),
		secret:     strings.TrimSpace(cfg.Secret),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Transaction is the subset of Plaid's transaction object the pipeline uses.
// Amount is positive for money leaving the account.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date"`
	Name          string          `json:"name"`
	MerchantName  *string         `json:"merchant_name"`
	Pending       bool            `json:"pending"`
	Category      []string        `json:"category"`
}

// DisplayName prefers the cleaned merchant name over the raw descriptor.
func (t Transaction) DisplayName() string {
	if t.MerchantName != nil && strings.TrimSpace(*t.MerchantName) != "" {
		return *t.MerchantName
	}
	return t.Name
}

// ParsedDate returns the posting date at midnight UTC.
func (t Transaction) ParsedDate() (time.Time, error) {
	return time.Parse("2006-01-02", t.Date)
}

type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

// SyncPage is one page of the /transactions/sync change feed.
type SyncPage struct {
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
}

type syncRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
	Cursor      string `json:"cursor,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// SyncPage fetches the changes after cursor. An empty cursor starts from the beginning.
func (c *Client) SyncPage(ctx context.Context, accessToken, cursor string, count int) (*SyncPage, error) {
	req := syncRequest{
		ClientID:    c.clientID,
		Secret:      c.secret,
		AccessToken: accessToken,
		Cursor:      cursor,
		Count:       count,
	}
	var page SyncPage
	if err := c.post(ctx, "/transactions/sync", req, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// JWK is the ES256 public key Plaid signs webhooks with.
type JWK struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	Use       string `json:"use"`
	X         string `json:"x"`
	Y         string `json:"y"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt *int64 `json:"expired_at"`
}

// VerificationKey fetches the webhook signing key identified by keyID.
func (c *Client) VerificationKey(ctx context.Context, keyID string) (*JWK, error) {
	req := map[string]string{
		"client_id": c.clientID,
		"secret":    c.secret,
		"key_id":    keyID,
	}
	var resp struct {
		Key JWK `json:"key"`
	}
	if err := c.post(ctx, "/webhook_verification_key/get", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

type apiError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal plaid request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build plaid request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute plaid request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency,
			fmt.Errorf("status %d: %s %s", resp.StatusCode, apiErr.ErrorCode, strings.TrimSpace(apiErr.ErrorMessage)),
			"plaid request failed").WithDetails(map[string]any{"error_code": apiErr.ErrorCode})
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return wrapped.Terminal()
		}
		return wrapped
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode plaid response")
	}
	return nil
}
