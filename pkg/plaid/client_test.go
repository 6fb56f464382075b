package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countercart/countercart-backend/pkg/config"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newTestClient(t *testing.T, fn roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient(
		config.PlaidConfig{ClientID: "cid", Secret: "sec", Env: "sandbox"},
		WithHTTPClient(&http.Client{Transport: fn}),
	)
	require.NoError(t, err)
	return client
}

func TestSyncPageDecodesChanges(t *testing.T) {
	client := newTestClient(t, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "https://sandbox.plaid.com/transactions/sync", req.URL.String())
		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "cid", body["client_id"])
		assert.Equal(t, "access-1", body["access_token"])
		assert.Equal(t, "cur-1", body["cursor"])
		assert.EqualValues(t, 100, body["count"])
		return jsonResponse(http.StatusOK, `{
			"added": [{"transaction_id":"tx1","account_id":"acc","amount":4.3,"date":"2024-05-02","name":"SQ *COFFEE","merchant_name":"Starbucks","pending":false,"category":["Food and Drink"]}],
			"modified": [],
			"removed": [{"transaction_id":"tx0"}],
			"next_cursor": "cur-2",
			"has_more": true
		}`), nil
	})

	page, err := client.SyncPage(context.Background(), "access-1", "cur-1", 100)
	require.NoError(t, err)
	require.Len(t, page.Added, 1)
	assert.True(t, page.Added[0].Amount.Equal(decimal.RequireFromString("4.30")))
	assert.Equal(t, "Starbucks", page.Added[0].DisplayName())
	date, err := page.Added[0].ParsedDate()
	require.NoError(t, err)
	assert.Equal(t, 2, date.Day())
	assert.Equal(t, "tx0", page.Removed[0].TransactionID)
	assert.Equal(t, "cur-2", page.NextCursor)
	assert.True(t, page.HasMore)
}

func TestSyncPageClassifiesErrors(t *testing.T) {
	client := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, `{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"login"}`), nil
	})
	_, err := client.SyncPage(context.Background(), "a", "", 100)
	require.Error(t, err)
	assert.False(t, pkgerrors.IsRetryable(err))

	client = newTestClient(t, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `{"error_code":"INTERNAL_SERVER_ERROR"}`), nil
	})
	_, err = client.SyncPage(context.Background(), "a", "", 100)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(config.PlaidConfig{})
	require.Error(t, err)
	_, err = NewClient(config.PlaidConfig{ClientID: "a", Secret: "b", Env: "moon"})
	require.Error(t, err)
}

func TestDisplayNameFallsBackToName(t *testing.T) {
	blank := "  "
	tx := Transaction{Name: "AMZN Mktp", MerchantName: &blank}
	assert.Equal(t, "AMZN Mktp", tx.DisplayName())
}
