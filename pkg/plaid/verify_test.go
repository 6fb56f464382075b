package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKeys struct {
	jwk   JWK
	calls int
}

func (s *staticKeys) VerificationKey(context.Context, string) (*JWK, error) {
	s.calls++
	return &s.jwk, nil
}

func signWebhook(t *testing.T, key *ecdsa.PrivateKey, body []byte, issued time.Time) string {
	t.Helper()
	sum := sha256.Sum256(body)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iat":                 issued.Unix(),
		"request_body_sha256": hex.EncodeToString(sum[:]),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newVerifierFixture(t *testing.T) (*Verifier, *ecdsa.PrivateKey, *staticKeys) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keys := &staticKeys{jwk: JWK{
		Alg: "ES256",
		Crv: "P-256",
		Kid: "kid-1",
		Kty: "EC",
		X:   base64.RawURLEncoding.EncodeToString(key.PublicKey.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(key.PublicKey.Y.FillBytes(make([]byte, 32))),
	}}
	return NewVerifier(keys), key, keys
}

func TestVerifierAcceptsValidWebhook(t *testing.T) {
	verifier, key, keys := newVerifierFixture(t)
	body := []byte(`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)

	token := signWebhook(t, key, body, time.Now())
	require.NoError(t, verifier.Verify(context.Background(), token, body))
	require.NoError(t, verifier.Verify(context.Background(), token, body))
	assert.Equal(t, 1, keys.calls, "key should be cached")
}

func TestVerifierRejectsTamperedBody(t *testing.T) {
	verifier, key, _ := newVerifierFixture(t)
	body := []byte(`{"item_id":"item-1"}`)
	token := signWebhook(t, key, body, time.Now())

	err := verifier.Verify(context.Background(), token, []byte(`{"item_id":"item-2"}`))
	require.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestVerifierRejectsStaleToken(t *testing.T) {
	verifier, key, _ := newVerifierFixture(t)
	body := []byte(`{}`)
	token := signWebhook(t, key, body, time.Now().Add(-10*time.Minute))

	err := verifier.Verify(context.Background(), token, body)
	require.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestVerifierRejectsMissingToken(t *testing.T) {
	verifier, _, _ := newVerifierFixture(t)
	require.ErrorIs(t, verifier.Verify(context.Background(), "", nil), ErrInvalidWebhook)
}
