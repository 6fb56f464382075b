package plaid

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxWebhookAge = 5 * time.Minute

var ErrInvalidWebhook = errors.New("plaid webhook verification failed")

type keySource interface {
	VerificationKey(ctx context.Context, keyID string) (*JWK, error)
}

// Verifier validates the Plaid-Verification JWT attached to webhooks.
type Verifier struct {
	keys  keySource
	now   func() time.Time
	mu    sync.Mutex
	cache map[string]*ecdsa.PublicKey
}

func NewVerifier(keys keySource) *Verifier {
	return &Verifier{keys: keys, now: time.Now, cache: map[string]*ecdsa.PublicKey{}}
}

type webhookClaims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

// Verify checks the token signature, its age and the body digest.
func (v *Verifier) Verify(ctx context.Context, token string, body []byte) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidWebhook)
	}
	claims := &webhookClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if claims.IssuedAt == nil || v.now().Sub(claims.IssuedAt.Time) > maxWebhookAge {
		return fmt.Errorf("%w: token too old", ErrInvalidWebhook)
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(digest), []byte(claims.RequestBodySHA256)) != 1 {
		return fmt.Errorf("%w: body digest mismatch", ErrInvalidWebhook)
	}
	return nil
}

func (v *Verifier) publicKey(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	v.mu.Lock()
	cached, ok := v.cache[kid]
	v.mu.Unlock()
	if ok {
		return cached, nil
	}

	jwk, err := v.keys.VerificationKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if jwk.ExpiredAt != nil {
		return nil, errors.New("verification key expired")
	}
	key, err := jwk.PublicKey()
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.cache[kid] = key
	v.mu.Unlock()
	return key, nil
}

// PublicKey decodes the P-256 coordinates.
func (k JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if k.Kty != "EC" || k.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	y, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}
