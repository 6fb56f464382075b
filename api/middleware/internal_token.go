package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/countercart/countercart-backend/api/responses"
	pkgerrors "github.com/countercart/countercart-backend/pkg/errors"
	"github.com/countercart/countercart-backend/pkg/logger"
)

const InternalTokenHeader = "X-Internal-Token"

// InternalToken guards the job surface with the shared service token.
func InternalToken(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(strings.TrimSpace(r.Header.Get(InternalTokenHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				if logg != nil {
					logg.Warn(r.Context(), "internal_token.rejected")
				}
				responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid internal token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
