package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

type principalKeyType string

const PrincipalKey principalKeyType = "principal"

var errUnauthorized = appErr.New(appErr.CodeUnauthorized, "authentication required")

// Auth validates a Bearer JWT using the provided HMAC secret and puts the
// caller's principal in the context.
func Auth(hmacSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				types.WriteError(w, errUnauthorized)
				return
			}
			tokenStr := strings.TrimSpace(ah[len("Bearer "):])
			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return hmacSecret, nil
			}, jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				types.WriteError(w, errUnauthorized)
				return
			}
			p := models.Principal{}
			p.UserID, _ = claims["sub"].(string)
			p.Email, _ = claims["email"].(string)
			p.Role, _ = claims["role"].(string)
			if p.UserID == "" || p.Email == "" || !models.IsRole(p.Role) {
				types.WriteError(w, errUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), PrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !GetPrincipal(r.Context()).IsAdmin() {
			types.WriteError(w, appErr.New(appErr.CodeForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetPrincipal(ctx context.Context) models.Principal {
	if p, ok := ctx.Value(PrincipalKey).(models.Principal); ok {
		return p
	}
	return models.Principal{}
}

// WithPrincipal is used by tests and internal callers to act as p.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}
