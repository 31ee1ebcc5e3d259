package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/auth"
)

// TokenValidator is the interface used by JWT auth middleware.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Claims, error)
}

// JWTAuth validates the Bearer token and stores the caller's claims in the
// request context.
func JWTAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			claims, err := validator.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// RequireEnterpriseRole admits callers holding any of roles for the enterprise
// named by the URL parameter param, falling back to the query string.
func RequireEnterpriseRole(param string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.ClaimsFromCtx(r.Context())
			if claims == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			raw := chi.URLParam(r, param)
			if raw == "" {
				raw = r.URL.Query().Get(param)
			}
			if raw == "" {
				if claims.IsOperator() {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, `{"error":"`+param+` is required"}`, http.StatusBadRequest)
				return
			}
			enterpriseUUID, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid `+param+`"}`, http.StatusBadRequest)
				return
			}
			for _, role := range roles {
				if claims.HasRole(role, enterpriseUUID) {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
