package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/auth"
)

// --- stub validator ---

type stubValidator struct {
	claims *auth.Claims
	err    error
	seen   string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (*auth.Claims, error) {
	s.seen = token
	return s.claims, s.err
}

// --- tests ---

func TestJWTAuth(t *testing.T) {
	var got *auth.Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = auth.ClaimsFromCtx(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		JWTAuth(&stubValidator{})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		JWTAuth(&stubValidator{err: errors.New("bad")})(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		v := &stubValidator{claims: &auth.Claims{LmsUserID: 42}}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "bearer  tok-123 ")
		rec := httptest.NewRecorder()
		JWTAuth(v)(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "tok-123", v.seen)
		require.NotNil(t, got)
		assert.Equal(t, int64(42), got.LmsUserID)
	})
}

func TestRequireEnterpriseRole(t *testing.T) {
	ent := uuid.New()
	r := chi.NewRouter()
	r.With(RequireEnterpriseRole("enterprise_customer_uuid", auth.RoleAdmin)).
		Get("/enterprises/{enterprise_customer_uuid}", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	r.With(RequireEnterpriseRole("enterprise_customer_uuid", auth.RoleAdmin)).
		Get("/policies", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	cases := []struct {
		name   string
		path   string
		claims *auth.Claims
		want   int
	}{
		{"no claims", "/enterprises/" + ent.String(), nil, http.StatusUnauthorized},
		{"admin of enterprise", "/enterprises/" + ent.String(), &auth.Claims{Roles: []string{auth.RoleAdmin + ":" + ent.String()}}, http.StatusOK},
		{"admin elsewhere", "/enterprises/" + ent.String(), &auth.Claims{Roles: []string{auth.RoleAdmin + ":" + uuid.NewString()}}, http.StatusForbidden},
		{"learner", "/enterprises/" + ent.String(), &auth.Claims{Roles: []string{auth.RoleLearner + ":" + ent.String()}}, http.StatusForbidden},
		{"bad uuid", "/enterprises/nope", &auth.Claims{Roles: []string{auth.RoleAdmin + ":*"}}, http.StatusBadRequest},
		{"query param", "/policies?enterprise_customer_uuid=" + ent.String(), &auth.Claims{Roles: []string{auth.RoleAdmin + ":" + ent.String()}}, http.StatusOK},
		{"missing param", "/policies", &auth.Claims{Roles: []string{auth.RoleAdmin + ":" + ent.String()}}, http.StatusBadRequest},
		{"operator without param", "/policies", &auth.Claims{Roles: []string{auth.RoleOperator + ":*"}}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.claims != nil {
				req = req.WithContext(auth.WithClaims(req.Context(), tc.claims))
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
