package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret", time.Minute)
	ent := uuid.New()

	token, err := svc.IssueToken(Claims{LmsUserID: 1234, Email: "learner@example.com", Roles: []string{RoleLearner + ":" + ent.String()}})
	require.NoError(t, err)

	c, err := svc.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), c.LmsUserID)
	assert.Equal(t, "1234", c.Subject)
	assert.True(t, c.HasRole(RoleLearner, ent))
	assert.False(t, c.HasRole(RoleAdmin, ent))
	assert.False(t, c.HasRole(RoleLearner, uuid.New()))
}

func TestValidateRejects(t *testing.T) {
	svc := NewService("test-secret", time.Minute)

	t.Run("wrong secret", func(t *testing.T) {
		token, err := NewService("other", time.Minute).IssueToken(Claims{LmsUserID: 1})
		require.NoError(t, err)
		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("expired", func(t *testing.T) {
		token, err := svc.IssueToken(Claims{
			LmsUserID:        1,
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
		})
		require.NoError(t, err)
		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("no user", func(t *testing.T) {
		token, err := svc.IssueToken(Claims{Email: "x@example.com"})
		require.NoError(t, err)
		_, err = svc.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken(context.Background(), "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRoleContexts(t *testing.T) {
	ent := uuid.New()
	cases := []struct {
		name   string
		claims *Claims
		role   string
		want   bool
	}{
		{"nil claims", nil, RoleLearner, false},
		{"wildcard admin", &Claims{Roles: []string{RoleAdmin + ":*"}}, RoleAdmin, true},
		{"operator", &Claims{Roles: []string{RoleOperator + ":*"}}, RoleAdmin, true},
		{"staff", &Claims{Administrator: true}, RoleAdmin, true},
		{"other enterprise", &Claims{Roles: []string{RoleAdmin + ":" + uuid.NewString()}}, RoleAdmin, false},
		{"learner is not admin", &Claims{Roles: []string{RoleLearner + ":" + ent.String()}}, RoleAdmin, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.claims.HasRole(tc.role, ent))
		})
	}
	assert.True(t, (&Claims{Roles: []string{RoleOperator + ":*"}}).IsOperator())
	assert.False(t, (&Claims{Roles: []string{RoleAdmin + ":*"}}).IsOperator())
}

func TestMe(t *testing.T) {
	h := NewHandler(nil)

	rec := httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{LmsUserID: 7, Email: "me@example.com"}))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(7), body.LmsUserID)
	assert.Equal(t, []string{}, body.Roles)
}
