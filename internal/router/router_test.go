package router

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/dashboard"
	"github.com/enterpriseaccess/backend/internal/handlers"
	"github.com/enterpriseaccess/backend/internal/metrics"
	"github.com/enterpriseaccess/backend/internal/registry"
)

func newTestRouter(t *testing.T, ready func(*http.Request) error) (http.Handler, auth.Service) {
	t.Helper()
	tokens := auth.NewService("router-secret", time.Minute)
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	return New(Handlers{
		Auth:       auth.NewHandler(nil),
		Policy:     &handlers.PolicyHandler{},
		Registry:   registry.NewHandler(nil, nil),
		Dashboard:  &dashboard.Handler{},
		Tokens:     tokens,
		Instrument: m.Middleware,
		Metrics:    metrics.Handler(reg),
		Ready:      ready,
	}), tokens
}

func TestHealthz(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h, _ = newTestRouter(t, func(*http.Request) error { return errors.New("redis down") })
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIRequiresToken(t *testing.T) {
	h, tokens := newTestRouter(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := tokens.IssueToken(auth.Claims{LmsUserID: 1234, Email: "learner@example.com"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"lms_user_id":1234`)
}

func TestEnterpriseRoutesCheckRole(t *testing.T) {
	h, tokens := newTestRouter(t, nil)
	ent := uuid.New()
	token, err := tokens.IssueToken(auth.Claims{LmsUserID: 1234, Roles: []string{auth.RoleLearner + ":" + uuid.NewString()}})
	require.NoError(t, err)

	for _, path := range []string{
		"/api/v1/policy/enterprise-customer/" + ent.String() + "/can-redeem/?content_key=x",
		"/api/v1/policy/credits-available/?enterprise_customer_uuid=" + ent.String(),
		"/api/v1/subsidy-access-policies/?enterprise_customer_uuid=" + ent.String(),
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "enterprise_access_http_request_duration_seconds")
}
