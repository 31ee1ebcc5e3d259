package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := MustNew(prometheus.NewRegistry())

	m.ObserveRedemption("PerLearnerSpendCreditAccessPolicy", "committed")
	m.ObserveRedemption("PerLearnerSpendCreditAccessPolicy", "committed")
	m.ObserveRedemption("PerLearnerSpendCreditAccessPolicy", "locked")
	m.ObserveAllocation("allocated", 3)
	m.ObserveJob("link_pending_learner", "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.redemptions.WithLabelValues("PerLearnerSpendCreditAccessPolicy", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redemptions.WithLabelValues("PerLearnerSpendCreditAccessPolicy", "locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocations.WithLabelValues("allocated")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.allocatedLearners))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("link_pending_learner", "ok")))
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)

	a.ObserveRedemption("x", "committed")
	b.ObserveRedemption("x", "committed")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.redemptions.WithLabelValues("x", "committed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveUpstream("ledger", "GET /x", 200, time.Millisecond)
	m.ObserveRedemption("x", "committed")
	m.ObserveAllocation("allocated", 1)
	m.ObserveJob("k", "ok")

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	assert.NotNil(t, m.Middleware(h))
}

func TestMiddlewareAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)
	m.ObserveUpstream("ledger", "GET /api/v2/subsidies/:id/can_redeem/", 200, 20*time.Millisecond)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/policy/{policy_uuid}/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", Handler(reg))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/policy/abc/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/policy/{policy_uuid}/"`), body)
	assert.True(t, strings.Contains(body, `enterprise_access_upstream_request_duration_seconds_count{operation="GET /api/v2/subsidies/:id/can_redeem/",service="ledger",status="200"} 1`), body)
}
