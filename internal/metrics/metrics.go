// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enterprise_access"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	upstreamDuration  *prometheus.HistogramVec
	redemptions       *prometheus.CounterVec
	allocations       *prometheus.CounterVec
	allocatedLearners prometheus.Counter
	httpDuration      *prometheus.HistogramVec
	jobs              *prometheus.CounterVec
}

// MustNew registers the collectors with reg and panics on a registration
// conflict other than an identical collector already being present.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of calls to upstream services.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "operation", "status"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by policy type and outcome.",
		}, []string{"policy_type", "outcome"}),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation attempts by outcome.",
		}, []string{"outcome"}),
		allocatedLearners: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocated_learners_total",
			Help:      "Learners whose assignment was created or re-allocated.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Background job executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	m.upstreamDuration = register(reg, m.upstreamDuration)
	m.redemptions = register(reg, m.redemptions)
	m.allocations = register(reg, m.allocations)
	m.allocatedLearners = register(reg, m.allocatedLearners)
	m.httpDuration = register(reg, m.httpDuration)
	m.jobs = register(reg, m.jobs)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveUpstream records one upstream call. Status 0 means no response.
func (m *Metrics) ObserveUpstream(service, operation string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(service, operation, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// ObserveRedemption counts one redemption attempt.
func (m *Metrics) ObserveRedemption(policyType, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(policyType, outcome).Inc()
}

// ObserveAllocation counts one allocation attempt and the learners it touched.
func (m *Metrics) ObserveAllocation(outcome string, learners int) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(outcome).Inc()
	if learners > 0 {
		m.allocatedLearners.Add(float64(learners))
	}
}

// ObserveJob counts one background job execution.
func (m *Metrics) ObserveJob(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
}

// Middleware records request latency labelled by the matched chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the collectors registered in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
