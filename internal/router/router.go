package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/dashboard"
	"github.com/enterpriseaccess/backend/internal/handlers"
	"github.com/enterpriseaccess/backend/internal/middleware"
	"github.com/enterpriseaccess/backend/internal/registry"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Auth      *auth.Handler
	Policy    *handlers.PolicyHandler
	Registry  *registry.Handler
	Dashboard *dashboard.Handler
	Tokens    middleware.TokenValidator
	// Instrument wraps every request, typically with request metrics. Optional.
	Instrument func(http.Handler) http.Handler
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
	// Ready reports dependency health for /healthz. Optional.
	Ready func(r *http.Request) error
}

const enterpriseParam = "enterprise_customer_uuid"

// New returns an http.Handler that serves the API under /api/v1.
func New(h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if h.Instrument != nil {
		r.Use(h.Instrument)
	}

	r.Get("/healthz", healthz(h.Ready))
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuth(h.Tokens))

		r.Get("/auth/me", h.Auth.Me)

		r.Route("/policy", func(r chi.Router) {
			r.Post("/{policy_uuid}/redeem/", h.Policy.Redeem)
			r.Post("/{policy_uuid}/allocate/", h.Policy.Allocate)
			r.Post("/{policy_uuid}/assignments/cancel/", h.Policy.CancelAssignments)
			r.With(middleware.RequireEnterpriseRole(enterpriseParam, auth.RoleLearner, auth.RoleAdmin)).
				Get("/enterprise-customer/{enterprise_customer_uuid}/can-redeem/", h.Policy.CanRedeem)
			r.With(middleware.RequireEnterpriseRole(enterpriseParam, auth.RoleLearner, auth.RoleAdmin)).
				Get("/credits-available/", h.Dashboard.CreditsAvailable)
		})

		r.Route("/subsidy-access-policies", func(r chi.Router) {
			r.With(middleware.RequireEnterpriseRole(enterpriseParam, auth.RoleAdmin)).
				Get("/", h.Registry.ListPolicies)
			r.Post("/", h.Registry.CreatePolicy)
			r.Get("/{policy_uuid}/", h.Registry.GetPolicy)
			r.Patch("/{policy_uuid}/", h.Registry.UpdatePolicy)
			r.Delete("/{policy_uuid}/", h.Registry.RetirePolicy)
		})
	})
	return r
}

func healthz(ready func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			if err := ready(r); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
