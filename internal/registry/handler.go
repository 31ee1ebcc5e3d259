package registry

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/repository"
)

const maxBodyBytes = 1 << 20

// CreatePolicyRequest is the body of POST /subsidy-access-policies/.
type CreatePolicyRequest struct {
	PolicyType                  string     `json:"policy_type"`
	EnterpriseCustomerUUID      uuid.UUID  `json:"enterprise_customer_uuid"`
	CatalogUUID                 uuid.UUID  `json:"catalog_uuid"`
	SubsidyUUID                 uuid.UUID  `json:"subsidy_uuid"`
	AccessMethod                string     `json:"access_method"`
	DisplayName                 string     `json:"display_name"`
	Description                 string     `json:"description"`
	Active                      *bool      `json:"active"`
	GroupUUID                   *uuid.UUID `json:"group_uuid"`
	AssignmentConfigurationUUID *uuid.UUID `json:"assignment_configuration"`
	PerLearnerEnrollmentLimit   *int64     `json:"per_learner_enrollment_limit"`
	PerLearnerSpendLimit        *int64     `json:"per_learner_spend_limit"`
	SpendLimit                  *int64     `json:"spend_limit"`
}

func (req CreatePolicyRequest) toModel() *models.SubsidyAccessPolicy {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &models.SubsidyAccessPolicy{
		PolicyType:                  req.PolicyType,
		EnterpriseCustomerUUID:      req.EnterpriseCustomerUUID,
		CatalogUUID:                 req.CatalogUUID,
		SubsidyUUID:                 req.SubsidyUUID,
		AccessMethod:                req.AccessMethod,
		DisplayName:                 req.DisplayName,
		Description:                 req.Description,
		Active:                      active,
		GroupUUID:                   req.GroupUUID,
		AssignmentConfigurationUUID: req.AssignmentConfigurationUUID,
		PerLearnerEnrollmentLimit:   req.PerLearnerEnrollmentLimit,
		PerLearnerSpendLimit:        req.PerLearnerSpendLimit,
		SpendLimit:                  req.SpendLimit,
	}
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := validateCreateBody(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var req CreatePolicyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if !claims.HasRole(auth.RoleAdmin, req.EnterpriseCustomerUUID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	p, err := h.svc.CreatePolicy(r.Context(), req.toModel())
	if err != nil {
		h.writeError(w, "create policy failed", err)
		return
	}
	h.log.Info("policy created", "policy_uuid", p.UUID, "policy_type", p.PolicyType, "enterprise_customer_uuid", p.EnterpriseCustomerUUID)
	writeJSON(w, http.StatusCreated, p)
}

// ListPolicies serves GET /subsidy-access-policies/?enterprise_customer_uuid=&policy_type=&active=.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.PolicyFilter
	if raw := q.Get("enterprise_customer_uuid"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid enterprise_customer_uuid"}`, http.StatusBadRequest)
			return
		}
		filter.EnterpriseCustomerUUID = &id
	}
	filter.PolicyType = q.Get("policy_type")
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid active"}`, http.StatusBadRequest)
			return
		}
		filter.ActiveOnly = active
	}
	list, err := h.svc.ListPolicies(r.Context(), filter)
	if err != nil {
		h.writeError(w, "list policies failed", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizedPolicy(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizedPolicy(w, r)
	if !ok {
		return
	}
	var patch PolicyPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	updated, err := h.svc.UpdatePolicy(r.Context(), p.UUID, patch)
	if err != nil {
		h.writeError(w, "update policy failed", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// RetirePolicy serves DELETE; the record is kept and marked retired.
func (h *Handler) RetirePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizedPolicy(w, r)
	if !ok {
		return
	}
	if err := h.svc.RetirePolicy(r.Context(), p.UUID); err != nil {
		h.writeError(w, "retire policy failed", err)
		return
	}
	h.log.Info("policy retired", "policy_uuid", p.UUID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorizedPolicy(w http.ResponseWriter, r *http.Request) (*models.SubsidyAccessPolicy, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "policy_uuid"))
	if err != nil {
		http.Error(w, `{"error":"invalid policy_uuid"}`, http.StatusBadRequest)
		return nil, false
	}
	p, err := h.svc.GetPolicy(r.Context(), id)
	if err != nil {
		h.writeError(w, "get policy failed", err)
		return nil, false
	}
	if !auth.ClaimsFromCtx(r.Context()).HasRole(auth.RoleAdmin, p.EnterpriseCustomerUUID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return nil, false
	}
	return p, true
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, ErrInvalidPolicy):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, `{"error":"policy not found"}`, http.StatusNotFound)
	default:
		h.log.Error(msg, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
