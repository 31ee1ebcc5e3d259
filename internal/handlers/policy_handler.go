package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
	"github.com/enterpriseaccess/backend/internal/services"
)

// PolicyReader loads a stored policy by UUID.
type PolicyReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.SubsidyAccessPolicy, error)
}

// Redeemer commits redemptions.
type Redeemer interface {
	Redeem(ctx context.Context, p policy.Redeemable, req services.RedeemRequest) (*models.Transaction, error)
}

// CanRedeemEvaluator answers can-redeem across a customer's policies.
type CanRedeemEvaluator interface {
	CanRedeem(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64, contentKeys []string) ([]services.ContentEvaluation, error)
}

// AssignmentAllocator allocates and cancels learner assignments.
type AssignmentAllocator interface {
	Allocate(ctx context.Context, p policy.Redeemable, emails []string, contentKey string, priceCents int64) (*models.AllocationResult, error)
	CancelAssignments(ctx context.Context, p policy.Redeemable, assignmentUUIDs []uuid.UUID) ([]*models.LearnerContentAssignment, error)
}

// LearnerLinker attaches an LMS user to assignments addressed to their email.
type LearnerLinker interface {
	LinkLearner(ctx context.Context, email string, lmsUserID int64) (int64, error)
}

// PolicyHandler serves the /policy endpoints.
type PolicyHandler struct {
	Policies   PolicyReader
	Redeemer   Redeemer
	Evaluation CanRedeemEvaluator
	Allocator  AssignmentAllocator
	Reasons    ReasonRenderer
	Learners   LearnerLinker
	Logger     *slog.Logger
}

// --- POST /policy/{policy_uuid}/redeem/ ---

type RedeemRequest struct {
	LmsUserID  int64          `json:"lms_user_id"`
	ContentKey string         `json:"content_key"`
	Metadata   map[string]any `json:"metadata"`
}

func (h *PolicyHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req RedeemRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.ContentKey = strings.TrimSpace(req.ContentKey)
	if req.LmsUserID <= 0 || req.ContentKey == "" {
		http.Error(w, `{"error":"lms_user_id and content_key are required"}`, http.StatusBadRequest)
		return
	}

	p, ok := h.loadPolicy(w, r)
	if !ok {
		return
	}
	rec := p.Record()
	if !canActForLearner(claims, rec.EnterpriseCustomerUUID, req.LmsUserID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	h.linkLearner(r.Context(), claims, req.LmsUserID)

	tx, err := h.Redeemer.Redeem(r.Context(), p, services.RedeemRequest{
		LmsUserID:  req.LmsUserID,
		ContentKey: req.ContentKey,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// --- GET /policy/enterprise-customer/{enterprise_customer_uuid}/can-redeem/ ---

func (h *PolicyHandler) CanRedeem(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	enterpriseUUID, err := uuid.Parse(chi.URLParam(r, "enterprise_customer_uuid"))
	if err != nil {
		http.Error(w, `{"error":"invalid enterprise_customer_uuid"}`, http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	keys := uniqueNonEmpty(q["content_key"])
	if len(keys) == 0 {
		http.Error(w, `{"error":"content_key is required"}`, http.StatusBadRequest)
		return
	}
	lmsUserID, err := learnerFromQuery(q.Get("lms_user_id"), claims)
	if err != nil {
		http.Error(w, `{"error":"invalid lms_user_id"}`, http.StatusBadRequest)
		return
	}
	if !canActForLearner(claims, enterpriseUUID, lmsUserID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	out, err := h.Evaluation.CanRedeem(r.Context(), enterpriseUUID, lmsUserID, keys)
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- POST /policy/{policy_uuid}/allocate/ ---

type AllocateRequest struct {
	LearnerEmails     []string `json:"learner_emails"`
	ContentKey        string   `json:"content_key"`
	ContentPriceCents *int64   `json:"content_price_cents"`
}

func (h *PolicyHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req AllocateRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.ContentKey = strings.TrimSpace(req.ContentKey)
	if req.ContentKey == "" || req.ContentPriceCents == nil || len(req.LearnerEmails) == 0 {
		http.Error(w, `{"error":"learner_emails, content_key and content_price_cents are required"}`, http.StatusBadRequest)
		return
	}

	p, ok := h.loadPolicy(w, r)
	if !ok {
		return
	}
	if !claims.HasRole(auth.RoleAdmin, p.Record().EnterpriseCustomerUUID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	result, err := h.Allocator.Allocate(r.Context(), p, req.LearnerEmails, req.ContentKey, *req.ContentPriceCents)
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// --- POST /policy/{policy_uuid}/assignments/cancel/ ---

type CancelRequest struct {
	AssignmentUUIDs []uuid.UUID `json:"assignment_uuids"`
}

type CancelResponse struct {
	Cancelled []*models.LearnerContentAssignment `json:"cancelled"`
}

func (h *PolicyHandler) CancelAssignments(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req CancelRequest
	if err := decodeBody(r, &req); err != nil || len(req.AssignmentUUIDs) == 0 {
		http.Error(w, `{"error":"assignment_uuids is required"}`, http.StatusBadRequest)
		return
	}

	p, ok := h.loadPolicy(w, r)
	if !ok {
		return
	}
	if !claims.HasRole(auth.RoleAdmin, p.Record().EnterpriseCustomerUUID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	cancelled, err := h.Allocator.CancelAssignments(r.Context(), p, req.AssignmentUUIDs)
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

// --- helpers ---

func (h *PolicyHandler) loadPolicy(w http.ResponseWriter, r *http.Request) (policy.Redeemable, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "policy_uuid"))
	if err != nil {
		http.Error(w, `{"error":"invalid policy_uuid"}`, http.StatusBadRequest)
		return nil, false
	}
	rec, err := h.Policies.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return nil, false
	}
	p, err := policy.FromRecord(rec)
	if err != nil {
		writeServiceError(w, r, h.Reasons, h.logger(), err)
		return nil, false
	}
	return p, true
}

// linkLearner records the caller's LMS user id on assignments sent to their
// email. Failures only cost the learner an assignment lookup miss, so they are
// logged and ignored.
func (h *PolicyHandler) linkLearner(ctx context.Context, claims *auth.Claims, lmsUserID int64) {
	if h.Learners == nil || claims.Email == "" || claims.LmsUserID != lmsUserID {
		return
	}
	n, err := h.Learners.LinkLearner(ctx, claims.Email, lmsUserID)
	if err != nil {
		h.logger().Warn("could not link learner to assignments", "lms_user_id", lmsUserID, "error", err)
		return
	}
	if n > 0 {
		h.logger().Info("linked learner to assignments", "lms_user_id", lmsUserID, "assignments", n)
	}
}

func (h *PolicyHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// canActForLearner admits the learner themselves, and enterprise admins or
// operators acting on a learner's behalf.
func canActForLearner(claims *auth.Claims, enterpriseUUID uuid.UUID, lmsUserID int64) bool {
	if claims.HasRole(auth.RoleAdmin, enterpriseUUID) {
		return true
	}
	return claims.LmsUserID == lmsUserID && claims.HasRole(auth.RoleLearner, enterpriseUUID)
}

func learnerFromQuery(raw string, claims *auth.Claims) (int64, error) {
	if raw == "" {
		return claims.LmsUserID, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid lms_user_id")
	}
	return id, nil
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
