package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/lock"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
	"github.com/enterpriseaccess/backend/internal/repository"
	"github.com/enterpriseaccess/backend/internal/services"
)

const (
	detailLocked          = "Enrollment currently locked for this subsidy access policy."
	detailLedgerPrefix    = "Subsidy Transaction API error: "
	detailMissingRetry    = "The learner's assignment changed while redeeming. Please try again."
	detailUnavailable     = "An upstream service is unavailable. Please try again later."
	detailUpstreamFailed  = "An upstream service failed. Please try again later."
	reasonAllocationError = "allocation_error"
)

// ReasonRenderer turns a rejected policy into the reasons payload.
type ReasonRenderer interface {
	Single(ctx context.Context, enterpriseCustomerUUID, policyUUID uuid.UUID, reason models.Reason) []services.ReasonDetail
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type rejectionResponse struct {
	Detail  string                  `json:"detail"`
	Reasons []services.ReasonDetail `json:"reasons"`
}

type allocationErrorDetail struct {
	Reason       string      `json:"reason"`
	UserMessage  string      `json:"user_message"`
	ErrorMessage string      `json:"error_message"`
	PolicyUUIDs  []uuid.UUID `json:"policy_uuids"`
}

// writeServiceError maps the typed errors of the redemption and allocation
// paths onto HTTP responses. Anything unrecognised is a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, reasons ReasonRenderer, log *slog.Logger, err error) {
	var (
		redemptionRejected *services.RedemptionRejectedError
		allocationRejected *services.AllocationRejectedError
		ledgerErr          *services.LedgerAPIError
		missing            *services.MissingAssignmentError
		allocErr           *services.AllocationError
		priceNull          *policy.ContentPriceNullError
		upstream           *httpx.StatusError
	)
	switch {
	case errors.Is(err, lock.ErrLockAttemptFailed):
		writeJSON(w, http.StatusTooManyRequests, detailResponse{Detail: detailLocked})
	case errors.As(err, &redemptionRejected):
		writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{
			Detail:  redemptionRejected.Error(),
			Reasons: renderReasons(r.Context(), reasons, redemptionRejected.EnterpriseCustomerUUID, redemptionRejected.PolicyUUID, redemptionRejected.Reason),
		})
	case errors.As(err, &allocationRejected):
		writeJSON(w, http.StatusUnprocessableEntity, rejectionResponse{
			Detail:  allocationRejected.Error(),
			Reasons: renderReasons(r.Context(), reasons, allocationRejected.EnterpriseCustomerUUID, allocationRejected.PolicyUUID, allocationRejected.Reason),
		})
	case errors.As(err, &ledgerErr):
		log.Warn("subsidy transaction api error", "policy_uuid", ledgerErr.PolicyUUID, "error", ledgerErr.Err)
		writeJSON(w, ledgerStatus(ledgerErr), detailResponse{Detail: detailLedgerPrefix + ledgerErr.Detail()})
	case errors.As(err, &missing):
		writeJSON(w, http.StatusUnprocessableEntity, detailResponse{Detail: detailMissingRetry})
	case errors.As(err, &allocErr):
		msg := allocErr.Reason
		if allocErr.Err != nil {
			msg = allocErr.Err.Error()
		}
		writeJSON(w, http.StatusUnprocessableEntity, []allocationErrorDetail{{
			Reason:       reasonAllocationError,
			UserMessage:  allocErr.Reason,
			ErrorMessage: msg,
			PolicyUUIDs:  allocErr.PolicyUUIDs,
		}})
	case errors.As(err, &priceNull):
		writeJSON(w, http.StatusUnprocessableEntity, detailResponse{Detail: priceNull.Error()})
	case errors.Is(err, services.ErrPolicyNotAssignable):
		writeJSON(w, http.StatusUnprocessableEntity, detailResponse{Detail: err.Error()})
	case errors.Is(err, services.ErrNoActivePolicies):
		writeJSON(w, http.StatusNotFound, detailResponse{Detail: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, `{"error":"policy not found"}`, http.StatusNotFound)
	case errors.Is(err, httpx.ErrUnavailable):
		log.Warn("upstream unavailable", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, detailResponse{Detail: detailUnavailable})
	case errors.As(err, &upstream) && upstream.StatusCode >= 500:
		log.Warn("upstream failed", "service", upstream.Service, "status", upstream.StatusCode, "error", err)
		writeJSON(w, http.StatusBadGateway, detailResponse{Detail: detailUpstreamFailed})
	default:
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// ledgerStatus is 422 when the subsidy service rejected the request, 502 when
// it failed, and 503 when it could not be reached.
func ledgerStatus(e *services.LedgerAPIError) int {
	var se *httpx.StatusError
	if !errors.As(e.Err, &se) {
		return http.StatusServiceUnavailable
	}
	if se.StatusCode >= 500 {
		return http.StatusBadGateway
	}
	return http.StatusUnprocessableEntity
}

func renderReasons(ctx context.Context, reasons ReasonRenderer, enterpriseCustomerUUID, policyUUID uuid.UUID, reason models.Reason) []services.ReasonDetail {
	if reasons == nil {
		return []services.ReasonDetail{{Reason: reason, PolicyUUIDs: []uuid.UUID{policyUUID}}}
	}
	return reasons.Single(ctx, enterpriseCustomerUUID, policyUUID, reason)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
