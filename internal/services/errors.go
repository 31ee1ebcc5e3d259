package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

// ErrPolicyNotAssignable is returned when an assignment operation targets a
// policy that is not assignment-based.
var ErrPolicyNotAssignable = errors.New("policy is not assignment-based")

// RedemptionRejectedError means re-evaluation under the lock found the content
// no longer redeemable. It is not retryable.
type RedemptionRejectedError struct {
	PolicyUUID             uuid.UUID
	EnterpriseCustomerUUID uuid.UUID
	Reason                 models.Reason
}

func (e *RedemptionRejectedError) Error() string {
	return fmt.Sprintf("policy %s not redeemable: %s", e.PolicyUUID, e.Reason)
}

// AllocationRejectedError means can-allocate returned false.
type AllocationRejectedError struct {
	PolicyUUID             uuid.UUID
	EnterpriseCustomerUUID uuid.UUID
	Reason                 models.Reason
}

func (e *AllocationRejectedError) Error() string {
	return fmt.Sprintf("policy %s cannot allocate: %s", e.PolicyUUID, e.Reason)
}

// LedgerAPIError wraps a failed call to the subsidy service.
type LedgerAPIError struct {
	PolicyUUID uuid.UUID
	Err        error
}

func (e *LedgerAPIError) Error() string {
	return fmt.Sprintf("subsidy transaction api error for policy %s: %v", e.PolicyUUID, e.Err)
}

func (e *LedgerAPIError) Unwrap() error { return e.Err }

// Transient reports whether the upstream failure was a 5xx or network error.
func (e *LedgerAPIError) Transient() bool { return httpx.Transient(e.Err) }

// StatusCode returns the upstream status, or 503 when no response was received.
func (e *LedgerAPIError) StatusCode() int {
	var se *httpx.StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return http.StatusServiceUnavailable
}

// Detail returns the upstream's error detail, falling back to the error text.
func (e *LedgerAPIError) Detail() string {
	var se *httpx.StatusError
	if errors.As(e.Err, &se) && se.Detail != "" {
		return se.Detail
	}
	return e.Err.Error()
}

// MissingAssignmentError means an assigned policy's assignment disappeared
// between evaluation and commit. A retry may succeed once state settles.
type MissingAssignmentError struct {
	PolicyUUID uuid.UUID
	LmsUserID  int64
	ContentKey string
}

func (e *MissingAssignmentError) Error() string {
	return fmt.Sprintf("no allocated assignment for learner %d and content %s under policy %s",
		e.LmsUserID, e.ContentKey, e.PolicyUUID)
}

// AllocationError means an allocation batch failed as a whole; no assignment
// in the batch was persisted.
type AllocationError struct {
	Reason      string
	PolicyUUIDs []uuid.UUID
	Err         error
}

func (e *AllocationError) Error() string {
	if e.Err == nil {
		return "allocation failed: " + e.Reason
	}
	return fmt.Sprintf("allocation failed: %s: %v", e.Reason, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }
