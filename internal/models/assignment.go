package models

import (
	"time"

	"github.com/google/uuid"
)

// Learner content assignment states.
const (
	AssignmentStateAllocated = "allocated"
	AssignmentStateAccepted  = "accepted"
	AssignmentStateCancelled = "cancelled"
	AssignmentStateErrored   = "errored"
	AssignmentStateExpired   = "expired"
)

// ReallocatableStates may be moved back to allocated by a new allocation.
var ReallocatableStates = []string{AssignmentStateCancelled, AssignmentStateErrored, AssignmentStateExpired}

// CancelableStates may be moved to cancelled.
var CancelableStates = []string{AssignmentStateAllocated, AssignmentStateErrored}

// AssignmentConfiguration groups the assignments of one assigned-credit policy.
type AssignmentConfiguration struct {
	UUID                   uuid.UUID `json:"uuid"`
	EnterpriseCustomerUUID uuid.UUID `json:"enterprise_customer_uuid"`
	Active                 bool      `json:"active"`
	Created                time.Time `json:"created"`
	Modified               time.Time `json:"modified"`
}

// LearnerContentAssignment reserves subsidy value for one learner and content key.
// ContentQuantity is negative cents, mirroring ledger debits.
type LearnerContentAssignment struct {
	UUID                        uuid.UUID  `json:"uuid"`
	AssignmentConfigurationUUID uuid.UUID  `json:"assignment_configuration"`
	LearnerEmail                string     `json:"learner_email"`
	LmsUserID                   *int64     `json:"lms_user_id"`
	ContentKey                  string     `json:"content_key"`
	ContentQuantity             int64      `json:"content_quantity"`
	State                       string     `json:"state"`
	TransactionUUID             *uuid.UUID `json:"transaction_uuid"`
	LastNotificationAt          *time.Time `json:"last_notification_at"`
	Created                     time.Time  `json:"created"`
	Modified                    time.Time  `json:"modified"`
}

// InState reports whether the assignment is in any of the given states.
func (a *LearnerContentAssignment) InState(states ...string) bool {
	for _, s := range states {
		if a.State == s {
			return true
		}
	}
	return false
}

// AllocationResult groups assignments by what an allocation did to them.
type AllocationResult struct {
	Updated  []*LearnerContentAssignment `json:"updated"`
	Created  []*LearnerContentAssignment `json:"created"`
	NoChange []*LearnerContentAssignment `json:"no_change"`
}
