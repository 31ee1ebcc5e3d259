package models

import (
	"time"

	"github.com/google/uuid"
)

// Policy type discriminators, persisted in subsidy_access_policies.policy_type.
const (
	PolicyTypePerLearnerEnrollmentCredit    = "PerLearnerEnrollmentCreditAccessPolicy"
	PolicyTypePerLearnerSpendCredit         = "PerLearnerSpendCreditAccessPolicy"
	PolicyTypeCappedEnrollmentLearnerCredit = "CappedEnrollmentLearnerCreditAccessPolicy"
	PolicyTypeAssignedLearnerCredit         = "AssignedLearnerCreditAccessPolicy"
	PolicyTypeSubscription                  = "SubscriptionAccessPolicy"
)

// PolicyTypes lists every concrete policy type the service can load.
var PolicyTypes = []string{
	PolicyTypePerLearnerEnrollmentCredit,
	PolicyTypePerLearnerSpendCredit,
	PolicyTypeCappedEnrollmentLearnerCredit,
	PolicyTypeAssignedLearnerCredit,
	PolicyTypeSubscription,
}

// AccessMethod values.
const (
	AccessMethodDirect   = "direct"
	AccessMethodRequest  = "request"
	AccessMethodAssigned = "assigned"
)

// SubsidyAccessPolicy is the persisted policy record. Redeemability logic lives
// in the policy package; this struct only carries data.
type SubsidyAccessPolicy struct {
	UUID                        uuid.UUID  `json:"uuid"`
	PolicyType                  string     `json:"policy_type"`
	EnterpriseCustomerUUID      uuid.UUID  `json:"enterprise_customer_uuid"`
	CatalogUUID                 uuid.UUID  `json:"catalog_uuid"`
	SubsidyUUID                 uuid.UUID  `json:"subsidy_uuid"`
	AccessMethod                string     `json:"access_method"`
	DisplayName                 string     `json:"display_name"`
	Description                 string     `json:"description"`
	Active                      bool       `json:"active"`
	Retired                     bool       `json:"retired"`
	RetiredAt                   *time.Time `json:"retired_at"`
	GroupUUID                   *uuid.UUID `json:"group_uuid"`
	AssignmentConfigurationUUID *uuid.UUID `json:"assignment_configuration"`
	PerLearnerEnrollmentLimit   *int64     `json:"per_learner_enrollment_limit"`
	PerLearnerSpendLimit        *int64     `json:"per_learner_spend_limit"`
	SpendLimit                  *int64     `json:"spend_limit"`
	Created                     time.Time  `json:"created"`
	Modified                    time.Time  `json:"modified"`
}

// IsRedeemable reports whether the record is in a state that may be redeemed against at all.
func (p *SubsidyAccessPolicy) IsRedeemable() bool {
	return p.Active && !p.Retired
}

// PolicyFilter narrows policy listings.
type PolicyFilter struct {
	EnterpriseCustomerUUID *uuid.UUID
	PolicyType             string
	ActiveOnly             bool
}
