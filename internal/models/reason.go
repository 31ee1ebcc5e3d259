package models

// Reason is a machine-readable explanation for why content cannot be redeemed or allocated.
type Reason string

const (
	ReasonPolicyNotActive              = Reason("policy_not_active")
	ReasonSubsidyExpired               = Reason("subsidy_expired")
	ReasonContentNotInCatalog          = Reason("content_not_in_catalog")
	ReasonLearnerNotInEnterprise       = Reason("learner_not_in_enterprise")
	ReasonLearnerNotInEnterpriseGroup  = Reason("learner_not_in_enterprise_group")
	ReasonLearnerNoLicense             = Reason("learner_no_license")
	ReasonNotEnoughValueInSubsidy      = Reason("not_enough_value_in_subsidy")
	ReasonLearnerMaxSpendReached       = Reason("learner_max_spend_reached")
	ReasonPolicySpendLimitReached      = Reason("policy_spend_limit_reached")
	ReasonLearnerMaxEnrollmentsReached = Reason("learner_max_enrollments_reached")
	ReasonLearnerNotAssignedContent    = Reason("reason_learner_not_assigned_content")
	ReasonLearnerAssignmentCancelled   = Reason("reason_learner_assignment_cancelled")
	ReasonLearnerAssignmentFailed      = Reason("reason_learner_assignment_failed")
	ReasonLearnerAssignmentExpired     = Reason("reason_learner_assignment_expired")
	ReasonPolicyNotAssignable          = Reason("policy_not_assignable")
)

// ContentMetadata is the subset of catalog metadata the service needs.
type ContentMetadata struct {
	Key          string `json:"key"`
	ContentPrice *int64 `json:"content_price"`
	ContentType  string `json:"content_type,omitempty"`
	Title        string `json:"title,omitempty"`
}

// EnterpriseAdmin is an administrator contact shown to learners in rejection reasons.
type EnterpriseAdmin struct {
	Email     string `json:"email"`
	LmsUserID *int64 `json:"lms_user_id"`
}

// EnterpriseCustomer is the subset of LMS customer data the service needs.
type EnterpriseCustomer struct {
	UUID         string            `json:"uuid"`
	Slug         string            `json:"slug"`
	Name         string            `json:"name"`
	ContactEmail string            `json:"contact_email"`
	Admins       []EnterpriseAdmin `json:"admin_users"`
}

// AdminContacts returns who learners should contact: the customer's contact
// email when set, otherwise its admin users.
func (c *EnterpriseCustomer) AdminContacts() []EnterpriseAdmin {
	if c == nil {
		return []EnterpriseAdmin{}
	}
	if c.ContactEmail != "" {
		return []EnterpriseAdmin{{Email: c.ContactEmail}}
	}
	if c.Admins == nil {
		return []EnterpriseAdmin{}
	}
	return c.Admins
}
