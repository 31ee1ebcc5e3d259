package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
)

// Learner-facing explanations.
const (
	msgOrganizationNoFunds              = "You can't enroll right now because your organization doesn't have enough funds."
	msgOrganizationNoFundsNoAdmins      = "You can't enroll right now because your organization doesn't have enough funds. Contact your administrator to request more."
	msgOrganizationExpiredFunds         = "You can't enroll right now because your funds expired."
	msgOrganizationExpiredFundsNoAdmins = "You can't enroll right now because your funds expired. Contact your administrator for help."
	msgLearnerLimitsReached             = "You can't enroll right now because of limits set by your organization."
	msgContentNotInCatalog              = "You can't enroll right now because this course is no longer available in your organization's catalog."
	msgLearnerNotInEnterprise           = "You can't enroll right now because your account is no longer associated with the organization."
	msgLearnerNotAssignedContent        = "You can't enroll right now because this course is not assigned to you."
	msgLearnerAssignmentCancelled       = "You can't enroll right now because your administrator canceled your course assignment."
	msgLearnerAssignmentExpired         = "You can't enroll right now because your course assignment expired."
	msgLearnerNotInGroup                = "You can't enroll right now because you are not a member of the group this budget is for."
	msgLearnerNoLicense                 = "You can't enroll right now because you don't have an active subscription license."
)

// UserMessage returns the learner-facing message for reason, or nil when the
// reason has none.
func UserMessage(reason models.Reason, hasAdmins bool) *string {
	var msg string
	switch reason {
	case models.ReasonPolicyNotActive, models.ReasonNotEnoughValueInSubsidy, models.ReasonPolicySpendLimitReached:
		msg = msgOrganizationNoFunds
		if !hasAdmins {
			msg = msgOrganizationNoFundsNoAdmins
		}
	case models.ReasonSubsidyExpired:
		msg = msgOrganizationExpiredFunds
		if !hasAdmins {
			msg = msgOrganizationExpiredFundsNoAdmins
		}
	case models.ReasonLearnerNotInEnterprise:
		msg = msgLearnerNotInEnterprise
	case models.ReasonLearnerMaxSpendReached, models.ReasonLearnerMaxEnrollmentsReached:
		msg = msgLearnerLimitsReached
	case models.ReasonContentNotInCatalog:
		msg = msgContentNotInCatalog
	case models.ReasonLearnerNotAssignedContent, models.ReasonLearnerAssignmentFailed:
		msg = msgLearnerNotAssignedContent
	case models.ReasonLearnerAssignmentCancelled:
		msg = msgLearnerAssignmentCancelled
	case models.ReasonLearnerAssignmentExpired:
		msg = msgLearnerAssignmentExpired
	case models.ReasonLearnerNotInEnterpriseGroup:
		msg = msgLearnerNotInGroup
	case models.ReasonLearnerNoLicense:
		msg = msgLearnerNoLicense
	default:
		return nil
	}
	return &msg
}

// ReasonMetadata carries who a learner can contact about a rejection.
type ReasonMetadata struct {
	EnterpriseAdministrators []models.EnterpriseAdmin `json:"enterprise_administrators"`
}

// ReasonDetail explains why a group of policies cannot be used.
type ReasonDetail struct {
	Reason      models.Reason  `json:"reason"`
	UserMessage *string        `json:"user_message"`
	Metadata    ReasonMetadata `json:"metadata"`
	PolicyUUIDs []uuid.UUID    `json:"policy_uuids"`
}

// ReasonGroups buckets policy UUIDs by reason, remembering first-seen order.
type ReasonGroups struct {
	order    []models.Reason
	policies map[models.Reason][]uuid.UUID
}

// NewReasonGroups returns an empty ReasonGroups.
func NewReasonGroups() *ReasonGroups {
	return &ReasonGroups{policies: map[models.Reason][]uuid.UUID{}}
}

// Add records that policyUUID is blocked by reason.
func (g *ReasonGroups) Add(reason models.Reason, policyUUID uuid.UUID) {
	if _, ok := g.policies[reason]; !ok {
		g.order = append(g.order, reason)
	}
	g.policies[reason] = append(g.policies[reason], policyUUID)
}

// Len returns the number of distinct reasons.
func (g *ReasonGroups) Len() int { return len(g.order) }

// CustomerReader fetches enterprise customer data.
type CustomerReader interface {
	EnterpriseCustomerData(ctx context.Context, enterpriseCustomerUUID uuid.UUID) (*models.EnterpriseCustomer, error)
}

// ReasonBuilder renders ReasonGroups with admin contacts and user messages.
type ReasonBuilder struct {
	Customers CustomerReader
	Logger    *slog.Logger
}

// NewReasonBuilder returns a ReasonBuilder.
func NewReasonBuilder(customers CustomerReader, logger *slog.Logger) *ReasonBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReasonBuilder{Customers: customers, Logger: logger}
}

// Build returns one ReasonDetail per reason in groups. A failed customer
// lookup is logged and rendered as an empty contact list.
func (b *ReasonBuilder) Build(ctx context.Context, enterpriseCustomerUUID uuid.UUID, groups *ReasonGroups) []ReasonDetail {
	out := make([]ReasonDetail, 0, groups.Len())
	if groups.Len() == 0 {
		return out
	}

	admins := []models.EnterpriseAdmin{}
	if b.Customers != nil {
		customer, err := b.Customers.EnterpriseCustomerData(ctx, enterpriseCustomerUUID)
		if err != nil {
			b.Logger.Warn("could not fetch enterprise admins", "enterprise_customer_uuid", enterpriseCustomerUUID, "error", err)
		} else {
			admins = customer.AdminContacts()
		}
	}

	for _, reason := range groups.order {
		out = append(out, ReasonDetail{
			Reason:      reason,
			UserMessage: UserMessage(reason, len(admins) > 0),
			Metadata:    ReasonMetadata{EnterpriseAdministrators: admins},
			PolicyUUIDs: groups.policies[reason],
		})
	}
	return out
}

// Single builds the detail for one rejected policy.
func (b *ReasonBuilder) Single(ctx context.Context, enterpriseCustomerUUID, policyUUID uuid.UUID, reason models.Reason) []ReasonDetail {
	groups := NewReasonGroups()
	groups.Add(reason, policyUUID)
	return b.Build(ctx, enterpriseCustomerUUID, groups)
}
