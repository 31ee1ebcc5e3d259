package policy

import (
	"context"
	"errors"

	"github.com/enterpriseaccess/backend/internal/models"
)

var errNoAssignmentConfiguration = errors.New("assigned policy has no assignment configuration")

func (e *Evaluator) activeCheck(rec *models.SubsidyAccessPolicy) check {
	return func(context.Context) (models.Reason, error) {
		if !rec.IsRedeemable() {
			return models.ReasonPolicyNotActive, nil
		}
		return "", nil
	}
}

func (e *Evaluator) catalogCheck(rec *models.SubsidyAccessPolicy, contentKey string) check {
	return func(ctx context.Context) (models.Reason, error) {
		ok, err := e.catalogContains(ctx, rec.CatalogUUID, contentKey)
		if err != nil {
			return "", err
		}
		if !ok {
			return models.ReasonContentNotInCatalog, nil
		}
		return "", nil
	}
}

func (e *Evaluator) enterpriseCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64) check {
	return func(ctx context.Context) (models.Reason, error) {
		ok, err := e.learnerInEnterprise(ctx, rec.EnterpriseCustomerUUID, lmsUserID)
		if err != nil {
			return "", err
		}
		if !ok {
			return models.ReasonLearnerNotInEnterprise, nil
		}
		return "", nil
	}
}

func (e *Evaluator) subsidyCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string) check {
	return func(ctx context.Context) (models.Reason, error) {
		res, err := e.subsidyRedeemability(ctx, rec.SubsidyUUID, lmsUserID, contentKey)
		if err != nil {
			return "", err
		}
		if !res.Active {
			return models.ReasonSubsidyExpired, nil
		}
		if !res.CanRedeem {
			return models.ReasonNotEnoughValueInSubsidy, nil
		}
		return "", nil
	}
}

func (e *Evaluator) enrollmentCapCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64) check {
	return func(ctx context.Context) (models.Reason, error) {
		if rec.PerLearnerEnrollmentLimit == nil {
			return "", nil
		}
		list, err := e.LearnerTransactions(ctx, rec, lmsUserID)
		if err != nil {
			return "", err
		}
		if list.CountTowardLimits() >= *rec.PerLearnerEnrollmentLimit {
			return models.ReasonLearnerMaxEnrollmentsReached, nil
		}
		return "", nil
	}
}

func (e *Evaluator) learnerSpendCapCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string) check {
	return func(ctx context.Context) (models.Reason, error) {
		if rec.PerLearnerSpendLimit == nil {
			return "", nil
		}
		price, err := e.ContentPrice(ctx, rec.CatalogUUID, contentKey)
		if err != nil {
			return "", err
		}
		list, err := e.LearnerTransactions(ctx, rec, lmsUserID)
		if err != nil {
			return "", err
		}
		if list.SpentCents()+price >= *rec.PerLearnerSpendLimit {
			return models.ReasonLearnerMaxSpendReached, nil
		}
		return "", nil
	}
}

func (e *Evaluator) policySpendCapCheck(rec *models.SubsidyAccessPolicy, contentKey string) check {
	return func(ctx context.Context) (models.Reason, error) {
		if rec.SpendLimit == nil {
			return "", nil
		}
		price, err := e.ContentPrice(ctx, rec.CatalogUUID, contentKey)
		if err != nil {
			return "", err
		}
		list, err := e.PolicyTransactions(ctx, rec)
		if err != nil {
			return "", err
		}
		if list.SpentCents()+price >= *rec.SpendLimit {
			return models.ReasonPolicySpendLimitReached, nil
		}
		return "", nil
	}
}

func (e *Evaluator) groupMembershipCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64) check {
	return func(ctx context.Context) (models.Reason, error) {
		if rec.GroupUUID == nil {
			return "", nil
		}
		ok, err := e.learnerInGroup(ctx, *rec.GroupUUID, lmsUserID)
		if err != nil {
			return "", err
		}
		if !ok {
			return models.ReasonLearnerNotInEnterpriseGroup, nil
		}
		return "", nil
	}
}

// licenseCheck passes with an individual license, or with group membership
// when the policy is scoped to a group.
func (e *Evaluator) licenseCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64) check {
	return func(ctx context.Context) (models.Reason, error) {
		ok, err := e.hasLicense(ctx, rec.EnterpriseCustomerUUID, lmsUserID)
		if err != nil {
			return "", err
		}
		if ok {
			return "", nil
		}
		if rec.GroupUUID != nil {
			inGroup, err := e.learnerInGroup(ctx, *rec.GroupUUID, lmsUserID)
			if err != nil {
				return "", err
			}
			if inGroup {
				return "", nil
			}
		}
		return models.ReasonLearnerNoLicense, nil
	}
}

func (e *Evaluator) assignmentCheck(rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string) check {
	return func(ctx context.Context) (models.Reason, error) {
		if rec.AssignmentConfigurationUUID == nil {
			return "", errNoAssignmentConfiguration
		}
		a, err := e.assignment(ctx, *rec.AssignmentConfigurationUUID, lmsUserID, contentKey)
		if err != nil {
			return "", err
		}
		return AssignmentReason(a), nil
	}
}

// AssignmentReason maps an assignment (or its absence) to the reason it blocks
// redemption, or "" when it is allocated and redeemable.
func AssignmentReason(a *models.LearnerContentAssignment) models.Reason {
	if a == nil {
		return models.ReasonLearnerNotAssignedContent
	}
	switch a.State {
	case models.AssignmentStateAllocated:
		return ""
	case models.AssignmentStateCancelled:
		return models.ReasonLearnerAssignmentCancelled
	case models.AssignmentStateErrored:
		return models.ReasonLearnerAssignmentFailed
	case models.AssignmentStateExpired:
		return models.ReasonLearnerAssignmentExpired
	default:
		return models.ReasonLearnerNotAssignedContent
	}
}
