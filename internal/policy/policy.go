// Package policy decides whether a subsidy access policy lets a learner redeem
// a piece of content.
//
// Each policy type is a concrete variant implementing Redeemable. Variants are
// built from stored records by FromRecord and compose their evaluation from
// the shared checks on Evaluator; the first failing check determines the reason.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
)

// Resolver priorities. Lower wins.
const (
	PriorityCredit       = 1
	PrioritySubscription = 2
)

// ErrUnknownPolicyType is returned by FromRecord for a discriminator no variant handles.
var ErrUnknownPolicyType = errors.New("unknown policy type")

// ContentPriceNullError aborts evaluation when content has no list price.
type ContentPriceNullError struct {
	ContentKey string
}

func (e *ContentPriceNullError) Error() string {
	return fmt.Sprintf("the list price for content %q is null", e.ContentKey)
}

// Decision is the outcome of one can-redeem evaluation. Reason is empty when
// Redeemable is true. ExistingTransactions holds the learner's earlier
// transactions for the content under this policy and is only populated for
// redeemable decisions.
type Decision struct {
	Redeemable           bool
	Reason               models.Reason
	ExistingTransactions []models.Transaction
}

// Redeemable is implemented by every concrete policy variant.
type Redeemable interface {
	Record() *models.SubsidyAccessPolicy
	Priority() int
	CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error)
}

type base struct {
	rec *models.SubsidyAccessPolicy
}

func (b base) Record() *models.SubsidyAccessPolicy { return b.rec }

// UUID is shorthand for Record().UUID.
func UUID(r Redeemable) uuid.UUID { return r.Record().UUID }

// PerLearnerEnrollmentCredit caps the number of transactions per learner.
type PerLearnerEnrollmentCredit struct{ base }

func (p *PerLearnerEnrollmentCredit) Priority() int { return PriorityCredit }

func (p *PerLearnerEnrollmentCredit) CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error) {
	checks := append(e.baseChecks(p.rec, lmsUserID, contentKey),
		e.enrollmentCapCheck(p.rec, lmsUserID),
	)
	return e.evaluate(ctx, p.rec, lmsUserID, contentKey, checks...)
}

// PerLearnerSpendCredit caps cumulative spend per learner.
type PerLearnerSpendCredit struct{ base }

func (p *PerLearnerSpendCredit) Priority() int { return PriorityCredit }

func (p *PerLearnerSpendCredit) CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error) {
	checks := append(e.baseChecks(p.rec, lmsUserID, contentKey),
		e.learnerSpendCapCheck(p.rec, lmsUserID, contentKey),
	)
	return e.evaluate(ctx, p.rec, lmsUserID, contentKey, checks...)
}

// CappedEnrollmentLearnerCredit caps cumulative spend across every learner of
// the policy, optionally restricted to a learner group.
type CappedEnrollmentLearnerCredit struct{ base }

func (p *CappedEnrollmentLearnerCredit) Priority() int { return PriorityCredit }

func (p *CappedEnrollmentLearnerCredit) CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error) {
	checks := append(e.baseChecks(p.rec, lmsUserID, contentKey),
		e.groupMembershipCheck(p.rec, lmsUserID),
		e.policySpendCapCheck(p.rec, contentKey),
	)
	return e.evaluate(ctx, p.rec, lmsUserID, contentKey, checks...)
}

// AssignedLearnerCredit only redeems content pre-allocated to the learner.
type AssignedLearnerCredit struct{ base }

func (p *AssignedLearnerCredit) Priority() int { return PriorityCredit }

func (p *AssignedLearnerCredit) CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error) {
	checks := append(e.baseChecks(p.rec, lmsUserID, contentKey),
		e.assignmentCheck(p.rec, lmsUserID, contentKey),
	)
	return e.evaluate(ctx, p.rec, lmsUserID, contentKey, checks...)
}

// AssignmentConfigurationUUID returns the configuration holding the policy's assignments.
func (p *AssignedLearnerCredit) AssignmentConfigurationUUID() (uuid.UUID, bool) {
	if p.rec.AssignmentConfigurationUUID == nil {
		return uuid.Nil, false
	}
	return *p.rec.AssignmentConfigurationUUID, true
}

// Subscription requires a subscription license before the subsidy check.
type Subscription struct{ base }

func (p *Subscription) Priority() int { return PrioritySubscription }

func (p *Subscription) CanRedeem(ctx context.Context, e *Evaluator, lmsUserID int64, contentKey string) (Decision, error) {
	return e.evaluate(ctx, p.rec, lmsUserID, contentKey,
		e.activeCheck(p.rec),
		e.catalogCheck(p.rec, contentKey),
		e.enterpriseCheck(p.rec, lmsUserID),
		e.licenseCheck(p.rec, lmsUserID),
		e.subsidyCheck(p.rec, lmsUserID, contentKey),
	)
}

var (
	_ Redeemable = (*PerLearnerEnrollmentCredit)(nil)
	_ Redeemable = (*PerLearnerSpendCredit)(nil)
	_ Redeemable = (*CappedEnrollmentLearnerCredit)(nil)
	_ Redeemable = (*AssignedLearnerCredit)(nil)
	_ Redeemable = (*Subscription)(nil)
)

// FromRecord builds the variant named by rec.PolicyType.
func FromRecord(rec *models.SubsidyAccessPolicy) (Redeemable, error) {
	if rec == nil {
		return nil, errors.New("nil policy record")
	}
	b := base{rec: rec}
	switch rec.PolicyType {
	case models.PolicyTypePerLearnerEnrollmentCredit:
		return &PerLearnerEnrollmentCredit{b}, nil
	case models.PolicyTypePerLearnerSpendCredit:
		return &PerLearnerSpendCredit{b}, nil
	case models.PolicyTypeCappedEnrollmentLearnerCredit:
		return &CappedEnrollmentLearnerCredit{b}, nil
	case models.PolicyTypeAssignedLearnerCredit:
		return &AssignedLearnerCredit{b}, nil
	case models.PolicyTypeSubscription:
		return &Subscription{b}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicyType, rec.PolicyType)
	}
}

// FromRecords builds variants for every record, failing on the first unknown type.
func FromRecords(recs []*models.SubsidyAccessPolicy) ([]Redeemable, error) {
	out := make([]Redeemable, 0, len(recs))
	for _, rec := range recs {
		r, err := FromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// KnownType reports whether FromRecord can build policyType.
func KnownType(policyType string) bool {
	for _, t := range models.PolicyTypes {
		if t == policyType {
			return true
		}
	}
	return false
}
