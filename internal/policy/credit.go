package policy

import (
	"context"

	"github.com/enterpriseaccess/backend/internal/models"
)

// LearnerCredit summarises what a learner can still spend under one policy.
// Nil limits mean the policy does not cap that dimension per learner.
type LearnerCredit struct {
	Policy                  *models.SubsidyAccessPolicy `json:"policy"`
	RemainingBalancePerUser *int64                      `json:"remaining_balance_per_user"`
	RemainingEnrollments    *int64                      `json:"remaining_enrollments"`
	Transactions            []models.Transaction        `json:"transactions"`
}

// HasCredit reports whether neither per-learner cap is exhausted.
func (c *LearnerCredit) HasCredit() bool {
	if c.RemainingBalancePerUser != nil && *c.RemainingBalancePerUser <= 0 {
		return false
	}
	if c.RemainingEnrollments != nil && *c.RemainingEnrollments <= 0 {
		return false
	}
	return true
}

// LearnerCredit computes the learner's remaining credit under r.
func (e *Evaluator) LearnerCredit(ctx context.Context, r Redeemable, lmsUserID int64) (*LearnerCredit, error) {
	rec := r.Record()
	list, err := e.LearnerTransactions(ctx, rec, lmsUserID)
	if err != nil {
		return nil, err
	}
	credit := &LearnerCredit{Policy: rec, Transactions: list.Results}
	switch r.(type) {
	case *PerLearnerSpendCredit:
		if rec.PerLearnerSpendLimit != nil {
			remaining := *rec.PerLearnerSpendLimit - list.SpentCents()
			credit.RemainingBalancePerUser = &remaining
		}
	case *PerLearnerEnrollmentCredit:
		if rec.PerLearnerEnrollmentLimit != nil {
			remaining := *rec.PerLearnerEnrollmentLimit - list.CountTowardLimits()
			credit.RemainingEnrollments = &remaining
		}
	}
	return credit, nil
}
