// Package dashboard serves the learner-facing summary of which policies still
// have credit for a learner.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/enterpriseaccess/backend/internal/auth"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
)

// PolicyLister lists stored policy records.
type PolicyLister interface {
	List(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error)
}

// BalanceReader reads current subsidy balances in one call.
type BalanceReader interface {
	GetCurrentBalances(ctx context.Context, subsidyUUIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// LearnerAssignments lists a learner's assignments under a configuration.
type LearnerAssignments interface {
	ListForLearner(ctx context.Context, configUUID uuid.UUID, lmsUserID int64) ([]*models.LearnerContentAssignment, error)
}

// LearnerLinker attaches an LMS user to assignments addressed to their email.
type LearnerLinker interface {
	LinkLearner(ctx context.Context, email string, lmsUserID int64) (int64, error)
}

// CreditAvailable is one policy the learner can still spend under.
type CreditAvailable struct {
	*models.SubsidyAccessPolicy
	RemainingBalance          int64                              `json:"remaining_balance"`
	RemainingBalanceUSD       json.Number                        `json:"remaining_balance_usd"`
	RemainingBalancePerUser   *int64                             `json:"remaining_balance_per_user"`
	RemainingEnrollments      *int64                             `json:"remaining_enrollments"`
	Transactions              []models.Transaction               `json:"transactions"`
	LearnerContentAssignments []*models.LearnerContentAssignment `json:"learner_content_assignments,omitempty"`
}

type Handler struct {
	Policies    PolicyLister
	Deps        policy.Deps
	Balances    BalanceReader
	Assignments LearnerAssignments
	Learners    LearnerLinker
	log         *slog.Logger
}

func NewHandler(policies PolicyLister, deps policy.Deps, balances BalanceReader, assignments LearnerAssignments, learners LearnerLinker, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Policies:    policies,
		Deps:        deps,
		Balances:    balances,
		Assignments: assignments,
		Learners:    learners,
		log:         log,
	}
}

// CreditsAvailable serves GET /policy/credits-available/?enterprise_customer_uuid=&lms_user_id=.
func (h *Handler) CreditsAvailable(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromCtx(r.Context())
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	enterpriseUUID, err := uuid.Parse(q.Get("enterprise_customer_uuid"))
	if err != nil {
		http.Error(w, `{"error":"invalid enterprise_customer_uuid"}`, http.StatusBadRequest)
		return
	}
	lmsUserID := claims.LmsUserID
	if raw := q.Get("lms_user_id"); raw != "" {
		lmsUserID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || lmsUserID <= 0 {
			http.Error(w, `{"error":"invalid lms_user_id"}`, http.StatusBadRequest)
			return
		}
	}
	self := lmsUserID == claims.LmsUserID && claims.HasRole(auth.RoleLearner, enterpriseUUID)
	if !self && !claims.HasRole(auth.RoleAdmin, enterpriseUUID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	if self && claims.Email != "" && h.Learners != nil {
		if _, err := h.Learners.LinkLearner(r.Context(), claims.Email, lmsUserID); err != nil {
			h.log.Warn("could not link learner to assignments", "lms_user_id", lmsUserID, "error", err)
		}
	}

	out, err := h.credits(r.Context(), enterpriseUUID, lmsUserID)
	if err != nil {
		h.log.Error("credits available failed", "enterprise_customer_uuid", enterpriseUUID, "lms_user_id", lmsUserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) credits(ctx context.Context, enterpriseUUID uuid.UUID, lmsUserID int64) ([]CreditAvailable, error) {
	recs, err := h.Policies.List(ctx, models.PolicyFilter{EnterpriseCustomerUUID: &enterpriseUUID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	policies, err := policy.FromRecords(recs)
	if err != nil {
		return nil, err
	}

	var credit []policy.Redeemable
	for _, p := range policies {
		if _, ok := p.(*policy.Subscription); !ok {
			credit = append(credit, p)
		}
	}
	out := []CreditAvailable{}
	if len(credit) == 0 {
		return out, nil
	}

	subsidies := make([]uuid.UUID, 0, len(credit))
	for _, p := range credit {
		subsidies = append(subsidies, p.Record().SubsidyUUID)
	}
	balances, err := h.Balances.GetCurrentBalances(ctx, subsidies)
	if err != nil {
		return nil, fmt.Errorf("subsidy balances: %w", err)
	}

	e := policy.NewEvaluator(h.Deps)
	for _, p := range credit {
		rec := p.Record()
		balance := balances[rec.SubsidyUUID]
		if balance <= 0 {
			continue
		}
		lc, err := e.LearnerCredit(ctx, p, lmsUserID)
		if err != nil {
			return nil, fmt.Errorf("learner credit for policy %s: %w", rec.UUID, err)
		}
		if !lc.HasCredit() {
			continue
		}
		item := CreditAvailable{
			SubsidyAccessPolicy:     rec,
			RemainingBalance:        balance,
			RemainingBalanceUSD:     usd(balance),
			RemainingBalancePerUser: lc.RemainingBalancePerUser,
			RemainingEnrollments:    lc.RemainingEnrollments,
			Transactions:            lc.Transactions,
		}
		if item.Transactions == nil {
			item.Transactions = []models.Transaction{}
		}
		if assigned, ok := p.(*policy.AssignedLearnerCredit); ok {
			assignments, err := h.allocated(ctx, assigned, lmsUserID)
			if err != nil {
				return nil, err
			}
			if len(assignments) == 0 {
				continue
			}
			item.LearnerContentAssignments = assignments
		}
		out = append(out, item)
	}
	return out, nil
}

// allocated returns the learner's assignments still waiting to be redeemed.
func (h *Handler) allocated(ctx context.Context, p *policy.AssignedLearnerCredit, lmsUserID int64) ([]*models.LearnerContentAssignment, error) {
	configUUID, ok := p.AssignmentConfigurationUUID()
	if !ok || h.Assignments == nil {
		return nil, nil
	}
	list, err := h.Assignments.ListForLearner(ctx, configUUID, lmsUserID)
	if err != nil {
		return nil, fmt.Errorf("learner assignments: %w", err)
	}
	var out []*models.LearnerContentAssignment
	for _, a := range list {
		if a.State == models.AssignmentStateAllocated {
			out = append(out, a)
		}
	}
	return out, nil
}

func usd(cents int64) json.Number {
	return json.Number(decimal.New(cents, -2).StringFixed(2))
}
