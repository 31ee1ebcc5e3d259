package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
)

// ErrNoActivePolicies is returned when a customer has no active policy to evaluate.
var ErrNoActivePolicies = errors.New("no active policies for this customer")

// PolicyLister lists stored policy records.
type PolicyLister interface {
	List(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error)
}

// ListPrice is a content price in dollars and cents.
type ListPrice struct {
	USD      json.Number `json:"usd"`
	USDCents int64       `json:"usd_cents"`
}

// ListPriceFromCents converts cents to a ListPrice.
func ListPriceFromCents(cents int64) *ListPrice {
	return &ListPrice{
		USD:      json.Number(decimal.New(cents, -2).StringFixed(2)),
		USDCents: cents,
	}
}

// ContentEvaluation is the can-redeem answer for one content key.
type ContentEvaluation struct {
	ContentKey              string                      `json:"content_key"`
	ListPrice               *ListPrice                  `json:"list_price"`
	Redemptions             []models.Transaction        `json:"redemptions"`
	HasSuccessfulRedemption bool                        `json:"has_successful_redemption"`
	RedeemablePolicy        *models.SubsidyAccessPolicy `json:"redeemable_subsidy_access_policy"`
	CanRedeem               bool                        `json:"can_redeem"`
	Reasons                 []ReasonDetail              `json:"reasons"`
}

// Evaluation answers can-redeem questions across every active policy of a customer.
type Evaluation struct {
	Policies PolicyLister
	Deps     policy.Deps
	Resolver *Resolver
	Reasons  *ReasonBuilder
	Logger   *slog.Logger
}

// NewEvaluation returns an Evaluation.
func NewEvaluation(policies PolicyLister, deps policy.Deps, resolver *Resolver, reasons *ReasonBuilder, logger *slog.Logger) *Evaluation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluation{Policies: policies, Deps: deps, Resolver: resolver, Reasons: reasons, Logger: logger}
}

// ActivePolicies loads the customer's active policies as variants.
func (s *Evaluation) ActivePolicies(ctx context.Context, enterpriseCustomerUUID uuid.UUID) ([]policy.Redeemable, error) {
	recs, err := s.Policies.List(ctx, models.PolicyFilter{EnterpriseCustomerUUID: &enterpriseCustomerUUID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNoActivePolicies
	}
	return policy.FromRecords(recs)
}

// CanRedeem evaluates each content key for the learner. Policies are only
// evaluated for content the learner has not already redeemed successfully.
// All upstream reads share one evaluator, so the list price of a content key
// is fetched once for the whole call.
func (s *Evaluation) CanRedeem(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64, contentKeys []string) ([]ContentEvaluation, error) {
	policies, err := s.ActivePolicies(ctx, enterpriseCustomerUUID)
	if err != nil {
		return nil, err
	}
	e := policy.NewEvaluator(s.Deps)

	redemptions, err := s.redemptionsByContent(ctx, e, policies, lmsUserID)
	if err != nil {
		return nil, err
	}

	out := make([]ContentEvaluation, 0, len(contentKeys))
	for _, key := range contentKeys {
		res, err := s.evaluateContent(ctx, e, enterpriseCustomerUUID, policies, lmsUserID, key, redemptions[key])
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Evaluation) evaluateContent(ctx context.Context, e *policy.Evaluator, enterpriseCustomerUUID uuid.UUID, policies []policy.Redeemable, lmsUserID int64, contentKey string, redemptions []models.Transaction) (ContentEvaluation, error) {
	res := ContentEvaluation{
		ContentKey:  contentKey,
		Redemptions: redemptions,
		Reasons:     []ReasonDetail{},
	}
	if res.Redemptions == nil {
		res.Redemptions = []models.Transaction{}
	}

	var successful []models.Transaction
	for _, tx := range redemptions {
		if tx.IsSuccessful() {
			successful = append(successful, tx)
		}
	}
	res.HasSuccessfulRedemption = len(successful) > 0

	var redeemable []policy.Redeemable
	if !res.HasSuccessfulRedemption {
		groups := NewReasonGroups()
		for _, p := range policies {
			d, err := p.CanRedeem(ctx, e, lmsUserID, contentKey)
			if err != nil {
				return res, err
			}
			s.Logger.Debug("can_redeem evaluated",
				"policy_uuid", policy.UUID(p),
				"lms_user_id", lmsUserID,
				"content_key", contentKey,
				"redeemable", d.Redeemable,
				"reason", d.Reason,
			)
			if d.Redeemable {
				redeemable = append(redeemable, p)
			} else {
				groups.Add(d.Reason, policy.UUID(p))
			}
		}
		if len(redeemable) == 0 {
			res.Reasons = s.Reasons.Build(ctx, enterpriseCustomerUUID, groups)
		}
	}

	var pricing *models.SubsidyAccessPolicy
	if len(redeemable) > 0 {
		resolved, err := s.Resolver.ResolvePolicy(ctx, redeemable)
		if err != nil {
			return res, &LedgerAPIError{PolicyUUID: policy.UUID(redeemable[0]), Err: err}
		}
		res.RedeemablePolicy = resolved.Record()
		res.CanRedeem = true
		pricing = resolved.Record()
	} else if len(successful) > 0 && successful[0].SubsidyAccessPolicyUUID != nil {
		pricing = findRecord(policies, *successful[0].SubsidyAccessPolicyUUID)
	}

	if pricing != nil {
		cents, err := e.ContentPrice(ctx, pricing.CatalogUUID, contentKey)
		if err != nil {
			return res, err
		}
		res.ListPrice = ListPriceFromCents(cents)
	}
	return res, nil
}

// redemptionsByContent groups the learner's transactions under every policy by content key.
func (s *Evaluation) redemptionsByContent(ctx context.Context, e *policy.Evaluator, policies []policy.Redeemable, lmsUserID int64) (map[string][]models.Transaction, error) {
	out := map[string][]models.Transaction{}
	seen := map[uuid.UUID]bool{}
	for _, p := range policies {
		list, err := e.LearnerTransactions(ctx, p.Record(), lmsUserID)
		if err != nil {
			return nil, &LedgerAPIError{PolicyUUID: policy.UUID(p), Err: err}
		}
		for _, tx := range list.Results {
			if seen[tx.UUID] {
				continue
			}
			seen[tx.UUID] = true
			out[tx.ContentKey] = append(out[tx.ContentKey], tx)
		}
	}
	return out, nil
}

func findRecord(policies []policy.Redeemable, policyUUID uuid.UUID) *models.SubsidyAccessPolicy {
	for _, p := range policies {
		if policy.UUID(p) == policyUUID {
			return p.Record()
		}
	}
	return nil
}
