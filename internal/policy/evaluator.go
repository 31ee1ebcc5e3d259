package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/cache"
	"github.com/enterpriseaccess/backend/internal/models"
)

// CatalogClient answers catalog questions.
type CatalogClient interface {
	ContainsContentItems(ctx context.Context, catalogUUID uuid.UUID, contentKeys []string) (bool, error)
	ContentMetadata(ctx context.Context, catalogUUID uuid.UUID, contentKeys []string) ([]models.ContentMetadata, error)
}

// LMSClient answers learner membership questions.
type LMSClient interface {
	EnterpriseContainsLearner(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error)
	GroupContainsLearner(ctx context.Context, groupUUID uuid.UUID, lmsUserID int64) (bool, error)
}

// LedgerClient reads subsidy state.
type LedgerClient interface {
	CanRedeem(ctx context.Context, subsidyUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.SubsidyRedeemability, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) (*models.TransactionList, error)
}

// AssignmentLookup finds a learner's assignment. It returns nil, nil when none exists.
type AssignmentLookup interface {
	FindForLearner(ctx context.Context, configUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.LearnerContentAssignment, error)
}

// LicenseChecker answers subscription license questions.
type LicenseChecker interface {
	HasActiveLicense(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error)
}

// Deps are the collaborators shared by every Evaluator.
type Deps struct {
	Catalog     CatalogClient
	LMS         LMSClient
	Ledger      LedgerClient
	Assignments AssignmentLookup
	Licenses    LicenseChecker
	CacheSize   int
	Logger      *slog.Logger
}

// Evaluator runs can-redeem checks. It caches every upstream read, so one
// Evaluator should live for one request and be discarded afterwards.
type Evaluator struct {
	deps   Deps
	cache  *cache.Request
	logger *slog.Logger
}

// NewEvaluator returns an Evaluator with an empty cache.
func NewEvaluator(deps Deps) *Evaluator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{deps: deps, cache: cache.NewRequest(deps.CacheSize), logger: logger}
}

// check is one step of an evaluation. A non-empty reason stops the pipeline.
type check func(ctx context.Context) (models.Reason, error)

func (e *Evaluator) evaluate(ctx context.Context, rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string, checks ...check) (Decision, error) {
	for _, c := range checks {
		reason, err := c(ctx)
		if err != nil {
			return Decision{}, err
		}
		if reason != "" {
			e.logger.Debug("policy not redeemable",
				"policy_uuid", rec.UUID,
				"lms_user_id", lmsUserID,
				"content_key", contentKey,
				"reason", reason,
			)
			return Decision{Reason: reason}, nil
		}
	}
	existing, err := e.LearnerContentTransactions(ctx, rec, lmsUserID, contentKey)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Redeemable: true, ExistingTransactions: existing}, nil
}

// baseChecks are shared by every credit variant, in order.
func (e *Evaluator) baseChecks(rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string) []check {
	return []check{
		e.activeCheck(rec),
		e.catalogCheck(rec, contentKey),
		e.enterpriseCheck(rec, lmsUserID),
		e.subsidyCheck(rec, lmsUserID, contentKey),
	}
}

// ---- cached upstream reads ----

func (e *Evaluator) catalogContains(ctx context.Context, catalogUUID uuid.UUID, contentKey string) (bool, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("catalog_contains", catalogUUID, contentKey), func(ctx context.Context) (bool, error) {
		return e.deps.Catalog.ContainsContentItems(ctx, catalogUUID, []string{contentKey})
	})
}

func (e *Evaluator) learnerInEnterprise(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("enterprise_learner", enterpriseCustomerUUID, lmsUserID), func(ctx context.Context) (bool, error) {
		return e.deps.LMS.EnterpriseContainsLearner(ctx, enterpriseCustomerUUID, lmsUserID)
	})
}

func (e *Evaluator) learnerInGroup(ctx context.Context, groupUUID uuid.UUID, lmsUserID int64) (bool, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("group_learner", groupUUID, lmsUserID), func(ctx context.Context) (bool, error) {
		return e.deps.LMS.GroupContainsLearner(ctx, groupUUID, lmsUserID)
	})
}

func (e *Evaluator) subsidyRedeemability(ctx context.Context, subsidyUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.SubsidyRedeemability, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("subsidy_can_redeem", subsidyUUID, lmsUserID, contentKey), func(ctx context.Context) (*models.SubsidyRedeemability, error) {
		return e.deps.Ledger.CanRedeem(ctx, subsidyUUID, lmsUserID, contentKey)
	})
}

// LearnerTransactions returns the learner's transactions under the policy.
func (e *Evaluator) LearnerTransactions(ctx context.Context, rec *models.SubsidyAccessPolicy, lmsUserID int64) (*models.TransactionList, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("learner_transactions", rec.SubsidyUUID, rec.UUID, lmsUserID), func(ctx context.Context) (*models.TransactionList, error) {
		policyUUID := rec.UUID
		return e.deps.Ledger.ListTransactions(ctx, models.TransactionFilter{
			SubsidyUUID: rec.SubsidyUUID,
			LmsUserID:   &lmsUserID,
			PolicyUUID:  &policyUUID,
		})
	})
}

// PolicyTransactions returns every transaction under the policy.
func (e *Evaluator) PolicyTransactions(ctx context.Context, rec *models.SubsidyAccessPolicy) (*models.TransactionList, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("policy_transactions", rec.SubsidyUUID, rec.UUID), func(ctx context.Context) (*models.TransactionList, error) {
		policyUUID := rec.UUID
		return e.deps.Ledger.ListTransactions(ctx, models.TransactionFilter{
			SubsidyUUID: rec.SubsidyUUID,
			PolicyUUID:  &policyUUID,
		})
	})
}

// LearnerContentTransactions returns the learner's transactions for one content key under the policy.
func (e *Evaluator) LearnerContentTransactions(ctx context.Context, rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string) ([]models.Transaction, error) {
	list, err := e.LearnerTransactions(ctx, rec, lmsUserID)
	if err != nil {
		return nil, err
	}
	var out []models.Transaction
	for _, tx := range list.Results {
		if tx.ContentKey == contentKey {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ContentPrice returns the list price in cents. The price is cached by content
// key alone so every policy evaluated in the same request sees the same price.
func (e *Evaluator) ContentPrice(ctx context.Context, catalogUUID uuid.UUID, contentKey string) (int64, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("content_price", contentKey), func(ctx context.Context) (int64, error) {
		metadata, err := e.deps.Catalog.ContentMetadata(ctx, catalogUUID, []string{contentKey})
		if err != nil {
			return 0, fmt.Errorf("fetch content metadata for %s: %w", contentKey, err)
		}
		for _, md := range metadata {
			if md.Key == contentKey && md.ContentPrice != nil {
				return *md.ContentPrice, nil
			}
		}
		return 0, &ContentPriceNullError{ContentKey: contentKey}
	})
}

func (e *Evaluator) assignment(ctx context.Context, configUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.LearnerContentAssignment, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("assignment", configUUID, lmsUserID, contentKey), func(ctx context.Context) (*models.LearnerContentAssignment, error) {
		return e.deps.Assignments.FindForLearner(ctx, configUUID, lmsUserID, contentKey)
	})
}

func (e *Evaluator) hasLicense(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error) {
	return cache.Fetch(ctx, e.cache, cache.Key("license", enterpriseCustomerUUID, lmsUserID), func(ctx context.Context) (bool, error) {
		return e.deps.Licenses.HasActiveLicense(ctx, enterpriseCustomerUUID, lmsUserID)
	})
}

// CatalogContains exposes the cached catalog inclusion check to callers outside the pipeline.
func (e *Evaluator) CatalogContains(ctx context.Context, catalogUUID uuid.UUID, contentKey string) (bool, error) {
	return e.catalogContains(ctx, catalogUUID, contentKey)
}

// LearnerInEnterprise exposes the cached enterprise membership check.
func (e *Evaluator) LearnerInEnterprise(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error) {
	return e.learnerInEnterprise(ctx, enterpriseCustomerUUID, lmsUserID)
}
