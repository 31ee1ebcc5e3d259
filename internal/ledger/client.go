package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
)

type transactionPage struct {
	Next       *string                      `json:"next"`
	Results    []models.Transaction         `json:"results"`
	Aggregates models.TransactionAggregates `json:"aggregates"`
}

type subsidySummary struct {
	UUID           uuid.UUID `json:"uuid"`
	CurrentBalance int64     `json:"current_balance"`
}

type subsidyPage struct {
	Results []subsidySummary `json:"results"`
}

func subsidyPath(subsidyUUID uuid.UUID, suffix string) string {
	return "/api/v2/subsidies/" + subsidyUUID.String() + "/" + suffix
}

// CanRedeem asks the subsidy service whether the subsidy is active and can
// cover the content for the learner.
func (s *service) CanRedeem(ctx context.Context, subsidyUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.SubsidyRedeemability, error) {
	q := url.Values{}
	q.Set("lms_user_id", strconv.FormatInt(lmsUserID, 10))
	q.Set("content_key", contentKey)
	var out models.SubsidyRedeemability
	if err := s.api.GetJSON(ctx, subsidyPath(subsidyUUID, "can_redeem/"), q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubsidy fetches one subsidy record.
func (s *service) GetSubsidy(ctx context.Context, subsidyUUID uuid.UUID) (*models.Subsidy, error) {
	var out models.Subsidy
	if err := s.api.GetJSON(ctx, subsidyPath(subsidyUUID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCurrentBalances fetches the balance of every subsidy in one call.
func (s *service) GetCurrentBalances(ctx context.Context, subsidyUUIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(subsidyUUIDs))
	if len(subsidyUUIDs) == 0 {
		return out, nil
	}
	q := url.Values{}
	for _, id := range subsidyUUIDs {
		q.Add("uuid", id.String())
	}
	q.Set("page_size", strconv.Itoa(len(subsidyUUIDs)))
	var page subsidyPage
	if err := s.api.GetJSON(ctx, "/api/v2/subsidies/", q, &page); err != nil {
		return nil, err
	}
	for _, sub := range page.Results {
		out[sub.UUID] = sub.CurrentBalance
	}
	for _, id := range subsidyUUIDs {
		if _, ok := out[id]; !ok {
			return nil, fmt.Errorf("subsidy %s missing from balance response", id)
		}
	}
	return out, nil
}

// ListTransactions walks every page of the subsidy's transactions matching filter.
// Aggregates come from the first page, which covers the whole filtered set.
func (s *service) ListTransactions(ctx context.Context, filter models.TransactionFilter) (*models.TransactionList, error) {
	q := url.Values{}
	if filter.LmsUserID != nil {
		q.Set("lms_user_id", strconv.FormatInt(*filter.LmsUserID, 10))
	}
	if filter.ContentKey != "" {
		q.Set("content_key", filter.ContentKey)
	}
	if filter.PolicyUUID != nil {
		q.Set("subsidy_access_policy_uuid", filter.PolicyUUID.String())
	}
	q.Set("include_aggregates", "true")

	list := &models.TransactionList{}
	for page := 1; page <= s.maxPages; page++ {
		q.Set("page", strconv.Itoa(page))
		var p transactionPage
		if err := s.api.GetJSON(ctx, subsidyPath(filter.SubsidyUUID, "admin/transactions/"), q, &p); err != nil {
			return nil, err
		}
		if page == 1 {
			list.Aggregates = p.Aggregates
		}
		list.Results = append(list.Results, p.Results...)
		if p.Next == nil || *p.Next == "" {
			return list, nil
		}
	}
	return nil, fmt.Errorf("transactions for subsidy %s exceed %d pages", filter.SubsidyUUID, s.maxPages)
}

// CreateTransaction commits a redemption. The subsidy service deduplicates on
// req.IdempotencyKey, so retrying the same request returns the same transaction.
func (s *service) CreateTransaction(ctx context.Context, req models.CreateTransactionRequest) (*models.Transaction, error) {
	var out models.Transaction
	if err := s.api.PostJSON(ctx, subsidyPath(req.SubsidyUUID, "admin/transactions/"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
