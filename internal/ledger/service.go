// Package ledger talks to the subsidy service, the system of record for
// subsidy balances and redemption transactions.
package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

type Service interface {
	CanRedeem(ctx context.Context, subsidyUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.SubsidyRedeemability, error)
	GetSubsidy(ctx context.Context, subsidyUUID uuid.UUID) (*models.Subsidy, error)
	GetCurrentBalances(ctx context.Context, subsidyUUIDs []uuid.UUID) (map[uuid.UUID]int64, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) (*models.TransactionList, error)
	CreateTransaction(ctx context.Context, req models.CreateTransactionRequest) (*models.Transaction, error)
}

type service struct {
	api      *httpx.Client
	maxPages int
}

func NewService(api *httpx.Client) Service {
	return &service{api: api, maxPages: 50}
}

var _ Service = (*service)(nil)
