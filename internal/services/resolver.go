package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/policy"
)

// ErrNoCandidates is returned by ResolvePolicy for an empty candidate list.
var ErrNoCandidates = errors.New("no redeemable policies to resolve")

// ErrMissingBalance is returned when the ledger omits a candidate's subsidy.
var ErrMissingBalance = errors.New("subsidy balance missing")

// BalanceReader is the minimal ledger interface for resolution.
type BalanceReader interface {
	GetCurrentBalances(ctx context.Context, subsidyUUIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// Resolver picks one policy among several redeemable ones.
type Resolver struct {
	Balances BalanceReader
}

// NewResolver returns a new Resolver.
func NewResolver(balances BalanceReader) *Resolver {
	return &Resolver{Balances: balances}
}

// policyCandidate holds a policy and the sort fields used to rank it.
type policyCandidate struct {
	policy   policy.Redeemable
	priority int
	balance  int64
	id       string
}

// ResolvePolicy returns the candidate with the lowest (priority, balance).
// Credit policies beat subscriptions, and within a tier the subsidy with the
// least remaining value is spent first. Equal ranks fall back to policy UUID
// order so the choice is stable across calls.
func (r *Resolver) ResolvePolicy(ctx context.Context, candidates []policy.Redeemable) (policy.Redeemable, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	seen := make(map[uuid.UUID]bool, len(candidates))
	subsidies := make([]uuid.UUID, 0, len(candidates))
	for _, c := range candidates {
		id := c.Record().SubsidyUUID
		if !seen[id] {
			seen[id] = true
			subsidies = append(subsidies, id)
		}
	}
	balances, err := r.Balances.GetCurrentBalances(ctx, subsidies)
	if err != nil {
		return nil, fmt.Errorf("get subsidy balances: %w", err)
	}

	ranked := make([]policyCandidate, 0, len(candidates))
	for _, c := range candidates {
		balance, ok := balances[c.Record().SubsidyUUID]
		if !ok {
			return nil, fmt.Errorf("%w: subsidy %s", ErrMissingBalance, c.Record().SubsidyUUID)
		}
		ranked = append(ranked, policyCandidate{
			policy:   c,
			priority: c.Priority(),
			balance:  balance,
			id:       policy.UUID(c).String(),
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority < ranked[j].priority
		}
		if ranked[i].balance != ranked[j].balance {
			return ranked[i].balance < ranked[j].balance
		}
		return ranked[i].id < ranked[j].id
	})
	return ranked[0].policy, nil
}
