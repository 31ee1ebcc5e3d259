package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction states as reported by the subsidy service.
const (
	TransactionStateCreated   = "created"
	TransactionStatePending   = "pending"
	TransactionStateCommitted = "committed"
	TransactionStateFailed    = "failed"
)

// Reversal is a ledger entry that undoes a transaction.
type Reversal struct {
	UUID     uuid.UUID `json:"uuid"`
	State    string    `json:"state"`
	Quantity int64     `json:"quantity"`
	Created  time.Time `json:"created"`
}

// Transaction is a subsidy ledger transaction. The subsidy service owns it; this
// service only creates and reads transactions through the ledger client.
type Transaction struct {
	UUID                    uuid.UUID      `json:"uuid"`
	State                   string         `json:"state"`
	IdempotencyKey          string         `json:"idempotency_key"`
	LmsUserID               int64          `json:"lms_user_id"`
	ContentKey              string         `json:"content_key"`
	Quantity                int64          `json:"quantity"`
	Unit                    string         `json:"unit"`
	SubsidyAccessPolicyUUID *uuid.UUID     `json:"subsidy_access_policy_uuid"`
	FulfillmentIdentifier   string         `json:"fulfillment_identifier,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	Reversal                *Reversal      `json:"reversal"`
	Created                 time.Time      `json:"created"`
	Modified                time.Time      `json:"modified"`
}

// IsReversed reports whether a committed reversal exists for the transaction.
func (t *Transaction) IsReversed() bool {
	return t.Reversal != nil && t.Reversal.State == TransactionStateCommitted
}

// IsSuccessful reports whether the transaction is committed and not reversed.
func (t *Transaction) IsSuccessful() bool {
	return t.State == TransactionStateCommitted && !t.IsReversed()
}

// CountsTowardLimits reports whether the transaction consumes policy value:
// anything not failed and not reversed.
func (t *Transaction) CountsTowardLimits() bool {
	if t.State == TransactionStateFailed {
		return false
	}
	return !t.IsReversed()
}

// TransactionFilter selects transactions from the subsidy service.
type TransactionFilter struct {
	SubsidyUUID uuid.UUID
	LmsUserID   *int64
	ContentKey  string
	PolicyUUID  *uuid.UUID
}

// TransactionAggregates summarises a transaction listing.
type TransactionAggregates struct {
	TotalQuantity int64 `json:"total_quantity"`
}

// TransactionList is the flattened result of a paginated transaction listing.
type TransactionList struct {
	Results    []Transaction         `json:"results"`
	Aggregates TransactionAggregates `json:"aggregates"`
}

// SpentCents returns the positive cents consumed by transactions that count toward limits.
func (l *TransactionList) SpentCents() int64 {
	var total int64
	for i := range l.Results {
		if l.Results[i].CountsTowardLimits() {
			total += l.Results[i].Quantity
		}
	}
	if total > 0 {
		return 0
	}
	return -total
}

// CountTowardLimits returns how many transactions count toward enrollment limits.
func (l *TransactionList) CountTowardLimits() int64 {
	var n int64
	for i := range l.Results {
		if l.Results[i].CountsTowardLimits() {
			n++
		}
	}
	return n
}

// Subsidy is the subset of a subsidy record the service reads.
type Subsidy struct {
	UUID               uuid.UUID  `json:"uuid"`
	Title              string     `json:"title"`
	IsActive           bool       `json:"is_active"`
	CurrentBalance     int64      `json:"current_balance"`
	StartingBalance    int64      `json:"starting_balance"`
	ExpirationDatetime *time.Time `json:"expiration_datetime"`
}

// SubsidyRedeemability is the subsidy service's answer to a can-redeem query.
type SubsidyRedeemability struct {
	CanRedeem    bool   `json:"can_redeem"`
	Active       bool   `json:"active"`
	ContentPrice *int64 `json:"content_price"`
	Unit         string `json:"unit"`
}

// CreateTransactionRequest is the payload for committing a redemption.
type CreateTransactionRequest struct {
	SubsidyUUID             uuid.UUID      `json:"-"`
	LmsUserID               int64          `json:"lms_user_id"`
	ContentKey              string         `json:"content_key"`
	SubsidyAccessPolicyUUID uuid.UUID      `json:"subsidy_access_policy_uuid"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	IdempotencyKey          string         `json:"idempotency_key"`
	RequestedPriceCents     *int64         `json:"requested_price_cents,omitempty"`
}
