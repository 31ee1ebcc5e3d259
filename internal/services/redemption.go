package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/events"
	"github.com/enterpriseaccess/backend/internal/lock"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
)

// Redemption outcomes reported to metrics.
const (
	OutcomeCommitted         = "committed"
	OutcomeLocked            = "locked"
	OutcomeRejected          = "rejected"
	OutcomeLedgerError       = "ledger_error"
	OutcomeMissingAssignment = "missing_assignment"
	OutcomeError             = "error"
)

// TransactionCreator commits transactions in the subsidy ledger.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, req models.CreateTransactionRequest) (*models.Transaction, error)
}

// AssignmentAcceptor reads and accepts learner assignments.
type AssignmentAcceptor interface {
	FindForLearner(ctx context.Context, configUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.LearnerContentAssignment, error)
	MarkAccepted(ctx context.Context, assignmentUUID, transactionUUID uuid.UUID) error
}

// RedemptionRecorder receives one call per redemption attempt.
type RedemptionRecorder interface {
	ObserveRedemption(policyType, outcome string)
}

// RedeemRequest is one learner's request to redeem content.
type RedeemRequest struct {
	LmsUserID  int64
	ContentKey string
	Metadata   map[string]any
}

// Redeemer turns a redeemable policy decision into a committed ledger transaction.
type Redeemer struct {
	Locks       *lock.Manager
	Deps        policy.Deps
	Ledger      TransactionCreator
	Assignments AssignmentAcceptor
	Events      events.Publisher
	Metrics     RedemptionRecorder
	Logger      *slog.Logger
}

// NewRedeemer returns a Redeemer. events and metrics may be nil.
func NewRedeemer(locks *lock.Manager, deps policy.Deps, ledger TransactionCreator, assignments AssignmentAcceptor, pub events.Publisher, rec RedemptionRecorder, logger *slog.Logger) *Redeemer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redeemer{
		Locks:       locks,
		Deps:        deps,
		Ledger:      ledger,
		Assignments: assignments,
		Events:      pub,
		Metrics:     rec,
		Logger:      logger,
	}
}

// Redeem locks the policy, re-evaluates it with fresh upstream reads, and
// commits a transaction under a deterministic idempotency key. The lock is
// released on every exit path.
//
// Errors: lock.ErrLockAttemptFailed, *RedemptionRejectedError,
// *LedgerAPIError, *MissingAssignmentError, *policy.ContentPriceNullError,
// or an upstream read error.
func (s *Redeemer) Redeem(ctx context.Context, p policy.Redeemable, req RedeemRequest) (*models.Transaction, error) {
	rec := p.Record()
	var tx *models.Transaction
	err := s.Locks.WithLock(ctx, rec.UUID, func(ctx context.Context) error {
		e := policy.NewEvaluator(s.Deps)
		decision, err := p.CanRedeem(ctx, e, req.LmsUserID, req.ContentKey)
		if err != nil {
			return err
		}
		if !decision.Redeemable {
			return &RedemptionRejectedError{
				PolicyUUID:             rec.UUID,
				EnterpriseCustomerUUID: rec.EnterpriseCustomerUUID,
				Reason:                 decision.Reason,
			}
		}
		tx, err = s.commit(ctx, p, req, decision.ExistingTransactions)
		return err
	})
	s.observe(rec.PolicyType, err)
	if err != nil {
		s.Logger.Warn("redemption failed",
			"policy_uuid", rec.UUID,
			"lms_user_id", req.LmsUserID,
			"content_key", req.ContentKey,
			"error", err,
		)
		return nil, err
	}

	s.Logger.Info("redemption committed",
		"policy_uuid", rec.UUID,
		"transaction_uuid", tx.UUID,
		"lms_user_id", req.LmsUserID,
		"content_key", req.ContentKey,
	)
	s.publish(ctx, rec, tx, req)
	return tx, nil
}

func (s *Redeemer) commit(ctx context.Context, p policy.Redeemable, req RedeemRequest, existing []models.Transaction) (*models.Transaction, error) {
	rec := p.Record()
	create := models.CreateTransactionRequest{
		SubsidyUUID:             rec.SubsidyUUID,
		LmsUserID:               req.LmsUserID,
		ContentKey:              req.ContentKey,
		SubsidyAccessPolicyUUID: rec.UUID,
		Metadata:                req.Metadata,
		IdempotencyKey:          IdempotencyKey(idempotencyInputFor(rec, req.LmsUserID, req.ContentKey, existing)),
	}

	var assignment *models.LearnerContentAssignment
	if assigned, ok := p.(*policy.AssignedLearnerCredit); ok {
		a, err := s.allocatedAssignment(ctx, assigned, req)
		if err != nil {
			return nil, err
		}
		assignment = a
		price := -a.ContentQuantity
		create.RequestedPriceCents = &price
	}

	tx, err := s.Ledger.CreateTransaction(ctx, create)
	if err != nil {
		return nil, &LedgerAPIError{PolicyUUID: rec.UUID, Err: err}
	}

	if assignment != nil {
		// The transaction is committed either way; a stale assignment state is
		// reconciled on the learner's next redemption attempt.
		if err := s.Assignments.MarkAccepted(ctx, assignment.UUID, tx.UUID); err != nil {
			s.Logger.Error("failed to mark assignment accepted",
				"assignment_uuid", assignment.UUID,
				"transaction_uuid", tx.UUID,
				"error", err,
			)
		}
	}
	return tx, nil
}

// allocatedAssignment re-reads the assignment right before commit, bypassing
// the evaluator cache.
func (s *Redeemer) allocatedAssignment(ctx context.Context, p *policy.AssignedLearnerCredit, req RedeemRequest) (*models.LearnerContentAssignment, error) {
	missing := &MissingAssignmentError{PolicyUUID: policy.UUID(p), LmsUserID: req.LmsUserID, ContentKey: req.ContentKey}
	configUUID, ok := p.AssignmentConfigurationUUID()
	if !ok || s.Assignments == nil {
		return nil, missing
	}
	a, err := s.Assignments.FindForLearner(ctx, configUUID, req.LmsUserID, req.ContentKey)
	if err != nil {
		return nil, err
	}
	if a == nil || a.State != models.AssignmentStateAllocated {
		return nil, missing
	}
	return a, nil
}

func (s *Redeemer) publish(ctx context.Context, rec *models.SubsidyAccessPolicy, tx *models.Transaction, req RedeemRequest) {
	if s.Events == nil {
		return
	}
	err := events.Emit(context.WithoutCancel(ctx), s.Events, events.SubsidyRedeemed, events.Redeemed{
		PolicyUUID:      rec.UUID,
		SubsidyUUID:     rec.SubsidyUUID,
		TransactionUUID: tx.UUID,
		LmsUserID:       req.LmsUserID,
		ContentKey:      req.ContentKey,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.Logger.Warn("failed to publish redemption event", "transaction_uuid", tx.UUID, "error", err)
	}
}

func (s *Redeemer) observe(policyType string, err error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveRedemption(policyType, redemptionOutcome(err))
}

func redemptionOutcome(err error) string {
	var (
		rejected *RedemptionRejectedError
		ledger   *LedgerAPIError
		missing  *MissingAssignmentError
	)
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, lock.ErrLockAttemptFailed):
		return OutcomeLocked
	case errors.As(err, &rejected):
		return OutcomeRejected
	case errors.As(err, &ledger):
		return OutcomeLedgerError
	case errors.As(err, &missing):
		return OutcomeMissingAssignment
	default:
		return OutcomeError
	}
}
