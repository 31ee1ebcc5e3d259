package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterpriseaccess/backend/internal/execution"
	"github.com/enterpriseaccess/backend/internal/models"
)

// InsertLinkLearnerTxFunc enqueues a LinkPendingLearner job within the given transaction. Provided by main using river.Client.InsertTx.
type InsertLinkLearnerTxFunc func(ctx context.Context, tx pgx.Tx, args execution.LinkPendingLearnerArgs) error

// AssignmentStore is the persistence the linking job needs.
type AssignmentStore interface {
	Get(ctx context.Context, assignmentUUID uuid.UUID) (*models.LearnerContentAssignment, error)
	MarkErrored(ctx context.Context, assignmentUUID uuid.UUID) error
}

// PendingUserCreator registers learner emails with an enterprise before they
// have an account.
type PendingUserCreator interface {
	CreatePendingEnterpriseUsers(ctx context.Context, enterpriseCustomerUUID uuid.UUID, emails []string) error
}

type service struct {
	store  AssignmentStore
	lms    PendingUserCreator
	logger *slog.Logger
}

// NewService creates the assignment follow-up service.
// Returns *service so it can be used as execution.AssignmentService for the River worker.
func NewService(store AssignmentStore, lms PendingUserCreator, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{store: store, lms: lms, logger: logger}
}

var _ execution.AssignmentService = (*service)(nil)

// LinkPendingLearner implements execution.AssignmentService. Assignments that
// were cancelled or accepted before the job ran are skipped.
func (s *service) LinkPendingLearner(ctx context.Context, args execution.LinkPendingLearnerArgs) (bool, error) {
	a, err := s.store.Get(ctx, args.AssignmentUUID)
	if err != nil {
		return false, fmt.Errorf("load assignment %s: %w", args.AssignmentUUID, err)
	}
	if a.State != models.AssignmentStateAllocated {
		s.logger.Info("skipping learner link", "assignment_uuid", a.UUID, "state", a.State)
		return false, nil
	}
	if err := s.lms.CreatePendingEnterpriseUsers(ctx, args.EnterpriseCustomerUUID, []string{a.LearnerEmail}); err != nil {
		return false, err
	}
	return true, nil
}

// MarkAssignmentErrored implements execution.AssignmentService.
func (s *service) MarkAssignmentErrored(ctx context.Context, assignmentUUID uuid.UUID, reason string) error {
	s.logger.Warn("marking assignment errored", "assignment_uuid", assignmentUUID, "reason", reason)
	return s.store.MarkErrored(ctx, assignmentUUID)
}
