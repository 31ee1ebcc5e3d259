package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/events"
	"github.com/enterpriseaccess/backend/internal/lock"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
)

// Allocation outcomes reported to metrics.
const (
	OutcomeAllocated = "allocated"
	OutcomeFailed    = "failed"
)

// AssignmentStore persists learner content assignments.
type AssignmentStore interface {
	ListForContent(ctx context.Context, configUUID uuid.UUID, contentKey string, emails []string) ([]*models.LearnerContentAssignment, error)
	// AllocatedQuantity sums content_quantity (negative cents) of allocated assignments.
	AllocatedQuantity(ctx context.Context, configUUID uuid.UUID) (int64, error)
	// SaveAllocation writes updated and created assignments in one transaction
	// and enqueues the learner linking job for each of them.
	SaveAllocation(ctx context.Context, enterpriseCustomerUUID uuid.UUID, updated, created []*models.LearnerContentAssignment) error
	// Cancel moves cancelable assignments to cancelled and returns them.
	Cancel(ctx context.Context, configUUID uuid.UUID, assignmentUUIDs []uuid.UUID) ([]*models.LearnerContentAssignment, error)
}

// SubsidyReader reads subsidy records.
type SubsidyReader interface {
	GetSubsidy(ctx context.Context, subsidyUUID uuid.UUID) (*models.Subsidy, error)
}

// AllocationRecorder receives one call per allocation attempt.
type AllocationRecorder interface {
	ObserveAllocation(outcome string, learners int)
}

// Allocator reserves subsidy value for learners under assigned policies.
type Allocator struct {
	Locks     *lock.Manager
	Deps      policy.Deps
	Subsidies SubsidyReader
	Store     AssignmentStore
	Events    events.Publisher
	Metrics   AllocationRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewAllocator returns an Allocator. pub and rec may be nil.
func NewAllocator(locks *lock.Manager, deps policy.Deps, subsidies SubsidyReader, store AssignmentStore, pub events.Publisher, rec AllocationRecorder, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		Locks:     locks,
		Deps:      deps,
		Subsidies: subsidies,
		Store:     store,
		Events:    pub,
		Metrics:   rec,
		Logger:    logger,
		Now:       time.Now,
	}
}

func assignedPolicy(p policy.Redeemable) (*policy.AssignedLearnerCredit, uuid.UUID, bool) {
	assigned, ok := p.(*policy.AssignedLearnerCredit)
	if !ok {
		return nil, uuid.Nil, false
	}
	configUUID, ok := assigned.AssignmentConfigurationUUID()
	if !ok {
		return nil, uuid.Nil, false
	}
	return assigned, configUUID, true
}

// CanAllocate reports whether numLearners more allocations of contentKey at
// priceCents fit under the policy. Allocated and already-spent value both
// count against spend_limit.
func (s *Allocator) CanAllocate(ctx context.Context, p policy.Redeemable, numLearners int, contentKey string, priceCents int64) (bool, models.Reason, error) {
	rec := p.Record()
	_, configUUID, ok := assignedPolicy(p)
	if !ok {
		return false, models.ReasonPolicyNotAssignable, nil
	}
	if !rec.IsRedeemable() {
		return false, models.ReasonPolicyNotActive, nil
	}

	e := policy.NewEvaluator(s.Deps)
	inCatalog, err := e.CatalogContains(ctx, rec.CatalogUUID, contentKey)
	if err != nil {
		return false, "", err
	}
	if !inCatalog {
		return false, models.ReasonContentNotInCatalog, nil
	}

	subsidy, err := s.Subsidies.GetSubsidy(ctx, rec.SubsidyUUID)
	if err != nil {
		return false, "", fmt.Errorf("get subsidy %s: %w", rec.SubsidyUUID, err)
	}
	if !subsidy.IsActive {
		return false, models.ReasonSubsidyExpired, nil
	}

	if rec.SpendLimit == nil {
		return true, "", nil
	}
	transactions, err := e.PolicyTransactions(ctx, rec)
	if err != nil {
		return false, "", err
	}
	allocated, err := s.Store.AllocatedQuantity(ctx, configUUID)
	if err != nil {
		return false, "", fmt.Errorf("allocated quantity: %w", err)
	}
	total := transactions.SpentCents() - allocated + int64(numLearners)*priceCents
	if total > *rec.SpendLimit {
		return false, models.ReasonPolicySpendLimitReached, nil
	}
	return true, "", nil
}

// Allocate creates or re-allocates assignments of contentKey for every email.
// Repeating a call with overlapping emails never duplicates an assignment.
// The batch is saved atomically; any failure while saving is returned as
// *AllocationError and leaves no assignment changed.
func (s *Allocator) Allocate(ctx context.Context, p policy.Redeemable, emails []string, contentKey string, priceCents int64) (*models.AllocationResult, error) {
	rec := p.Record()
	if priceCents < 0 {
		return nil, &AllocationError{Reason: "Allocation price must be >= 0", PolicyUUIDs: []uuid.UUID{rec.UUID}}
	}
	_, configUUID, ok := assignedPolicy(p)
	if !ok {
		return nil, &AllocationRejectedError{
			PolicyUUID:             rec.UUID,
			EnterpriseCustomerUUID: rec.EnterpriseCustomerUUID,
			Reason:                 models.ReasonPolicyNotAssignable,
		}
	}
	emails = NormalizeEmails(emails)
	if len(emails) == 0 {
		return nil, &AllocationError{Reason: "At least one learner email is required", PolicyUUIDs: []uuid.UUID{rec.UUID}}
	}

	var result *models.AllocationResult
	err := s.Locks.WithLock(ctx, rec.UUID, func(ctx context.Context) error {
		ok, reason, err := s.CanAllocate(ctx, p, len(emails), contentKey, priceCents)
		if err != nil {
			return err
		}
		if !ok {
			return &AllocationRejectedError{
				PolicyUUID:             rec.UUID,
				EnterpriseCustomerUUID: rec.EnterpriseCustomerUUID,
				Reason:                 reason,
			}
		}

		existing, err := s.Store.ListForContent(ctx, configUUID, contentKey, emails)
		if err != nil {
			return &AllocationError{Reason: "Could not read existing assignments", PolicyUUIDs: []uuid.UUID{rec.UUID}, Err: err}
		}
		plan := planAllocation(configUUID, existing, emails, contentKey, -priceCents, s.now())
		if err := s.Store.SaveAllocation(ctx, rec.EnterpriseCustomerUUID, plan.Updated, plan.Created); err != nil {
			return &AllocationError{Reason: "Could not save assignments", PolicyUUIDs: []uuid.UUID{rec.UUID}, Err: err}
		}
		result = plan
		return nil
	})
	if err != nil {
		s.observe(allocationOutcome(err), 0)
		s.Logger.Warn("allocation failed", "policy_uuid", rec.UUID, "content_key", contentKey, "learners", len(emails), "error", err)
		return nil, err
	}

	changed := len(result.Updated) + len(result.Created)
	s.observe(OutcomeAllocated, changed)
	s.Logger.Info("allocation saved",
		"policy_uuid", rec.UUID,
		"content_key", contentKey,
		"created", len(result.Created),
		"updated", len(result.Updated),
		"no_change", len(result.NoChange),
	)
	if changed > 0 {
		ids := make([]uuid.UUID, 0, changed)
		for _, a := range append(append([]*models.LearnerContentAssignment{}, result.Updated...), result.Created...) {
			ids = append(ids, a.UUID)
		}
		s.publish(ctx, events.AssignmentsAllocated, events.AssignmentsChanged{
			PolicyUUID:                  rec.UUID,
			AssignmentConfigurationUUID: configUUID,
			ContentKey:                  contentKey,
			AssignmentUUIDs:             ids,
		})
	}
	return result, nil
}

// CancelAssignments cancels allocated or errored assignments of the policy
// while holding the policy lock.
// Assignments in other states, or belonging to other policies, are skipped.
func (s *Allocator) CancelAssignments(ctx context.Context, p policy.Redeemable, assignmentUUIDs []uuid.UUID) ([]*models.LearnerContentAssignment, error) {
	rec := p.Record()
	_, configUUID, ok := assignedPolicy(p)
	if !ok {
		return nil, ErrPolicyNotAssignable
	}
	var cancelled []*models.LearnerContentAssignment
	err := s.Locks.WithLock(ctx, rec.UUID, func(ctx context.Context) error {
		var err error
		cancelled, err = s.Store.Cancel(ctx, configUUID, assignmentUUIDs)
		if err != nil {
			return fmt.Errorf("cancel assignments: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(cancelled) > 0 {
		ids := make([]uuid.UUID, 0, len(cancelled))
		for _, a := range cancelled {
			ids = append(ids, a.UUID)
		}
		s.publish(ctx, events.AssignmentsCancelled, events.AssignmentsChanged{
			PolicyUUID:                  rec.UUID,
			AssignmentConfigurationUUID: configUUID,
			AssignmentUUIDs:             ids,
		})
	}
	s.Logger.Info("assignments cancelled", "policy_uuid", rec.UUID, "requested", len(assignmentUUIDs), "cancelled", len(cancelled))
	return cancelled, nil
}

// planAllocation decides what happens to each email. Existing assignments in a
// re-allocatable state are moved back to allocated at the new quantity;
// allocated or accepted ones are left alone; emails without an assignment
// get a new one.
func planAllocation(configUUID uuid.UUID, existing []*models.LearnerContentAssignment, emails []string, contentKey string, quantity int64, now time.Time) *models.AllocationResult {
	byEmail := make(map[string]*models.LearnerContentAssignment, len(existing))
	for _, a := range existing {
		byEmail[strings.ToLower(a.LearnerEmail)] = a
	}

	result := &models.AllocationResult{
		Updated:  []*models.LearnerContentAssignment{},
		Created:  []*models.LearnerContentAssignment{},
		NoChange: []*models.LearnerContentAssignment{},
	}
	for _, email := range emails {
		a, ok := byEmail[email]
		if !ok {
			result.Created = append(result.Created, &models.LearnerContentAssignment{
				UUID:                        uuid.New(),
				AssignmentConfigurationUUID: configUUID,
				LearnerEmail:                email,
				ContentKey:                  contentKey,
				ContentQuantity:             quantity,
				State:                       models.AssignmentStateAllocated,
				Created:                     now,
				Modified:                    now,
			})
			continue
		}
		if a.InState(models.ReallocatableStates...) {
			updated := *a
			updated.State = models.AssignmentStateAllocated
			updated.ContentQuantity = quantity
			updated.Modified = now
			result.Updated = append(result.Updated, &updated)
			continue
		}
		result.NoChange = append(result.NoChange, a)
	}
	return result
}

// NormalizeEmails trims, lowercases and de-duplicates emails, keeping first-seen order.
func NormalizeEmails(emails []string) []string {
	seen := make(map[string]bool, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func (s *Allocator) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Allocator) publish(ctx context.Context, eventType string, data events.AssignmentsChanged) {
	if s.Events == nil {
		return
	}
	if err := events.Emit(context.WithoutCancel(ctx), s.Events, eventType, data); err != nil {
		s.Logger.Warn("failed to publish assignment event", "type", eventType, "error", err)
	}
}

func (s *Allocator) observe(outcome string, learners int) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveAllocation(outcome, learners)
}

func allocationOutcome(err error) string {
	var (
		rejected *AllocationRejectedError
		allocErr *AllocationError
	)
	switch {
	case errors.Is(err, lock.ErrLockAttemptFailed):
		return OutcomeLocked
	case errors.As(err, &rejected):
		return OutcomeRejected
	case errors.As(err, &allocErr):
		return OutcomeFailed
	default:
		return OutcomeError
	}
}
