package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/events"
	"github.com/enterpriseaccess/backend/internal/lock"
	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
	"github.com/enterpriseaccess/backend/internal/policy/policytest"
)

const courseKey = "course-v1:edX+edXPrivacy101+3T2020"

// ---------------------------------------------------------------------------
// fixture
// ---------------------------------------------------------------------------

type fixture struct {
	catalog     *policytest.Catalog
	lms         *policytest.LMS
	ledger      *policytest.Ledger
	licenses    *policytest.Licenses
	assignments *policytest.Assignments
	lockStore   *lock.MemoryStore
	locks       *lock.Manager
	events      *events.MemoryPublisher
	outcomes    *outcomeRecorder
}

func newFixture() *fixture {
	store := lock.NewMemoryStore()
	return &fixture{
		catalog:     policytest.NewCatalog(),
		lms:         policytest.NewLMS(),
		ledger:      policytest.NewLedger(),
		licenses:    policytest.NewLicenses(),
		assignments: policytest.NewAssignments(),
		lockStore:   store,
		locks:       lock.NewManager(store, lock.DefaultTTL, nil),
		events:      &events.MemoryPublisher{},
		outcomes:    &outcomeRecorder{},
	}
}

func (f *fixture) deps() policy.Deps {
	return policy.Deps{
		Catalog:     f.catalog,
		LMS:         f.lms,
		Ledger:      f.ledger,
		Assignments: f.assignments,
		Licenses:    f.licenses,
		CacheSize:   64,
	}
}

func (f *fixture) redeemer() *Redeemer {
	return NewRedeemer(f.locks, f.deps(), f.ledger, f.assignments, f.events, f.outcomes, nil)
}

func (f *fixture) allocator() *Allocator {
	return NewAllocator(f.locks, f.deps(), f.ledger, f.assignments, f.events, f.outcomes, nil)
}

func record(policyType string) *models.SubsidyAccessPolicy {
	return &models.SubsidyAccessPolicy{
		UUID:                   uuid.New(),
		PolicyType:             policyType,
		EnterpriseCustomerUUID: uuid.New(),
		CatalogUUID:            uuid.New(),
		SubsidyUUID:            uuid.New(),
		AccessMethod:           models.AccessMethodDirect,
		Active:                 true,
	}
}

func assignedRecord() *models.SubsidyAccessPolicy {
	rec := record(models.PolicyTypeAssignedLearnerCredit)
	rec.AccessMethod = models.AccessMethodAssigned
	cfg := uuid.New()
	rec.AssignmentConfigurationUUID = &cfg
	return rec
}

func build(t *testing.T, rec *models.SubsidyAccessPolicy) policy.Redeemable {
	t.Helper()
	r, err := policy.FromRecord(rec)
	require.NoError(t, err)
	return r
}

// ---------------------------------------------------------------------------
// recorders
// ---------------------------------------------------------------------------

type outcomeRecorder struct {
	mu          sync.Mutex
	redemptions []string
	allocations []string
	learners    int
}

func (r *outcomeRecorder) ObserveRedemption(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redemptions = append(r.redemptions, outcome)
}

func (r *outcomeRecorder) ObserveAllocation(outcome string, learners int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations = append(r.allocations, outcome)
	r.learners += learners
}

// policyList is an in-memory PolicyLister.
type policyList struct {
	recs []*models.SubsidyAccessPolicy
	err  error
}

func (l *policyList) List(_ context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []*models.SubsidyAccessPolicy
	for _, rec := range l.recs {
		if filter.EnterpriseCustomerUUID != nil && rec.EnterpriseCustomerUUID != *filter.EnterpriseCustomerUUID {
			continue
		}
		if filter.ActiveOnly && !rec.IsRedeemable() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
