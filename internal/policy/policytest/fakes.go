// Package policytest provides in-memory fakes of the upstream services the
// policy engine talks to. The fakes count calls so tests can assert which
// upstream reads an evaluation performed.
package policytest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
)

// Int64 returns a pointer to n.
func Int64(n int64) *int64 { return &n }

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

type Catalog struct {
	mu               sync.Mutex
	Excluded         map[string]bool
	ExcludedCatalogs map[uuid.UUID]bool
	Prices           map[string]int64
	Err              error
	ContainsCalls    int
	MetadataCalls    int
}

func NewCatalog() *Catalog {
	return &Catalog{
		Excluded:         map[string]bool{},
		ExcludedCatalogs: map[uuid.UUID]bool{},
		Prices:           map[string]int64{},
	}
}

func (c *Catalog) ContainsContentItems(_ context.Context, catalogUUID uuid.UUID, contentKeys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ContainsCalls++
	if c.Err != nil {
		return false, c.Err
	}
	if c.ExcludedCatalogs[catalogUUID] {
		return false, nil
	}
	for _, k := range contentKeys {
		if c.Excluded[k] {
			return false, nil
		}
	}
	return true, nil
}

func (c *Catalog) ContentMetadata(_ context.Context, _ uuid.UUID, contentKeys []string) ([]models.ContentMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MetadataCalls++
	if c.Err != nil {
		return nil, c.Err
	}
	out := make([]models.ContentMetadata, 0, len(contentKeys))
	for _, k := range contentKeys {
		md := models.ContentMetadata{Key: k}
		if p, ok := c.Prices[k]; ok {
			price := p
			md.ContentPrice = &price
		}
		out = append(out, md)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// LMS
// ---------------------------------------------------------------------------

type LMS struct {
	mu            sync.Mutex
	NonMembers    map[int64]bool
	Groups        map[uuid.UUID]map[int64]bool
	Admins        []models.EnterpriseAdmin
	Err           error
	PendingErr    error
	MemberCalls   int
	GroupCalls    int
	PendingEmails []string
}

func NewLMS() *LMS {
	return &LMS{NonMembers: map[int64]bool{}, Groups: map[uuid.UUID]map[int64]bool{}}
}

func (l *LMS) EnterpriseContainsLearner(_ context.Context, _ uuid.UUID, lmsUserID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.MemberCalls++
	if l.Err != nil {
		return false, l.Err
	}
	return !l.NonMembers[lmsUserID], nil
}

func (l *LMS) GroupContainsLearner(_ context.Context, groupUUID uuid.UUID, lmsUserID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.GroupCalls++
	return l.Groups[groupUUID][lmsUserID], nil
}

func (l *LMS) EnterpriseCustomerData(_ context.Context, enterpriseCustomerUUID uuid.UUID) (*models.EnterpriseCustomer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &models.EnterpriseCustomer{UUID: enterpriseCustomerUUID.String(), Admins: l.Admins}, nil
}

func (l *LMS) CreatePendingEnterpriseUsers(_ context.Context, _ uuid.UUID, emails []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.PendingErr != nil {
		return l.PendingErr
	}
	l.PendingEmails = append(l.PendingEmails, emails...)
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// Subsidy is the fake ledger's view of one subsidy.
type Subsidy struct {
	Active  bool
	Balance int64
}

type Ledger struct {
	mu             sync.Mutex
	Subsidies      map[uuid.UUID]*Subsidy
	Transactions   []models.Transaction
	Price          int64
	CanRedeemErr   error
	ListErr        error
	CreateErr      error
	CreateHook     func()
	CanRedeemCalls int
	ListCalls      int
	BalanceCalls   int
	CreateCalls    int
	CreatedKeys    []string
}

func NewLedger() *Ledger {
	return &Ledger{Subsidies: map[uuid.UUID]*Subsidy{}, Price: 100}
}

// AddSubsidy registers an active subsidy with balance.
func (l *Ledger) AddSubsidy(subsidyUUID uuid.UUID, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Subsidies[subsidyUUID] = &Subsidy{Active: true, Balance: balance}
}

// AddTransaction appends a committed transaction.
func (l *Ledger) AddTransaction(policyUUID uuid.UUID, lmsUserID int64, contentKey string, quantity int64) models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := policyUUID
	tx := models.Transaction{
		UUID:                    uuid.New(),
		State:                   models.TransactionStateCommitted,
		LmsUserID:               lmsUserID,
		ContentKey:              contentKey,
		Quantity:                quantity,
		SubsidyAccessPolicyUUID: &p,
		Created:                 time.Now(),
	}
	l.Transactions = append(l.Transactions, tx)
	return tx
}

func (l *Ledger) CanRedeem(_ context.Context, subsidyUUID uuid.UUID, _ int64, _ string) (*models.SubsidyRedeemability, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CanRedeemCalls++
	if l.CanRedeemErr != nil {
		return nil, l.CanRedeemErr
	}
	sub, ok := l.Subsidies[subsidyUUID]
	if !ok {
		return &models.SubsidyRedeemability{Active: true, CanRedeem: true}, nil
	}
	return &models.SubsidyRedeemability{Active: sub.Active, CanRedeem: sub.Active && sub.Balance >= l.Price}, nil
}

func (l *Ledger) GetSubsidy(_ context.Context, subsidyUUID uuid.UUID) (*models.Subsidy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.Subsidies[subsidyUUID]
	if !ok {
		return &models.Subsidy{UUID: subsidyUUID, IsActive: true}, nil
	}
	return &models.Subsidy{UUID: subsidyUUID, IsActive: sub.Active, CurrentBalance: sub.Balance}, nil
}

func (l *Ledger) GetCurrentBalances(_ context.Context, subsidyUUIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BalanceCalls++
	out := make(map[uuid.UUID]int64, len(subsidyUUIDs))
	for _, id := range subsidyUUIDs {
		if sub, ok := l.Subsidies[id]; ok {
			out[id] = sub.Balance
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (l *Ledger) ListTransactions(_ context.Context, filter models.TransactionFilter) (*models.TransactionList, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ListCalls++
	if l.ListErr != nil {
		return nil, l.ListErr
	}
	list := &models.TransactionList{}
	for _, tx := range l.Transactions {
		if filter.PolicyUUID != nil && (tx.SubsidyAccessPolicyUUID == nil || *tx.SubsidyAccessPolicyUUID != *filter.PolicyUUID) {
			continue
		}
		if filter.LmsUserID != nil && tx.LmsUserID != *filter.LmsUserID {
			continue
		}
		if filter.ContentKey != "" && tx.ContentKey != filter.ContentKey {
			continue
		}
		list.Results = append(list.Results, tx)
		list.Aggregates.TotalQuantity += tx.Quantity
	}
	return list, nil
}

func (l *Ledger) CreateTransaction(_ context.Context, req models.CreateTransactionRequest) (*models.Transaction, error) {
	if l.CreateHook != nil {
		l.CreateHook()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CreateCalls++
	l.CreatedKeys = append(l.CreatedKeys, req.IdempotencyKey)
	if l.CreateErr != nil {
		return nil, l.CreateErr
	}
	for i := range l.Transactions {
		if l.Transactions[i].IdempotencyKey == req.IdempotencyKey {
			tx := l.Transactions[i]
			return &tx, nil
		}
	}
	price := l.Price
	if req.RequestedPriceCents != nil {
		price = *req.RequestedPriceCents
	}
	p := req.SubsidyAccessPolicyUUID
	tx := models.Transaction{
		UUID:                    uuid.New(),
		State:                   models.TransactionStateCommitted,
		IdempotencyKey:          req.IdempotencyKey,
		LmsUserID:               req.LmsUserID,
		ContentKey:              req.ContentKey,
		Quantity:                -price,
		Unit:                    "usd_cents",
		SubsidyAccessPolicyUUID: &p,
		Metadata:                req.Metadata,
		Created:                 time.Now(),
	}
	if sub, ok := l.Subsidies[req.SubsidyUUID]; ok {
		sub.Balance -= price
	}
	l.Transactions = append(l.Transactions, tx)
	return &tx, nil
}

// ---------------------------------------------------------------------------
// Licenses
// ---------------------------------------------------------------------------

type Licenses struct {
	mu       sync.Mutex
	Licensed map[int64]bool
	Calls    int
}

func NewLicenses() *Licenses {
	return &Licenses{Licensed: map[int64]bool{}}
}

func (l *Licenses) HasActiveLicense(_ context.Context, _ uuid.UUID, lmsUserID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	return l.Licensed[lmsUserID], nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

// Assignments is an in-memory assignment store. SaveErr makes SaveAllocation
// fail without applying any change.
type Assignments struct {
	mu        sync.Mutex
	Items     []*models.LearnerContentAssignment
	SaveErr   error
	FindErr   error
	SaveCalls int
	Enqueued  []uuid.UUID
}

func NewAssignments() *Assignments {
	return &Assignments{}
}

// Add stores a copy of a.
func (s *Assignments) Add(a *models.LearnerContentAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.UUID == uuid.Nil {
		cp.UUID = uuid.New()
	}
	s.Items = append(s.Items, &cp)
}

// Get returns a copy of the assignment with id, or nil.
func (s *Assignments) Get(id uuid.UUID) *models.LearnerContentAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Items {
		if a.UUID == id {
			cp := *a
			return &cp
		}
	}
	return nil
}

func (s *Assignments) FindForLearner(_ context.Context, configUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.LearnerContentAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	for _, a := range s.Items {
		if a.AssignmentConfigurationUUID == configUUID && a.LmsUserID != nil && *a.LmsUserID == lmsUserID && a.ContentKey == contentKey {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Assignments) ListForLearner(_ context.Context, configUUID uuid.UUID, lmsUserID int64) ([]*models.LearnerContentAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LearnerContentAssignment
	for _, a := range s.Items {
		if a.AssignmentConfigurationUUID == configUUID && a.LmsUserID != nil && *a.LmsUserID == lmsUserID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Assignments) ListForContent(_ context.Context, configUUID uuid.UUID, contentKey string, emails []string) ([]*models.LearnerContentAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, e := range emails {
		want[strings.ToLower(e)] = true
	}
	var out []*models.LearnerContentAssignment
	for _, a := range s.Items {
		if a.AssignmentConfigurationUUID == configUUID && a.ContentKey == contentKey && want[strings.ToLower(a.LearnerEmail)] {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Assignments) AllocatedQuantity(_ context.Context, configUUID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, a := range s.Items {
		if a.AssignmentConfigurationUUID == configUUID && a.State == models.AssignmentStateAllocated {
			total += a.ContentQuantity
		}
	}
	return total, nil
}

func (s *Assignments) SaveAllocation(_ context.Context, _ uuid.UUID, updated, created []*models.LearnerContentAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	for _, u := range updated {
		for i, a := range s.Items {
			if a.UUID == u.UUID {
				cp := *u
				s.Items[i] = &cp
			}
		}
		s.Enqueued = append(s.Enqueued, u.UUID)
	}
	for _, c := range created {
		cp := *c
		s.Items = append(s.Items, &cp)
		s.Enqueued = append(s.Enqueued, c.UUID)
	}
	return nil
}

func (s *Assignments) MarkAccepted(_ context.Context, assignmentUUID, transactionUUID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.Items {
		if a.UUID == assignmentUUID {
			a.State = models.AssignmentStateAccepted
			tx := transactionUUID
			a.TransactionUUID = &tx
		}
	}
	return nil
}

func (s *Assignments) Cancel(_ context.Context, configUUID uuid.UUID, assignmentUUIDs []uuid.UUID) ([]*models.LearnerContentAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := map[uuid.UUID]bool{}
	for _, id := range assignmentUUIDs {
		ids[id] = true
	}
	var out []*models.LearnerContentAssignment
	for _, a := range s.Items {
		if a.AssignmentConfigurationUUID == configUUID && ids[a.UUID] && a.InState(models.CancelableStates...) {
			a.State = models.AssignmentStateCancelled
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LearnerEmail < out[j].LearnerEmail })
	return out, nil
}
