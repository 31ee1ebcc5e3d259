package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
)

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid policy")

// Store persists policy records.
type Store interface {
	Create(ctx context.Context, p *models.SubsidyAccessPolicy) error
	Get(ctx context.Context, id uuid.UUID) (*models.SubsidyAccessPolicy, error)
	Update(ctx context.Context, p *models.SubsidyAccessPolicy) error
	Retire(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error)
}

// ConfigurationCreator creates the assignment configuration of an assigned policy.
type ConfigurationCreator interface {
	CreateConfiguration(ctx context.Context, c *models.AssignmentConfiguration) error
}

// PolicyPatch lists the mutable fields of a policy. Nil fields are left unchanged.
type PolicyPatch struct {
	DisplayName               *string    `json:"display_name"`
	Description               *string    `json:"description"`
	Active                    *bool      `json:"active"`
	CatalogUUID               *uuid.UUID `json:"catalog_uuid"`
	GroupUUID                 *uuid.UUID `json:"group_uuid"`
	SpendLimit                *int64     `json:"spend_limit"`
	PerLearnerSpendLimit      *int64     `json:"per_learner_spend_limit"`
	PerLearnerEnrollmentLimit *int64     `json:"per_learner_enrollment_limit"`
}

type Service interface {
	CreatePolicy(ctx context.Context, p *models.SubsidyAccessPolicy) (*models.SubsidyAccessPolicy, error)
	GetPolicy(ctx context.Context, id uuid.UUID) (*models.SubsidyAccessPolicy, error)
	UpdatePolicy(ctx context.Context, id uuid.UUID, patch PolicyPatch) (*models.SubsidyAccessPolicy, error)
	RetirePolicy(ctx context.Context, id uuid.UUID) error
	ListPolicies(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error)
}

type service struct {
	store   Store
	configs ConfigurationCreator
}

// NewService returns a Service. configs may be nil when assigned policies are
// always created with an existing configuration.
func NewService(store Store, configs ConfigurationCreator) *service {
	return &service{store: store, configs: configs}
}

var _ Service = (*service)(nil)

func (s *service) CreatePolicy(ctx context.Context, p *models.SubsidyAccessPolicy) (*models.SubsidyAccessPolicy, error) {
	if p.AccessMethod == "" {
		p.AccessMethod = models.AccessMethodDirect
		if p.PolicyType == models.PolicyTypeAssignedLearnerCredit {
			p.AccessMethod = models.AccessMethodAssigned
		}
	}
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	p.Retired = false
	p.RetiredAt = nil

	if p.PolicyType == models.PolicyTypeAssignedLearnerCredit && p.AssignmentConfigurationUUID == nil && s.configs != nil {
		cfg := &models.AssignmentConfiguration{EnterpriseCustomerUUID: p.EnterpriseCustomerUUID, Active: true}
		if err := validate(withConfig(p, uuid.New())); err != nil {
			return nil, err
		}
		if err := s.configs.CreateConfiguration(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create assignment configuration: %w", err)
		}
		p.AssignmentConfigurationUUID = &cfg.UUID
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *service) GetPolicy(ctx context.Context, id uuid.UUID) (*models.SubsidyAccessPolicy, error) {
	return s.store.Get(ctx, id)
}

func (s *service) UpdatePolicy(ctx context.Context, id uuid.UUID, patch PolicyPatch) (*models.SubsidyAccessPolicy, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Active != nil {
		if *patch.Active && p.Retired {
			return nil, fmt.Errorf("%w: retired policies cannot be reactivated", ErrInvalidPolicy)
		}
		p.Active = *patch.Active
	}
	if patch.CatalogUUID != nil {
		p.CatalogUUID = *patch.CatalogUUID
	}
	if patch.GroupUUID != nil {
		p.GroupUUID = patch.GroupUUID
	}
	if patch.SpendLimit != nil {
		p.SpendLimit = patch.SpendLimit
	}
	if patch.PerLearnerSpendLimit != nil {
		p.PerLearnerSpendLimit = patch.PerLearnerSpendLimit
	}
	if patch.PerLearnerEnrollmentLimit != nil {
		p.PerLearnerEnrollmentLimit = patch.PerLearnerEnrollmentLimit
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *service) RetirePolicy(ctx context.Context, id uuid.UUID) error {
	return s.store.Retire(ctx, id)
}

func (s *service) ListPolicies(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error) {
	return s.store.List(ctx, filter)
}

func withConfig(p *models.SubsidyAccessPolicy, configUUID uuid.UUID) *models.SubsidyAccessPolicy {
	cp := *p
	cp.AssignmentConfigurationUUID = &configUUID
	return &cp
}

func validate(p *models.SubsidyAccessPolicy) error {
	if !policy.KnownType(p.PolicyType) {
		return fmt.Errorf("%w: unknown policy_type %q", ErrInvalidPolicy, p.PolicyType)
	}
	if p.EnterpriseCustomerUUID == uuid.Nil || p.CatalogUUID == uuid.Nil || p.SubsidyUUID == uuid.Nil {
		return fmt.Errorf("%w: enterprise_customer_uuid, catalog_uuid and subsidy_uuid are required", ErrInvalidPolicy)
	}
	switch p.AccessMethod {
	case models.AccessMethodDirect, models.AccessMethodRequest, models.AccessMethodAssigned:
	default:
		return fmt.Errorf("%w: unknown access_method %q", ErrInvalidPolicy, p.AccessMethod)
	}
	assigned := p.PolicyType == models.PolicyTypeAssignedLearnerCredit
	if assigned != (p.AccessMethod == models.AccessMethodAssigned) {
		return fmt.Errorf("%w: access_method %q does not match policy_type %q", ErrInvalidPolicy, p.AccessMethod, p.PolicyType)
	}
	if assigned {
		if p.AssignmentConfigurationUUID == nil {
			return fmt.Errorf("%w: assigned policies require an assignment configuration", ErrInvalidPolicy)
		}
		if p.SpendLimit == nil {
			return fmt.Errorf("%w: assigned policies require spend_limit", ErrInvalidPolicy)
		}
		if p.PerLearnerSpendLimit != nil || p.PerLearnerEnrollmentLimit != nil {
			return fmt.Errorf("%w: assigned policies cannot set per-learner limits", ErrInvalidPolicy)
		}
	}
	for name, v := range map[string]*int64{
		"spend_limit":                  p.SpendLimit,
		"per_learner_spend_limit":      p.PerLearnerSpendLimit,
		"per_learner_enrollment_limit": p.PerLearnerEnrollmentLimit,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must be >= 0", ErrInvalidPolicy, name)
		}
	}
	return nil
}
