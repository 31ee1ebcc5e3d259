package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enterpriseaccess/backend/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = models.ErrNotFound

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

const policyColumns = `uuid, policy_type, enterprise_customer_uuid, catalog_uuid, subsidy_uuid, access_method, display_name, description, active, retired, retired_at, group_uuid, assignment_configuration_uuid, per_learner_enrollment_limit, per_learner_spend_limit, spend_limit, created, modified`

func scanPolicy(row pgx.Row) (*models.SubsidyAccessPolicy, error) {
	var p models.SubsidyAccessPolicy
	err := row.Scan(&p.UUID, &p.PolicyType, &p.EnterpriseCustomerUUID, &p.CatalogUUID, &p.SubsidyUUID, &p.AccessMethod, &p.DisplayName, &p.Description, &p.Active, &p.Retired, &p.RetiredAt, &p.GroupUUID, &p.AssignmentConfigurationUUID, &p.PerLearnerEnrollmentLimit, &p.PerLearnerSpendLimit, &p.SpendLimit, &p.Created, &p.Modified)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PolicyRepo) Create(ctx context.Context, p *models.SubsidyAccessPolicy) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO subsidy_access_policies (uuid, policy_type, enterprise_customer_uuid, catalog_uuid, subsidy_uuid, access_method, display_name, description, active, retired, retired_at, group_uuid, assignment_configuration_uuid, per_learner_enrollment_limit, per_learner_spend_limit, spend_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created, modified
	`, p.UUID, p.PolicyType, p.EnterpriseCustomerUUID, p.CatalogUUID, p.SubsidyUUID, p.AccessMethod, p.DisplayName, p.Description, p.Active, p.Retired, p.RetiredAt, p.GroupUUID, p.AssignmentConfigurationUUID, p.PerLearnerEnrollmentLimit, p.PerLearnerSpendLimit, p.SpendLimit).Scan(&p.Created, &p.Modified)
}

func (r *PolicyRepo) Get(ctx context.Context, id uuid.UUID) (*models.SubsidyAccessPolicy, error) {
	p, err := scanPolicy(r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM subsidy_access_policies WHERE uuid = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// Update writes every mutable column. The policy type and customer are fixed at creation.
func (r *PolicyRepo) Update(ctx context.Context, p *models.SubsidyAccessPolicy) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE subsidy_access_policies SET catalog_uuid = $2, subsidy_uuid = $3, access_method = $4, display_name = $5, description = $6, active = $7, group_uuid = $8, assignment_configuration_uuid = $9, per_learner_enrollment_limit = $10, per_learner_spend_limit = $11, spend_limit = $12, modified = now()
		WHERE uuid = $1
		RETURNING modified
	`, p.UUID, p.CatalogUUID, p.SubsidyUUID, p.AccessMethod, p.DisplayName, p.Description, p.Active, p.GroupUUID, p.AssignmentConfigurationUUID, p.PerLearnerEnrollmentLimit, p.PerLearnerSpendLimit, p.SpendLimit).Scan(&p.Modified)
	return notFound(err)
}

// Retire soft-deletes a policy: it stays readable but is never redeemable again.
func (r *PolicyRepo) Retire(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE subsidy_access_policies SET active = FALSE, retired = TRUE, retired_at = COALESCE(retired_at, now()), modified = now()
		WHERE uuid = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns policies matching filter, oldest first.
func (r *PolicyRepo) List(ctx context.Context, filter models.PolicyFilter) ([]*models.SubsidyAccessPolicy, error) {
	var (
		where []string
		args  []any
	)
	if filter.EnterpriseCustomerUUID != nil {
		args = append(args, *filter.EnterpriseCustomerUUID)
		where = append(where, fmt.Sprintf("enterprise_customer_uuid = $%d", len(args)))
	}
	if filter.PolicyType != "" {
		args = append(args, filter.PolicyType)
		where = append(where, fmt.Sprintf("policy_type = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "active = TRUE AND retired = FALSE")
	}
	query := `SELECT ` + policyColumns + ` FROM subsidy_access_policies`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created ASC, uuid ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.SubsidyAccessPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
