package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/enterpriseaccess/backend/internal/execution"
	"github.com/enterpriseaccess/backend/internal/jobs"
	"github.com/enterpriseaccess/backend/internal/models"
)

// AssignmentRepo stores assignment configurations and learner content assignments.
type AssignmentRepo struct {
	pool    *pgxpool.Pool
	enqueue jobs.InsertLinkLearnerTxFunc
}

// NewAssignmentRepo returns an AssignmentRepo. enqueue may be nil, in which
// case no linking job is scheduled for saved assignments.
func NewAssignmentRepo(pool *pgxpool.Pool, enqueue jobs.InsertLinkLearnerTxFunc) *AssignmentRepo {
	return &AssignmentRepo{pool: pool, enqueue: enqueue}
}

const assignmentColumns = `uuid, assignment_configuration_uuid, learner_email, lms_user_id, content_key, content_quantity, state, transaction_uuid, last_notification_at, created, modified`

func scanAssignment(row pgx.Row) (*models.LearnerContentAssignment, error) {
	var a models.LearnerContentAssignment
	err := row.Scan(&a.UUID, &a.AssignmentConfigurationUUID, &a.LearnerEmail, &a.LmsUserID, &a.ContentKey, &a.ContentQuantity, &a.State, &a.TransactionUUID, &a.LastNotificationAt, &a.Created, &a.Modified)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAssignments(rows pgx.Rows) ([]*models.LearnerContentAssignment, error) {
	defer rows.Close()
	list := []*models.LearnerContentAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

func (r *AssignmentRepo) CreateConfiguration(ctx context.Context, c *models.AssignmentConfiguration) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO assignment_configurations (uuid, enterprise_customer_uuid, active)
		VALUES ($1, $2, $3)
		RETURNING created, modified
	`, c.UUID, c.EnterpriseCustomerUUID, c.Active).Scan(&c.Created, &c.Modified)
}

func (r *AssignmentRepo) GetConfiguration(ctx context.Context, id uuid.UUID) (*models.AssignmentConfiguration, error) {
	var c models.AssignmentConfiguration
	err := r.pool.QueryRow(ctx, `
		SELECT uuid, enterprise_customer_uuid, active, created, modified
		FROM assignment_configurations WHERE uuid = $1
	`, id).Scan(&c.UUID, &c.EnterpriseCustomerUUID, &c.Active, &c.Created, &c.Modified)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *AssignmentRepo) Get(ctx context.Context, id uuid.UUID) (*models.LearnerContentAssignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM learner_content_assignments WHERE uuid = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// FindForLearner returns the learner's assignment for contentKey, or nil when there is none.
func (r *AssignmentRepo) FindForLearner(ctx context.Context, configUUID uuid.UUID, lmsUserID int64, contentKey string) (*models.LearnerContentAssignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM learner_content_assignments
		WHERE assignment_configuration_uuid = $1 AND lms_user_id = $2 AND content_key = $3
		ORDER BY modified DESC
		LIMIT 1
	`, configUUID, lmsUserID, contentKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *AssignmentRepo) ListForContent(ctx context.Context, configUUID uuid.UUID, contentKey string, emails []string) ([]*models.LearnerContentAssignment, error) {
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM learner_content_assignments
		WHERE assignment_configuration_uuid = $1 AND content_key = $2 AND lower(learner_email) = ANY($3)
	`, configUUID, contentKey, lowered)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ListForLearner returns the learner's assignments under a configuration, newest first.
func (r *AssignmentRepo) ListForLearner(ctx context.Context, configUUID uuid.UUID, lmsUserID int64) ([]*models.LearnerContentAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM learner_content_assignments
		WHERE assignment_configuration_uuid = $1 AND lms_user_id = $2
		ORDER BY created DESC
	`, configUUID, lmsUserID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

// ListByConfiguration returns every assignment of a configuration, newest first.
func (r *AssignmentRepo) ListByConfiguration(ctx context.Context, configUUID uuid.UUID) ([]*models.LearnerContentAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM learner_content_assignments
		WHERE assignment_configuration_uuid = $1
		ORDER BY created DESC
	`, configUUID)
	if err != nil {
		return nil, err
	}
	return collectAssignments(rows)
}

func (r *AssignmentRepo) AllocatedQuantity(ctx context.Context, configUUID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(content_quantity), 0)
		FROM learner_content_assignments
		WHERE assignment_configuration_uuid = $1 AND state = $2
	`, configUUID, models.AssignmentStateAllocated).Scan(&total)
	return total, err
}

// SaveAllocation writes the batch and enqueues one linking job per assignment
// inside a single transaction, so either everything lands or nothing does.
func (r *AssignmentRepo) SaveAllocation(ctx context.Context, enterpriseCustomerUUID uuid.UUID, updated, created []*models.LearnerContentAssignment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, a := range updated {
		tag, err := tx.Exec(ctx, `
			UPDATE learner_content_assignments SET state = $2, content_quantity = $3, modified = $4
			WHERE uuid = $1
		`, a.UUID, a.State, a.ContentQuantity, a.Modified)
		if err != nil {
			return fmt.Errorf("update assignment %s: %w", a.UUID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update assignment %s: %w", a.UUID, ErrNotFound)
		}
	}
	for _, a := range created {
		_, err := tx.Exec(ctx, `
			INSERT INTO learner_content_assignments (uuid, assignment_configuration_uuid, learner_email, lms_user_id, content_key, content_quantity, state, created, modified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.UUID, a.AssignmentConfigurationUUID, a.LearnerEmail, a.LmsUserID, a.ContentKey, a.ContentQuantity, a.State, a.Created, a.Modified)
		if err != nil {
			return fmt.Errorf("insert assignment for %s: %w", a.LearnerEmail, err)
		}
	}

	if r.enqueue != nil {
		for _, a := range append(append([]*models.LearnerContentAssignment{}, updated...), created...) {
			if err := r.enqueue(ctx, tx, execution.LinkPendingLearnerArgs{
				AssignmentUUID:         a.UUID,
				EnterpriseCustomerUUID: enterpriseCustomerUUID,
				LearnerEmail:           a.LearnerEmail,
			}); err != nil {
				return fmt.Errorf("enqueue link job for %s: %w", a.UUID, err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (r *AssignmentRepo) MarkAccepted(ctx context.Context, assignmentUUID, transactionUUID uuid.UUID) error {
	return r.setState(ctx, `
		UPDATE learner_content_assignments SET state = $2, transaction_uuid = $3, modified = now()
		WHERE uuid = $1
	`, assignmentUUID, models.AssignmentStateAccepted, transactionUUID)
}

// MarkErrored moves an allocated assignment to errored. Assignments that
// already left the allocated state are untouched.
func (r *AssignmentRepo) MarkErrored(ctx context.Context, assignmentUUID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE learner_content_assignments SET state = $2, modified = now()
		WHERE uuid = $1 AND state = $3
	`, assignmentUUID, models.AssignmentStateErrored, models.AssignmentStateAllocated)
	return err
}

func (r *AssignmentRepo) setState(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel moves cancelable assignments to cancelled and returns them ordered by email.
func (r *AssignmentRepo) Cancel(ctx context.Context, configUUID uuid.UUID, assignmentUUIDs []uuid.UUID) ([]*models.LearnerContentAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE learner_content_assignments SET state = $3, modified = now()
		WHERE assignment_configuration_uuid = $1 AND uuid = ANY($2) AND state = ANY($4)
		RETURNING `+assignmentColumns,
		configUUID, assignmentUUIDs, models.AssignmentStateCancelled, models.CancelableStates)
	if err != nil {
		return nil, err
	}
	list, err := collectAssignments(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LearnerEmail < list[j].LearnerEmail })
	return list, nil
}

// LinkLearner records lmsUserID on every assignment addressed to email that
// has no learner yet. It returns how many assignments were linked.
func (r *AssignmentRepo) LinkLearner(ctx context.Context, email string, lmsUserID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE learner_content_assignments SET lms_user_id = $2, modified = now()
		WHERE lower(learner_email) = lower($1) AND lms_user_id IS NULL
	`, email, lmsUserID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
