package repository

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/execution"
	"github.com/enterpriseaccess/backend/internal/models"
)

//go:embed testdata/schema.sql
var schemaSQL string

// testPool connects to TEST_DATABASE_URL inside a throwaway schema. Tests are
// skipped when no database is configured.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, schemaSQL)
	require.NoError(t, err)
	return pool
}

func TestNotFound(t *testing.T) {
	assert.ErrorIs(t, notFound(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, notFound(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrNotFound)
	other := fmt.Errorf("boom")
	assert.Equal(t, other, notFound(other))
	assert.NoError(t, notFound(nil))
}

func TestPolicyRepo(t *testing.T) {
	pool := testPool(t)
	repo := NewPolicyRepo(pool)
	ctx := context.Background()
	customer := uuid.New()
	limit := int64(500)

	p := &models.SubsidyAccessPolicy{
		PolicyType:             models.PolicyTypeCappedEnrollmentLearnerCredit,
		EnterpriseCustomerUUID: customer,
		CatalogUUID:            uuid.New(),
		SubsidyUUID:            uuid.New(),
		AccessMethod:           models.AccessMethodDirect,
		DisplayName:            "Budget",
		Active:                 true,
		SpendLimit:             &limit,
	}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.UUID)

	got, err := repo.Get(ctx, p.UUID)
	require.NoError(t, err)
	assert.Equal(t, "Budget", got.DisplayName)
	require.NotNil(t, got.SpendLimit)
	assert.Equal(t, limit, *got.SpendLimit)

	got.DisplayName = "Renamed"
	require.NoError(t, repo.Update(ctx, got))

	other := &models.SubsidyAccessPolicy{
		PolicyType:             models.PolicyTypeSubscription,
		EnterpriseCustomerUUID: customer,
		CatalogUUID:            uuid.New(),
		SubsidyUUID:            uuid.New(),
		AccessMethod:           models.AccessMethodDirect,
		Active:                 true,
	}
	require.NoError(t, repo.Create(ctx, other))

	active, err := repo.List(ctx, models.PolicyFilter{EnterpriseCustomerUUID: &customer, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	require.NoError(t, repo.Retire(ctx, other.UUID))
	active, err = repo.List(ctx, models.PolicyFilter{EnterpriseCustomerUUID: &customer, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Renamed", active[0].DisplayName)

	retired, err := repo.Get(ctx, other.UUID)
	require.NoError(t, err)
	assert.True(t, retired.Retired)
	assert.NotNil(t, retired.RetiredAt)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Retire(ctx, uuid.New()), ErrNotFound)
}

func TestAssignmentRepoAllocationRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	var enqueued []execution.LinkPendingLearnerArgs
	repo := NewAssignmentRepo(pool, func(_ context.Context, _ pgx.Tx, args execution.LinkPendingLearnerArgs) error {
		enqueued = append(enqueued, args)
		return nil
	})

	cfg := &models.AssignmentConfiguration{EnterpriseCustomerUUID: uuid.New(), Active: true}
	require.NoError(t, repo.CreateConfiguration(ctx, cfg))
	now := time.Now().UTC().Truncate(time.Microsecond)

	created := []*models.LearnerContentAssignment{
		{UUID: uuid.New(), AssignmentConfigurationUUID: cfg.UUID, LearnerEmail: "a@example.com", ContentKey: "course-a", ContentQuantity: -1000, State: models.AssignmentStateAllocated, Created: now, Modified: now},
		{UUID: uuid.New(), AssignmentConfigurationUUID: cfg.UUID, LearnerEmail: "b@example.com", ContentKey: "course-a", ContentQuantity: -1000, State: models.AssignmentStateAllocated, Created: now, Modified: now},
	}
	require.NoError(t, repo.SaveAllocation(ctx, cfg.EnterpriseCustomerUUID, nil, created))
	assert.Len(t, enqueued, 2)
	assert.Equal(t, cfg.EnterpriseCustomerUUID, enqueued[0].EnterpriseCustomerUUID)

	total, err := repo.AllocatedQuantity(ctx, cfg.UUID)
	require.NoError(t, err)
	assert.Equal(t, int64(-2000), total)

	found, err := repo.ListForContent(ctx, cfg.UUID, "course-a", []string{"A@Example.com"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	n, err := repo.LinkLearner(ctx, "A@example.com", 1234)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err := repo.FindForLearner(ctx, cfg.UUID, 1234, "course-a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, created[0].UUID, a.UUID)

	mine, err := repo.ListForLearner(ctx, cfg.UUID, 1234)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	none, err := repo.FindForLearner(ctx, cfg.UUID, 99, "course-a")
	require.NoError(t, err)
	assert.Nil(t, none)

	txUUID := uuid.New()
	require.NoError(t, repo.MarkAccepted(ctx, a.UUID, txUUID))

	cancelled, err := repo.Cancel(ctx, cfg.UUID, []uuid.UUID{created[0].UUID, created[1].UUID})
	require.NoError(t, err)
	require.Len(t, cancelled, 1, "accepted assignments cannot be cancelled")
	assert.Equal(t, "b@example.com", cancelled[0].LearnerEmail)

	total, err = repo.AllocatedQuantity(ctx, cfg.UUID)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAssignmentRepoSaveAllocationIsAtomic(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewAssignmentRepo(pool, func(context.Context, pgx.Tx, execution.LinkPendingLearnerArgs) error {
		return fmt.Errorf("queue unavailable")
	})

	cfg := &models.AssignmentConfiguration{EnterpriseCustomerUUID: uuid.New(), Active: true}
	require.NoError(t, repo.CreateConfiguration(ctx, cfg))
	now := time.Now()

	err := repo.SaveAllocation(ctx, cfg.EnterpriseCustomerUUID, nil, []*models.LearnerContentAssignment{
		{UUID: uuid.New(), AssignmentConfigurationUUID: cfg.UUID, LearnerEmail: "a@example.com", ContentKey: "course-a", ContentQuantity: -1, State: models.AssignmentStateAllocated, Created: now, Modified: now},
	})
	require.Error(t, err)

	list, err := repo.ListByConfiguration(ctx, cfg.UUID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
