package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/models"
)

type customerStub struct {
	customer *models.EnterpriseCustomer
	err      error
}

func (c customerStub) EnterpriseCustomerData(context.Context, uuid.UUID) (*models.EnterpriseCustomer, error) {
	return c.customer, c.err
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, msgOrganizationNoFunds, *UserMessage(models.ReasonNotEnoughValueInSubsidy, true))
	assert.Equal(t, msgOrganizationNoFundsNoAdmins, *UserMessage(models.ReasonPolicySpendLimitReached, false))
	assert.Equal(t, msgOrganizationExpiredFundsNoAdmins, *UserMessage(models.ReasonSubsidyExpired, false))
	assert.Equal(t, msgLearnerLimitsReached, *UserMessage(models.ReasonLearnerMaxEnrollmentsReached, true))
	assert.Equal(t, msgLearnerNotAssignedContent, *UserMessage(models.ReasonLearnerAssignmentFailed, true))
	assert.Nil(t, UserMessage(models.ReasonPolicyNotAssignable, true))
}

func TestReasonGroupsKeepFirstSeenOrder(t *testing.T) {
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	g := NewReasonGroups()
	g.Add(models.ReasonLearnerNoLicense, p1)
	g.Add(models.ReasonContentNotInCatalog, p2)
	g.Add(models.ReasonLearnerNoLicense, p3)
	require.Equal(t, 2, g.Len())

	out := NewReasonBuilder(nil, nil).Build(context.Background(), uuid.New(), g)
	require.Len(t, out, 2)
	assert.Equal(t, models.ReasonLearnerNoLicense, out[0].Reason)
	assert.Equal(t, []uuid.UUID{p1, p3}, out[0].PolicyUUIDs)
	assert.Equal(t, models.ReasonContentNotInCatalog, out[1].Reason)
	assert.NotNil(t, out[1].Metadata.EnterpriseAdministrators)
}

func TestReasonBuilderPrefersContactEmail(t *testing.T) {
	b := NewReasonBuilder(customerStub{customer: &models.EnterpriseCustomer{
		ContactEmail: "help@example.com",
		Admins:       []models.EnterpriseAdmin{{Email: "admin@example.com"}},
	}}, nil)

	out := b.Single(context.Background(), uuid.New(), uuid.New(), models.ReasonSubsidyExpired)
	require.Len(t, out, 1)
	assert.Equal(t, []models.EnterpriseAdmin{{Email: "help@example.com"}}, out[0].Metadata.EnterpriseAdministrators)
	assert.Equal(t, msgOrganizationExpiredFunds, *out[0].UserMessage)
}

func TestReasonBuilderToleratesLookupFailure(t *testing.T) {
	b := NewReasonBuilder(customerStub{err: errors.New("lms down")}, nil)

	out := b.Single(context.Background(), uuid.New(), uuid.New(), models.ReasonNotEnoughValueInSubsidy)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Metadata.EnterpriseAdministrators)
	assert.Equal(t, msgOrganizationNoFundsNoAdmins, *out[0].UserMessage)
}

func TestReasonBuilderEmptyGroups(t *testing.T) {
	out := NewReasonBuilder(customerStub{err: errors.New("unused")}, nil).Build(context.Background(), uuid.New(), NewReasonGroups())
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
