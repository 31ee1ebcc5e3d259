package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/models"
	"github.com/enterpriseaccess/backend/internal/policy"
	"github.com/enterpriseaccess/backend/internal/policy/policytest"
)

func (f *fixture) evaluation(recs ...*models.SubsidyAccessPolicy) *Evaluation {
	return NewEvaluation(&policyList{recs: recs}, f.deps(), NewResolver(f.ledger), NewReasonBuilder(f.lms, nil), nil)
}

func TestCanRedeemNoActivePolicies(t *testing.T) {
	f := newFixture()
	inactive := record(models.PolicyTypePerLearnerSpendCredit)
	inactive.Active = false

	_, err := f.evaluation(inactive).CanRedeem(context.Background(), inactive.EnterpriseCustomerUUID, 1, []string{courseKey})
	require.ErrorIs(t, err, ErrNoActivePolicies)
}

func TestCanRedeemResolvesPolicy(t *testing.T) {
	f := newFixture()
	credit := record(models.PolicyTypePerLearnerSpendCredit)
	sub := record(models.PolicyTypeSubscription)
	sub.EnterpriseCustomerUUID = credit.EnterpriseCustomerUUID
	f.licenses.Licensed[1234] = true
	f.catalog.Prices[courseKey] = 19900

	out, err := f.evaluation(credit, sub).CanRedeem(context.Background(), credit.EnterpriseCustomerUUID, 1234, []string{courseKey})
	require.NoError(t, err)
	require.Len(t, out, 1)

	res := out[0]
	assert.True(t, res.CanRedeem)
	require.NotNil(t, res.RedeemablePolicy)
	assert.Equal(t, credit.UUID, res.RedeemablePolicy.UUID)
	require.NotNil(t, res.ListPrice)
	assert.Equal(t, json.Number("199.00"), res.ListPrice.USD)
	assert.Equal(t, int64(19900), res.ListPrice.USDCents)
	assert.Empty(t, res.Reasons)
	assert.NotNil(t, res.Redemptions)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"list_price":{"usd":199.00,"usd_cents":19900}`)
}

func TestCanRedeemGroupsReasons(t *testing.T) {
	f := newFixture()
	a := record(models.PolicyTypePerLearnerSpendCredit)
	b := record(models.PolicyTypePerLearnerEnrollmentCredit)
	c := record(models.PolicyTypeSubscription)
	b.EnterpriseCustomerUUID = a.EnterpriseCustomerUUID
	c.EnterpriseCustomerUUID = a.EnterpriseCustomerUUID
	f.ledger.AddSubsidy(a.SubsidyUUID, 10)
	f.catalog.ExcludedCatalogs[b.CatalogUUID] = true
	f.lms.Admins = []models.EnterpriseAdmin{{Email: "admin@example.com", LmsUserID: policytest.Int64(9)}}

	out, err := f.evaluation(a, b, c).CanRedeem(context.Background(), a.EnterpriseCustomerUUID, 1234, []string{courseKey})
	require.NoError(t, err)
	res := out[0]

	assert.False(t, res.CanRedeem)
	assert.Nil(t, res.RedeemablePolicy)
	assert.Nil(t, res.ListPrice)

	byReason := map[models.Reason][]uuid.UUID{}
	for _, r := range res.Reasons {
		byReason[r.Reason] = r.PolicyUUIDs
		assert.Equal(t, []models.EnterpriseAdmin{{Email: "admin@example.com", LmsUserID: policytest.Int64(9)}}, r.Metadata.EnterpriseAdministrators)
		assert.NotNil(t, r.UserMessage)
	}
	require.Len(t, res.Reasons, 3)
	assert.Equal(t, []uuid.UUID{a.UUID}, byReason[models.ReasonNotEnoughValueInSubsidy])
	assert.Equal(t, []uuid.UUID{b.UUID}, byReason[models.ReasonContentNotInCatalog])
	assert.Equal(t, []uuid.UUID{c.UUID}, byReason[models.ReasonLearnerNoLicense])
}

func TestCanRedeemSkipsEvaluationAfterSuccessfulRedemption(t *testing.T) {
	f := newFixture()
	rec := record(models.PolicyTypePerLearnerSpendCredit)
	f.catalog.Prices[courseKey] = 4999
	f.catalog.Prices["other"] = 100
	tx := f.ledger.AddTransaction(rec.UUID, 1234, courseKey, -4999)

	out, err := f.evaluation(rec).CanRedeem(context.Background(), rec.EnterpriseCustomerUUID, 1234, []string{courseKey, "other"})
	require.NoError(t, err)
	require.Len(t, out, 2)

	redeemed := out[0]
	assert.True(t, redeemed.HasSuccessfulRedemption)
	assert.False(t, redeemed.CanRedeem)
	assert.Empty(t, redeemed.Reasons)
	require.Len(t, redeemed.Redemptions, 1)
	assert.Equal(t, tx.UUID, redeemed.Redemptions[0].UUID)
	require.NotNil(t, redeemed.ListPrice)
	assert.Equal(t, int64(4999), redeemed.ListPrice.USDCents)

	assert.False(t, out[1].HasSuccessfulRedemption)
	assert.Equal(t, 1, f.ledger.CanRedeemCalls, "only the unredeemed key is evaluated")
}

func TestCanRedeemNullPrice(t *testing.T) {
	f := newFixture()
	rec := record(models.PolicyTypePerLearnerSpendCredit)

	_, err := f.evaluation(rec).CanRedeem(context.Background(), rec.EnterpriseCustomerUUID, 1, []string{"unpriced"})
	var priceErr *policy.ContentPriceNullError
	require.ErrorAs(t, err, &priceErr)
}

func TestCanRedeemLedgerListFailure(t *testing.T) {
	f := newFixture()
	rec := record(models.PolicyTypePerLearnerSpendCredit)
	f.ledger.ListErr = assert.AnError

	_, err := f.evaluation(rec).CanRedeem(context.Background(), rec.EnterpriseCustomerUUID, 1, []string{courseKey})
	var apiErr *LedgerAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, rec.UUID, apiErr.PolicyUUID)
}

func TestListPriceFromCents(t *testing.T) {
	assert.Equal(t, json.Number("0.00"), ListPriceFromCents(0).USD)
	assert.Equal(t, json.Number("0.05"), ListPriceFromCents(5).USD)
	assert.Equal(t, json.Number("1234.50"), ListPriceFromCents(123450).USD)
}
