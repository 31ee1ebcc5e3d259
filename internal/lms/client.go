// Package lms calls the LMS enterprise API.
package lms

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/httpx"
	"github.com/enterpriseaccess/backend/internal/models"
)

type Client struct {
	api *httpx.Client
}

func NewClient(api *httpx.Client) *Client {
	return &Client{api: api}
}

type countPage struct {
	Count   int              `json:"count"`
	Results []map[string]any `json:"results"`
}

// EnterpriseContainsLearner reports whether the learner is linked to the enterprise customer.
func (c *Client) EnterpriseContainsLearner(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error) {
	q := url.Values{}
	q.Set("enterprise_customer_uuid", enterpriseCustomerUUID.String())
	q.Set("user_ids", strconv.FormatInt(lmsUserID, 10))
	var page countPage
	if err := c.api.GetJSON(ctx, "/enterprise/api/v1/enterprise-learner/", q, &page); err != nil {
		return false, err
	}
	return page.Count > 0 || len(page.Results) > 0, nil
}

// GroupContainsLearner reports whether the learner belongs to the enterprise group.
func (c *Client) GroupContainsLearner(ctx context.Context, groupUUID uuid.UUID, lmsUserID int64) (bool, error) {
	q := url.Values{}
	q.Set("lms_user_id", strconv.FormatInt(lmsUserID, 10))
	var page countPage
	if err := c.api.GetJSON(ctx, "/enterprise/api/v1/enterprise-group/"+groupUUID.String()+"/learners/", q, &page); err != nil {
		return false, err
	}
	return page.Count > 0 || len(page.Results) > 0, nil
}

// EnterpriseCustomerData fetches the customer record, including admin contacts.
func (c *Client) EnterpriseCustomerData(ctx context.Context, enterpriseCustomerUUID uuid.UUID) (*models.EnterpriseCustomer, error) {
	var out models.EnterpriseCustomer
	if err := c.api.GetJSON(ctx, "/enterprise/api/v1/enterprise-customer/"+enterpriseCustomerUUID.String()+"/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type pendingLearner struct {
	EnterpriseCustomer string `json:"enterprise_customer"`
	UserEmail          string `json:"user_email"`
}

// CreatePendingEnterpriseUsers links learner emails to the customer so that
// the learner is recognised once they register or log in.
func (c *Client) CreatePendingEnterpriseUsers(ctx context.Context, enterpriseCustomerUUID uuid.UUID, emails []string) error {
	body := make([]pendingLearner, 0, len(emails))
	for _, e := range emails {
		body = append(body, pendingLearner{EnterpriseCustomer: enterpriseCustomerUUID.String(), UserEmail: e})
	}
	return c.api.PostJSON(ctx, "/enterprise/api/v1/pending-enterprise-learner/", body, nil)
}
