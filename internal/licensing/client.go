// Package licensing calls the license manager to check subscription licenses.
package licensing

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/httpx"
)

const statusActivated = "activated"

type Client struct {
	api *httpx.Client
}

func NewClient(api *httpx.Client) *Client {
	return &Client{api: api}
}

type learnerLicense struct {
	UUID   uuid.UUID `json:"uuid"`
	Status string    `json:"status"`
}

// HasActiveLicense reports whether the learner holds an activated license in
// any current subscription plan of the customer.
func (c *Client) HasActiveLicense(ctx context.Context, enterpriseCustomerUUID uuid.UUID, lmsUserID int64) (bool, error) {
	q := url.Values{}
	q.Set("enterprise_customer_uuid", enterpriseCustomerUUID.String())
	q.Set("lms_user_id", strconv.FormatInt(lmsUserID, 10))
	q.Set("active_plans_only", "true")
	q.Set("current_plans_only", "true")
	var page struct {
		Results []learnerLicense `json:"results"`
	}
	if err := c.api.GetJSON(ctx, "/api/v1/learner-licenses/", q, &page); err != nil {
		return false, err
	}
	for _, l := range page.Results {
		if l.Status == statusActivated {
			return true, nil
		}
	}
	return false, nil
}
