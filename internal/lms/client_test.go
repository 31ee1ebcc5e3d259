package lms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterpriseaccess/backend/internal/httpx"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api, err := httpx.New(httpx.Config{Name: "lms", BaseURL: srv.URL})
	require.NoError(t, err)
	return NewClient(api)
}

func TestEnterpriseContainsLearner(t *testing.T) {
	ent := uuid.New()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ent.String(), r.URL.Query().Get("enterprise_customer_uuid"))
		if r.URL.Query().Get("user_ids") == "1234" {
			_, _ = w.Write([]byte(`{"count":1,"results":[{"id":1}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"count":0,"results":[]}`))
	}))

	ok, err := c.EnterpriseContainsLearner(context.Background(), ent, 1234)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.EnterpriseContainsLearner(context.Background(), ent, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnterpriseCustomerDataAdmins(t *testing.T) {
	ent := uuid.New()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"uuid":"` + ent.String() + `","slug":"acme","admin_users":[{"email":"admin@acme.example","lms_user_id":5}]}`))
	}))

	customer, err := c.EnterpriseCustomerData(context.Background(), ent)
	require.NoError(t, err)
	require.Len(t, customer.Admins, 1)
	assert.Equal(t, "admin@acme.example", customer.Admins[0].Email)
}

func TestCreatePendingEnterpriseUsers(t *testing.T) {
	ent := uuid.New()
	var got []map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	require.NoError(t, c.CreatePendingEnterpriseUsers(context.Background(), ent, []string{"a@example.com", "b@example.com"}))
	require.Len(t, got, 2)
	assert.Equal(t, ent.String(), got[0]["enterprise_customer"])
	assert.Equal(t, "b@example.com", got[1]["user_email"])
}
