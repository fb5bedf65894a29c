package echoapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/darasahq/darasa/core/billing"
	"github.com/darasahq/darasa/core/user"
)

func Test_billingApi_webhook(t *testing.T) {
	env := initServer(t)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)

	event := func(id, typ string) []byte {
		return marchallObj(t, billing.Event{ID: id, Type: typ, UserID: student.ID})
	}

	tests := []httpTest{
		{
			name:     "activation",
			path:     "/v1/billing/webhooks/stripe",
			body:     event("evt-1", billing.EventActivated),
			wantCode: http.StatusNoContent,
		},
		{
			name:     "duplicate delivery is acknowledged",
			path:     "/v1/billing/webhooks/stripe",
			body:     event("evt-1", billing.EventDeactivated),
			wantCode: http.StatusNoContent,
		},
		{
			name:     "unknown event type",
			path:     "/v1/billing/webhooks/stripe",
			body:     event("evt-2", "invoice.created"),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown provider",
			path:     "/v1/billing/webhooks/shadypay",
			body:     event("evt-3", billing.EventActivated),
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing event ID",
			path:     "/v1/billing/webhooks/stripe",
			body:     marchallObj(t, billing.Event{Type: billing.EventActivated, UserID: student.ID}),
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newRequest(http.MethodPost, tt.path, tt.body)
			env.server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}

	// the duplicate deactivation did not override the activation
	token := getToken(t, student)
	req, rec := newAuthRequest(http.MethodGet, "/v1/billing/subscription", token)
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	var sub billing.Subscription
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.True(t, sub.Active)
}

func Test_billingApi_subscription(t *testing.T) {
	env := initServer(t)
	student := createUser(t, env.usrRepo, "Jane Doe", "jane", "jane@test.localhost", "pwd", user.StudentRoles, true)

	t.Run("auth required", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/billing/subscription")
		env.server.ServeHTTP(rec, req)
		tt := httpTest{wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)}
		checkCodeAndData(t, tt, rec)
	})

	t.Run("no subscription on record", func(t *testing.T) {
		req, rec := newAuthRequest(http.MethodGet, "/v1/billing/subscription", getToken(t, student))
		env.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		var sub billing.Subscription
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
		assert.Equal(t, student.ID, sub.UserID)
		assert.False(t, sub.Active)
	})
}
