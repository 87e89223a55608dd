package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

func TestHTTPProvider_PlaceCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calls", r.URL.Path)

		var req CallRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "+15550001111", req.Destination)
		assert.Equal(t, "session-1", req.IdempotencyKey)
		assert.Equal(t, "Acme", req.Variables["email_vendor_name"])

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"session_id":"ext-9","provider":"voice"}`))
	}))
	defer srv.Close()

	provider := NewHTTPProvider(config.HTTPClientConfig{URL: srv.URL})
	placed, err := provider.PlaceCall(context.Background(), CallRequest{
		Destination:    "+15550001111",
		Variables:      model.VariableSet{"email_vendor_name": "Acme"},
		IdempotencyKey: "session-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ext-9", placed.SessionID)
	assert.Equal(t, "voice", placed.Provider)
}

func TestHTTPProvider_PlaceCall_Failures(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"error":"bad destination"}`},
		{name: "missing session id", status: http.StatusOK, body: `{}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			placed, err := NewHTTPProvider(config.HTTPClientConfig{URL: srv.URL}).PlaceCall(context.Background(), CallRequest{Destination: "+15550001111"})
			assert.Nil(t, placed)
			assert.True(t, apperrors.IsDependencyError(err))
		})
	}
}
