package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
)

func TestHTTPClient_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req classifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Invoice 42 attached", req.Text)

		_, _ = w.Write([]byte(`{"category":" Invoice ","confidence":0.93,"reasoning":"mentions invoice"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(config.HTTPClientConfig{URL: srv.URL + "/", APIKey: "secret"})
	res, err := client.Classify(context.Background(), "Invoice 42 attached")
	require.NoError(t, err)
	assert.Equal(t, "invoice", res.Category)
	assert.InDelta(t, 0.93, res.Confidence, 1e-9)
	assert.Equal(t, "mentions invoice", res.Reasoning)
}

func TestHTTPClient_Classify_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model unavailable", http.StatusServiceUnavailable)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"category":`))
			},
		},
		{
			name: "confidence out of range",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"category":"invoice","confidence":1.7}`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				time.Sleep(200 * time.Millisecond)
				_, _ = w.Write([]byte(`{"category":"invoice","confidence":0.9}`))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			client := NewHTTPClient(config.HTTPClientConfig{URL: srv.URL, Timeout: 50 * time.Millisecond})
			res, err := client.Classify(context.Background(), "text")
			assert.Nil(t, res)
			assert.True(t, apperrors.IsDependencyError(err), "got %v", err)
		})
	}
}
