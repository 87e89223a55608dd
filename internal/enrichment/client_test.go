package enrichment

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
)

func newServer(t *testing.T, status int, body string) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Acme Supplies", req.Name)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.HTTPClientConfig{URL: srv.URL})
}

func TestHTTPClient_Search(t *testing.T) {
	client := newServer(t, http.StatusOK, `{"phone":"+15550002222","address":"1 Main St","domain":"ACME.example","confidence":0.8}`)

	res, err := client.Search(context.Background(), "Acme Supplies")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "+15550002222", res.Phone)
	assert.Equal(t, "acme.example", res.Domain)
	assert.InDelta(t, 0.8, res.Confidence, 1e-9)
}

func TestHTTPClient_Search_Absent(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		res, err := newServer(t, http.StatusNotFound, `{"error":"no match"}`).Search(context.Background(), "Acme Supplies")
		assert.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("empty result", func(t *testing.T) {
		res, err := newServer(t, http.StatusOK, `{"confidence":0.1}`).Search(context.Background(), "Acme Supplies")
		assert.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestHTTPClient_Search_DependencyError(t *testing.T) {
	res, err := newServer(t, http.StatusBadGateway, `upstream down`).Search(context.Background(), "Acme Supplies")
	assert.Nil(t, res)
	assert.True(t, apperrors.IsDependencyError(err))
	assert.ErrorContains(t, err, "502")
}
