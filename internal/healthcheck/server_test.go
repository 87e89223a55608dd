package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
)

func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Health(t *testing.T) {
	s := NewServer("0", zaptest.NewLogger(t), "acme")

	rec := serve(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "UP", resp.Status)
}

func TestServer_Ready(t *testing.T) {
	s := NewServer("0", zaptest.NewLogger(t), "acme")
	s.RegisterReadinessCheck("database", func(context.Context) error { return nil })

	rec := serve(t, s, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.RegisterReadinessCheck("nats", func(context.Context) error { return errors.New("nats: disconnected") })
	rec = serve(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_READY", resp.Status)
	assert.Equal(t, "ok", resp.Details["database"])
	assert.Equal(t, "nats: disconnected", resp.Details["nats"])
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer("0", zaptest.NewLogger(t), "acme")
	s.RegisterMetricsHandler(promhttp.Handler())

	rec := serve(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_Audit(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := tenant.WithCompanyID(context.Background(), "acme")
	for _, stage := range []model.Stage{model.StageKeywordFilter, model.StageClassification, model.StageFinalDecision} {
		require.NoError(t, store.AppendAudit(ctx, &model.AuditEntry{MessageID: "m-1", RunID: "r-1", Stage: stage, Decision: true}))
	}

	s := NewServer("0", zaptest.NewLogger(t), "acme")
	s.RegisterAuditHandler(store)

	rec := serve(t, s, "/v1/messages/m-1/audit")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-1", resp.MessageID)
	require.Len(t, resp.Entries, 3)
	for i, e := range resp.Entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, model.StageFinalDecision, resp.Entries[2].Stage)

	rec = serve(t, s, "/v1/messages/unknown/audit")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type failingReader struct{}

func (failingReader) ReadAudit(context.Context, string) ([]model.AuditEntry, error) {
	return nil, errors.New("connection reset")
}

func TestServer_Audit_StoreError(t *testing.T) {
	s := NewServer("0", zaptest.NewLogger(t), "acme")
	s.RegisterAuditHandler(failingReader{})

	rec := serve(t, s, "/v1/messages/m-1/audit")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
