package healthcheck

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

const readyCheckTimeout = 2 * time.Second

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// AuditReader is the read side of the audit log.
type AuditReader interface {
	ReadAudit(ctx context.Context, messageID string) ([]model.AuditEntry, error)
}

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger
	companyID  string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// AuditResponse is the body of GET /v1/messages/{id}/audit.
type AuditResponse struct {
	MessageID string             `json:"message_id"`
	Entries   []model.AuditEntry `json:"entries"`
}

// NewServer creates a new health check server for companyID
func NewServer(port string, logger *zap.Logger, companyID string) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:       mux,
		logger:    logger,
		companyID: companyID,
		checks:    make(map[string]CheckFunc),
	}

	mux.HandleFunc("GET /health", server.handleHealth)
	mux.HandleFunc("GET /ready", server.handleReady)

	return server
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("GET /metrics", handler)
}

// RegisterReadinessCheck adds a dependency to /ready.
func (s *Server) RegisterReadinessCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// RegisterAuditHandler exposes the audit log of one message.
func (s *Server) RegisterAuditHandler(reader AuditReader) {
	s.logger.Info("Registering audit read endpoint")
	s.mux.HandleFunc("GET /v1/messages/{id}/audit", func(w http.ResponseWriter, r *http.Request) {
		s.handleAudit(w, r, reader)
	})
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: "1.0.0",
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady runs every registered check; any failure makes the instance unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	details := map[string]string{"timestamp": utils.FormatISO8601(utils.Now())}
	status, code := "READY", http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			details[name] = err.Error()
			status, code = "NOT_READY", http.StatusServiceUnavailable
			continue
		}
		details[name] = "ok"
	}
	s.mu.RUnlock()

	utils.WriteJSONResponse(w, code, HealthResponse{Status: status, Details: details})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, reader AuditReader) {
	messageID := r.PathValue("id")
	if messageID == "" {
		utils.WriteJSONError(w, http.StatusBadRequest, "message id is required")
		return
	}

	ctx := tenant.WithCompanyID(r.Context(), s.companyID)
	entries, err := reader.ReadAudit(ctx, messageID)
	if err != nil {
		s.logger.Error("Failed to read audit log", zap.String("message_id", messageID), zap.Error(err))
		utils.WriteJSONError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if len(entries) == 0 {
		utils.WriteJSONError(w, http.StatusNotFound, "no audit entries for message")
		return
	}

	utils.WriteJSONResponse(w, http.StatusOK, AuditResponse{MessageID: messageID, Entries: entries})
}
