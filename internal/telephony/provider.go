// Package telephony places outbound verification calls.
package telephony

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

const defaultTimeout = 20 * time.Second

// CallRequest is everything the calling agent needs.
type CallRequest struct {
	Destination string            `json:"destination"`
	Variables   model.VariableSet `json:"variables"`
	// IdempotencyKey is our call session id; providers that honor it never place a
	// second call for the same key.
	IdempotencyKey string `json:"idempotency_key"`
}

// PlacedCall is the provider's acknowledgement of a queued call.
type PlacedCall struct {
	SessionID string `json:"session_id"`
	Provider  string `json:"provider,omitempty"`
}

// Provider places calls. The outcome arrives later on the outcome subject.
type Provider interface {
	PlaceCall(ctx context.Context, req CallRequest) (*PlacedCall, error)
}

// HTTPProvider implements Provider against POST {url}/calls.
type HTTPProvider struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewHTTPProvider creates a call-placing client from cfg.
func NewHTTPProvider(cfg config.HTTPClientConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProvider{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/calls",
		apiKey:     cfg.APIKey,
	}
}

// PlaceCall implements Provider. Every failure wraps apperrors.ErrDependency.
func (p *HTTPProvider) PlaceCall(ctx context.Context, req CallRequest) (*PlacedCall, error) {
	var placed PlacedCall
	if err := utils.PostJSON(ctx, p.httpClient, p.endpoint, p.apiKey, req, &placed); err != nil {
		return nil, fmt.Errorf("%w: place call: %w", apperrors.ErrDependency, err)
	}
	if placed.SessionID == "" {
		return nil, fmt.Errorf("%w: place call: provider returned no session id", apperrors.ErrDependency)
	}
	return &placed, nil
}
