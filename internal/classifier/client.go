// Package classifier calls the message classification model over HTTP.
package classifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

const defaultTimeout = 10 * time.Second

// Result is the model's verdict on one message.
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Client classifies message text.
type Client interface {
	Classify(ctx context.Context, text string) (*Result, error)
}

// HTTPClient implements Client against POST {url}/classify.
type HTTPClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewHTTPClient creates a classifier client from cfg.
func NewHTTPClient(cfg config.HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/classify",
		apiKey:     cfg.APIKey,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify implements Client. Every failure wraps apperrors.ErrDependency.
func (c *HTTPClient) Classify(ctx context.Context, text string) (*Result, error) {
	var res Result
	if err := utils.PostJSON(ctx, c.httpClient, c.endpoint, c.apiKey, classifyRequest{Text: text}, &res); err != nil {
		return nil, fmt.Errorf("%w: classifier: %w", apperrors.ErrDependency, err)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("%w: classifier returned confidence %v outside [0,1]", apperrors.ErrDependency, res.Confidence)
	}
	res.Category = strings.ToLower(strings.TrimSpace(res.Category))
	return &res, nil
}
