// Package enrichment looks up public contact details of a vendor.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

const defaultTimeout = 15 * time.Second

// Result is what the search found for a vendor name. Every field may be empty.
type Result struct {
	Phone      string  `json:"phone"`
	Address    string  `json:"address"`
	Domain     string  `json:"domain"`
	Confidence float64 `json:"confidence"`
}

// Empty reports whether the search found nothing usable.
func (r *Result) Empty() bool {
	return r == nil || (r.Phone == "" && r.Address == "" && r.Domain == "")
}

// Client searches for vendor contact details. A nil Result with a nil error means
// nothing was found.
type Client interface {
	Search(ctx context.Context, name string) (*Result, error)
}

// HTTPClient implements Client against POST {url}/search.
type HTTPClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// NewHTTPClient creates a search client from cfg.
func NewHTTPClient(cfg config.HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimRight(cfg.URL, "/") + "/search",
		apiKey:     cfg.APIKey,
	}
}

type searchRequest struct {
	Name string `json:"name"`
}

// Search implements Client. A 404 is an absent result, every other failure wraps
// apperrors.ErrDependency.
func (c *HTTPClient) Search(ctx context.Context, name string) (*Result, error) {
	var res Result
	err := utils.PostJSON(ctx, c.httpClient, c.endpoint, c.apiKey, searchRequest{Name: name}, &res)
	if err != nil {
		var statusErr *utils.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: search: %w", apperrors.ErrDependency, err)
	}
	if res.Empty() {
		return nil, nil
	}
	res.Domain = strings.ToLower(strings.TrimSpace(res.Domain))
	if res.Confidence < 0 {
		res.Confidence = 0
	} else if res.Confidence > 1 {
		res.Confidence = 1
	}
	return &res, nil
}
