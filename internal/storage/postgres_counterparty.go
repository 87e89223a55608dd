package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// FindCounterparty looks up the trusted store by normalized vendor name, then by domain.
func (r *PostgresRepo) FindCounterparty(ctx context.Context, vendorName, senderDomain string) (*model.Counterparty, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	startTime := utils.Now()
	cp, err := r.findCounterparty(ctx, companyID, model.NormalizeName(vendorName), strings.ToLower(strings.TrimSpace(senderDomain)))
	observer.ObserveDbOperationDuration("find", "counterparty", companyID, time.Since(startTime), err)
	return cp, err
}

func (r *PostgresRepo) findCounterparty(ctx context.Context, companyID, name, domain string) (*model.Counterparty, error) {
	lookups := []struct {
		column, value string
	}{
		{"normalized_name", name},
		{"domain", domain},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var cp model.Counterparty
		operation := func() error {
			result := r.db.WithContext(ctx).
				Where("company_id = ? AND "+l.column+" = ?", companyID, l.value).
				Order("id ASC").
				Take(&cp)
			return checkConstraintViolation(result.Error)
		}
		err := retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindCounterparty", operation)
		if err == nil {
			return &cp, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no counterparty for name %q or domain %q", apperrors.ErrNotFound, name, domain)
}
