package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// maxSequenceAttempts bounds how often AppendAudit recomputes the next sequence after
// losing the unique (message_id, sequence) race.
const maxSequenceAttempts = 5

// AppendAudit inserts entry with the next per-message sequence number.
func (r *PostgresRepo) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}
	if entry.CompanyID == "" {
		entry.CompanyID = companyID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utils.Now()
	}

	table := r.tableName("audit_entries")
	query := fmt.Sprintf(`INSERT INTO %s
	(message_id, sequence, company_id, run_id, stage, decision, confidence, reasoning, details, created_at)
SELECT ?, COALESCE(MAX(sequence), 0) + 1, ?, ?, ?, ?, ?, ?, ?, ?
FROM %s WHERE message_id = ?
RETURNING id, sequence`, table, table)

	operation := func() error {
		var lastErr error
		for attempt := 1; attempt <= maxSequenceAttempts; attempt++ {
			row := r.db.WithContext(ctx).Raw(query,
				entry.MessageID, entry.CompanyID, entry.RunID, entry.Stage, entry.Decision,
				entry.Confidence, entry.Reasoning, entry.Details, entry.CreatedAt,
				entry.MessageID,
			).Row()
			lastErr = row.Scan(&entry.ID, &entry.Sequence)
			if lastErr == nil {
				return nil
			}
			if !isUniqueViolation(lastErr) {
				return checkConstraintViolation(lastErr)
			}
			logger.FromContext(ctx).Debug("Audit sequence taken, recomputing",
				zap.String("message_id", entry.MessageID), zap.Int("attempt", attempt))
		}
		return fmt.Errorf("%w: audit sequence for %s still contended after %d attempts: %w",
			apperrors.ErrConflict, entry.MessageID, maxSequenceAttempts, lastErr)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "AppendAudit", operation)
	observer.ObserveDbOperationDuration("append", "audit", companyID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to append audit entry",
			zap.String("message_id", entry.MessageID), zap.String("stage", string(entry.Stage)), zap.Error(err))
		return err
	}
	return nil
}

// ReadAudit returns every entry of the message in append order.
func (r *PostgresRepo) ReadAudit(ctx context.Context, messageID string) ([]model.AuditEntry, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var entries []model.AuditEntry
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("message_id = ? AND company_id = ?", messageID, companyID).
			Order("sequence ASC, id ASC").
			Find(&entries)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "ReadAudit", operation)
	observer.ObserveDbOperationDuration("find", "audit", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LatestFinalDecision returns the most recent final_decision entry of the message.
func (r *PostgresRepo) LatestFinalDecision(ctx context.Context, messageID string) (*model.AuditEntry, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var entry model.AuditEntry
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("message_id = ? AND company_id = ? AND stage = ?", messageID, companyID, model.StageFinalDecision).
			Order("sequence DESC").
			Take(&entry)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "LatestFinalDecision", operation)
	observer.ObserveDbOperationDuration("find_final", "audit", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
