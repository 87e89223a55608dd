package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// SaveMessage inserts msg, leaving an existing record with the same message_id untouched.
func (r *PostgresRepo) SaveMessage(ctx context.Context, msg *model.Message) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}
	if msg.CompanyID != companyID {
		return false, fmt.Errorf("%w: message CompanyID %s does not match tenant ID %s", apperrors.ErrValidation, msg.CompanyID, companyID)
	}

	var created bool
	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}},
			DoNothing: true,
		}).Create(msg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		created = result.RowsAffected == 1
		return nil
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "SaveMessage", operation)
	observer.ObserveDbOperationDuration("insert", "message", companyID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save message after retries", zap.String("message_id", msg.MessageID), zap.Error(err))
		return false, err
	}
	return created, nil
}

// FindMessageByID loads one message of the current tenant.
func (r *PostgresRepo) FindMessageByID(ctx context.Context, messageID string) (*model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var msg model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("message_id = ? AND company_id = ?", messageID, companyID).
			Take(&msg)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindMessageByID", operation)
	observer.ObserveDbOperationDuration("find", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SaveScreeningResult persists the screening outcome. Only a message that is still
// received is updated, so a late duplicate run never overwrites a call state.
func (r *PostgresRepo) SaveScreeningResult(ctx context.Context, msg *model.Message) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}
	msg.UpdatedAt = utils.Now()

	var affected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("message_id = ? AND company_id = ? AND status = ?", msg.MessageID, companyID, model.StatusReceived).
			Select(model.ScreeningUpdatableFields()).
			Updates(msg)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "SaveScreeningResult", operation)
	observer.ObserveDbOperationDuration("update", "message", companyID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to save screening result", zap.String("message_id", msg.MessageID), zap.Error(err))
		return err
	}
	if affected == 0 {
		logger.FromContext(ctx).Warn("Screening result not applied, message already left received",
			zap.String("message_id", msg.MessageID))
	}
	return nil
}

// ClaimCall is the single synchronization point for placing a call. Only an unclaimed
// call_needed message can be claimed.
func (r *PostgresRepo) ClaimCall(ctx context.Context, messageID string, now time.Time) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}

	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("message_id = ? AND company_id = ? AND status = ? AND call_claimed_at IS NULL", messageID, companyID, model.StatusCallNeeded).
		Updates(map[string]interface{}{
			"call_claimed_at": now,
			"status":          model.StatusCallActive,
			"updated_at":      now,
		})
	err = checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("claim", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// RecordCallPlaced links the claimed message to its call session.
func (r *PostgresRepo) RecordCallPlaced(ctx context.Context, messageID, sessionID string, metadata model.CallMetadata) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}

	var affected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("message_id = ? AND company_id = ? AND status = ?", messageID, companyID, model.StatusCallActive).
			Where("call_session_id IS NULL OR call_session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"call_session_id": sessionID,
				"call_metadata":   model.MustJSON(metadata),
				"updated_at":      utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "RecordCallPlaced", operation)
	observer.ObserveDbOperationDuration("update", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s is no longer %s", apperrors.ErrConflict, messageID, model.StatusCallActive)
	}
	return nil
}

// RevertClaim releases a claim whose call never reached the telephony provider.
func (r *PostgresRepo) RevertClaim(ctx context.Context, messageID string) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}

	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("message_id = ? AND company_id = ? AND status = ? AND call_session_id IS NULL",
			messageID, companyID, model.StatusCallActive).
		Updates(map[string]interface{}{
			"call_claimed_at": nil,
			"status":          model.StatusCallNeeded,
			"updated_at":      utils.Now(),
		})
	err = checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("revert_claim", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// UpdateStatus moves a message from one status to another and reports whether it was
// still in the expected status.
func (r *PostgresRepo) UpdateStatus(ctx context.Context, messageID string, from, to model.MessageStatus) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}

	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("message_id = ? AND company_id = ? AND status = ?", messageID, companyID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": utils.Now(),
		})
	err = checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("update_status", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// ApplyVerification stores the call verdict exactly once.
func (r *PostgresRepo) ApplyVerification(ctx context.Context, messageID string, verdict model.MessageStatus, res model.VerificationResult, verifiedAt time.Time) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}

	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("message_id = ? AND company_id = ? AND status = ? AND verified_at IS NULL",
			messageID, companyID, model.StatusCallActive).
		Updates(map[string]interface{}{
			"status":              verdict,
			"verified_at":         verifiedAt,
			"verification_result": model.MustJSON(res),
			"updated_at":          utils.Now(),
		})
	err = checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("verify", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// FindExpiredClaims lists in-flight calls claimed before cutoff, oldest first.
func (r *PostgresRepo) FindExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var msgs []model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("company_id = ? AND status = ? AND call_claimed_at < ? AND verified_at IS NULL",
				companyID, model.StatusCallActive, cutoff).
			Order("call_claimed_at ASC").
			Limit(limit).
			Find(&msgs)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindExpiredClaims", operation)
	observer.ObserveDbOperationDuration("find_expired", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// FindUnclaimedCalls lists unclaimed call_needed messages idle since before idleSince,
// oldest first.
func (r *PostgresRepo) FindUnclaimedCalls(ctx context.Context, idleSince time.Time, limit int) ([]model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var msgs []model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("company_id = ? AND status = ? AND call_claimed_at IS NULL AND updated_at < ?",
				companyID, model.StatusCallNeeded, idleSince).
			Order("updated_at ASC").
			Limit(limit).
			Find(&msgs)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), "FindUnclaimedCalls", operation)
	observer.ObserveDbOperationDuration("find_unclaimed", "message", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
