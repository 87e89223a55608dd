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

// CreateCallSession inserts a new session.
func (r *PostgresRepo) CreateCallSession(ctx context.Context, session *model.CallSession) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}
	if session.CompanyID == "" {
		session.CompanyID = companyID
	}

	operation := func() error {
		return checkConstraintViolation(r.db.WithContext(ctx).Create(session).Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "CreateCallSession", operation)
	observer.ObserveDbOperationDuration("insert", "call_session", companyID, time.Since(startTime), err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to create call session",
			zap.String("session_id", session.ID), zap.String("message_id", session.MessageID), zap.Error(err))
		return err
	}
	return nil
}

// MarkCallSessionPlaced stores the provider's session id on an initiated session.
func (r *PostgresRepo) MarkCallSessionPlaced(ctx context.Context, sessionID, externalSessionID string) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}

	var affected int64
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.CallSession{}).
			Where("id = ? AND company_id = ? AND status = ?", sessionID, companyID, model.CallInitiated).
			Updates(map[string]interface{}{
				"external_session_id": externalSessionID,
				"updated_at":          utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		affected = result.RowsAffected
		return nil
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, defaultRetryMaxElapsedTime), "MarkCallSessionPlaced", operation)
	observer.ObserveDbOperationDuration("update", "call_session", companyID, time.Since(startTime), err)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: call session %s is no longer %s", apperrors.ErrConflict, sessionID, model.CallInitiated)
	}
	return nil
}

// UpdateCallSessionStatus moves a session that has not terminated yet.
func (r *PostgresRepo) UpdateCallSessionStatus(ctx context.Context, sessionID string, status model.CallSessionStatus, reason string, at time.Time) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": utils.Now(),
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	if status.IsTerminal() {
		updates["completed_at"] = at
	}

	startTime := utils.Now()
	result := r.db.WithContext(ctx).Model(&model.CallSession{}).
		Where("id = ? AND company_id = ? AND status NOT IN ?", sessionID, companyID,
			[]model.CallSessionStatus{model.CallCompleted, model.CallFailed}).
		Updates(updates)
	err = checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("update_status", "call_session", companyID, time.Since(startTime), err)
	if err != nil {
		return false, err
	}
	return result.RowsAffected == 1, nil
}

// FindCallSession loads a session by its own id.
func (r *PostgresRepo) FindCallSession(ctx context.Context, sessionID string) (*model.CallSession, error) {
	return r.findCallSession(ctx, "FindCallSession", "id = ?", sessionID)
}

// FindCallSessionByExternalID loads a session by the provider's session id.
func (r *PostgresRepo) FindCallSessionByExternalID(ctx context.Context, externalSessionID string) (*model.CallSession, error) {
	return r.findCallSession(ctx, "FindCallSessionByExternalID", "external_session_id = ?", externalSessionID)
}

// FindLatestCallSession returns the newest session created for the message.
func (r *PostgresRepo) FindLatestCallSession(ctx context.Context, messageID string) (*model.CallSession, error) {
	return r.findCallSession(ctx, "FindLatestCallSession", "message_id = ?", messageID)
}

func (r *PostgresRepo) findCallSession(ctx context.Context, opName, cond, value string) (*model.CallSession, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var session model.CallSession
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where(cond, value).
			Where("company_id = ?", companyID).
			Order("initiated_at DESC").
			Take(&session)
		return checkConstraintViolation(result.Error)
	}

	startTime := utils.Now()
	err = retryableOperation(ctx, newRetryPolicy(ctx, readRetryMaxElapsedTime), opName, operation)
	observer.ObserveDbOperationDuration("find", "call_session", companyID, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
