package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// OutcomeHandler decodes call outcomes published by the call-placing service.
type OutcomeHandler struct {
	service OutcomeService
}

// NewOutcomeHandler creates a new call outcome handler
func NewOutcomeHandler(service OutcomeService) *OutcomeHandler {
	return &OutcomeHandler{service: service}
}

// HandleEvent processes one v1.calls.outcome event
func (h *OutcomeHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx)

	if eventType != model.V1CallOutcome {
		log.Error("Unsupported event type for outcome handler", zap.String("eventType", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported event type: %s", eventType), "unsupported event type")
	}

	var payload model.CallOutcomePayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		log.Error("Failed to unmarshal call outcome payload", zap.Error(err))
		return apperrors.NewFatal(apperrors.ErrBadPayload, "failed to unmarshal call outcome payload: %v", err)
	}

	ctx = tenant.WithMessageID(ctx, payload.MessageID)
	result, err := h.service.ApplyOutcome(ctx, payload)
	if err != nil {
		return err
	}
	log.Debug("Call outcome handled",
		zap.String("session_id", payload.SessionID),
		zap.String("result", string(result)),
		zap.Uint64("num_delivered", metadata.NumDelivered))
	return nil
}
