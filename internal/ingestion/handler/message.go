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

// MessageHandler decodes inbound billing messages and hands them to the screening service.
type MessageHandler struct {
	service MessageService
}

// NewMessageHandler creates a new billing message handler
func NewMessageHandler(service MessageService) *MessageHandler {
	return &MessageHandler{service: service}
}

// HandleEvent processes one v1.billing.messages event
func (h *MessageHandler) HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error {
	ctx = tenant.WithRequestID(ctx, uuid.NewString())
	log := logger.FromContext(ctx)

	if eventType != model.V1BillingMessages {
		log.Error("Unsupported event type for message handler", zap.String("eventType", string(eventType)))
		return apperrors.NewFatal(fmt.Errorf("unsupported event type: %s", eventType), "unsupported event type")
	}

	var payload model.InboundMessagePayload
	if err := json.Unmarshal(rawEvent, &payload); err != nil {
		log.Error("Failed to unmarshal billing message payload", zap.Error(err))
		return apperrors.NewFatal(apperrors.ErrBadPayload, "failed to unmarshal billing message payload: %v", err)
	}

	ctx = tenant.WithMessageID(ctx, payload.MessageID)
	logger.FromContext(ctx).Info("Processing billing message", zap.String("sender", payload.Sender))

	return h.service.ProcessMessage(ctx, payload, metadata.ToLastMetadata())
}
