package handler

import (
	"context"

	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// EventHandlerInterface defines the common interface for event handlers
type EventHandlerInterface interface {
	// HandleEvent processes an event
	HandleEvent(ctx context.Context, eventType model.EventType, metadata *model.MessageMetadata, rawEvent []byte) error
}

// MessageService screens inbound billing messages.
type MessageService interface {
	ProcessMessage(ctx context.Context, payload model.InboundMessagePayload, metadata *model.LastMetadata) error
}

// OutcomeService applies call outcomes.
type OutcomeService interface {
	ApplyOutcome(ctx context.Context, payload model.CallOutcomePayload) (model.ReconcileResult, error)
}

var _ EventHandlerInterface = (*MessageHandler)(nil)
var _ EventHandlerInterface = (*OutcomeHandler)(nil)
