package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/ingestion/handler"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// MessageServiceMock is a testify mock of handler.MessageService.
type MessageServiceMock struct {
	mock.Mock
}

var _ handler.MessageService = (*MessageServiceMock)(nil)

func (m *MessageServiceMock) ProcessMessage(ctx context.Context, payload model.InboundMessagePayload, metadata *model.LastMetadata) error {
	args := m.Called(ctx, payload, metadata)
	return args.Error(0)
}

// OutcomeServiceMock is a testify mock of handler.OutcomeService.
type OutcomeServiceMock struct {
	mock.Mock
}

var _ handler.OutcomeService = (*OutcomeServiceMock)(nil)

func (m *OutcomeServiceMock) ApplyOutcome(ctx context.Context, payload model.CallOutcomePayload) (model.ReconcileResult, error) {
	args := m.Called(ctx, payload)
	result, _ := args.Get(0).(model.ReconcileResult)
	return result, args.Error(1)
}
