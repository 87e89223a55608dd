package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/ingestion/handler"
	mockhandler "gitlab.com/timkado/api/billing-verify-processor/internal/ingestion/handler/mock"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

func setupHandlerTest(t *testing.T, subject string) (context.Context, *model.MessageMetadata) {
	ctx := logger.WithLogger(context.Background(), zaptest.NewLogger(t))
	ctx = tenant.WithCompanyID(ctx, "test-company")
	metadata := &model.MessageMetadata{
		MessageID:      "nats-msg-1",
		MessageSubject: subject,
		CompanyID:      "test-company",
		Timestamp:      time.Now(),
		Stream:         "test-stream",
		Consumer:       "test-consumer",
		StreamSequence: 7,
		NumDelivered:   1,
	}
	return ctx, metadata
}

func TestMessageHandler_HandleEvent(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.billing.messages.test-company")
	payload := model.NewInboundMessagePayload()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	svc := new(mockhandler.MessageServiceMock)
	svc.On("ProcessMessage",
		mock.MatchedBy(func(c context.Context) bool {
			id, err := tenant.FromMessageIDContext(c)
			return err == nil && id == payload.MessageID
		}),
		*payload,
		mock.MatchedBy(func(m *model.LastMetadata) bool {
			return m.StreamSequence == 7 && m.CompanyID == "test-company"
		}),
	).Return(nil)

	h := handler.NewMessageHandler(svc)
	assert.NoError(t, h.HandleEvent(ctx, model.V1BillingMessages, metadata, raw))
	svc.AssertExpectations(t)
}

func TestMessageHandler_HandleEvent_BadJSON(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.billing.messages.test-company")
	svc := new(mockhandler.MessageServiceMock)

	err := handler.NewMessageHandler(svc).HandleEvent(ctx, model.V1BillingMessages, metadata, []byte(`{"message_id":`))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.ErrorIs(t, err, apperrors.ErrBadPayload)
	svc.AssertNotCalled(t, "ProcessMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestMessageHandler_HandleEvent_WrongType(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.calls.outcome.test-company")
	svc := new(mockhandler.MessageServiceMock)

	err := handler.NewMessageHandler(svc).HandleEvent(ctx, model.V1CallOutcome, metadata, []byte(`{}`))
	assert.True(t, apperrors.IsFatal(err))
}

func TestMessageHandler_HandleEvent_ServiceErrorPassesThrough(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.billing.messages.test-company")
	raw, _ := json.Marshal(model.NewInboundMessagePayload())
	retryable := apperrors.NewRetryable(errors.New("db down"), "SaveMessage failed")

	svc := new(mockhandler.MessageServiceMock)
	svc.On("ProcessMessage", mock.Anything, mock.Anything, mock.Anything).Return(retryable)

	err := handler.NewMessageHandler(svc).HandleEvent(ctx, model.V1BillingMessages, metadata, raw)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestOutcomeHandler_HandleEvent(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.calls.outcome.test-company")
	payload := model.NewCallOutcomePayload("msg-1", "ext-1")
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	svc := new(mockhandler.OutcomeServiceMock)
	svc.On("ApplyOutcome", mock.Anything, mock.MatchedBy(func(p model.CallOutcomePayload) bool {
		return p.SessionID == "ext-1" && p.MessageID == "msg-1" && p.Status == model.CallCompleted
	})).Return(model.ReconcileLegitimate, nil)

	h := handler.NewOutcomeHandler(svc)
	assert.NoError(t, h.HandleEvent(ctx, model.V1CallOutcome, metadata, raw))
	svc.AssertExpectations(t)
}

func TestOutcomeHandler_HandleEvent_Errors(t *testing.T) {
	ctx, metadata := setupHandlerTest(t, "v1.calls.outcome.test-company")

	t.Run("bad json", func(t *testing.T) {
		svc := new(mockhandler.OutcomeServiceMock)
		err := handler.NewOutcomeHandler(svc).HandleEvent(ctx, model.V1CallOutcome, metadata, []byte(`nope`))
		assert.ErrorIs(t, err, apperrors.ErrBadPayload)
		svc.AssertNotCalled(t, "ApplyOutcome", mock.Anything, mock.Anything)
	})

	t.Run("unknown session is retried", func(t *testing.T) {
		raw, _ := json.Marshal(model.NewCallOutcomePayload("msg-1", "ext-404"))
		svc := new(mockhandler.OutcomeServiceMock)
		svc.On("ApplyOutcome", mock.Anything, mock.Anything).
			Return(model.ReconcileResult(""), apperrors.NewRetryable(apperrors.ErrNotFound, "call session ext-404"))

		err := handler.NewOutcomeHandler(svc).HandleEvent(ctx, model.V1CallOutcome, metadata, raw)
		assert.True(t, apperrors.IsRetryable(err))
	})
}
