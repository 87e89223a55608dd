package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	ratelimitmock "gitlab.com/timkado/api/billing-verify-processor/internal/ratelimit/mock"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/telephony"
	telephonymock "gitlab.com/timkado/api/billing-verify-processor/internal/telephony/mock"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

const testCompany = "acme"

type orchestratorFixture struct {
	ctx      context.Context
	store    *storage.MemoryStore
	provider *telephonymock.ProviderMock
	limiter  *ratelimitmock.LimiterMock
	orch     *CallOrchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	ctx := tenant.WithCompanyID(context.Background(), testCompany)
	ctx = logger.WithLogger(ctx, zaptest.NewLogger(t))

	f := &orchestratorFixture{
		ctx:      ctx,
		store:    storage.NewMemoryStore(),
		provider: new(telephonymock.ProviderMock),
		limiter:  new(ratelimitmock.LimiterMock),
	}
	f.orch = NewCallOrchestrator(f.store, f.store, f.provider, f.limiter)
	return f
}

// seed stores a message waiting for a call and returns the request to trigger it.
func (f *orchestratorFixture) seed(t *testing.T) CallRequest {
	msg := model.NewMessage(testCompany, model.StatusCallNeeded)
	created, err := f.store.SaveMessage(f.ctx, msg)
	require.NoError(t, err)
	require.True(t, created)
	return CallRequest{
		MessageID:         msg.MessageID,
		CompanyID:         testCompany,
		Destination:       "+15550001111",
		DestinationSource: "local",
		Variables:         model.VariableSet{"case_message_id": msg.MessageID},
		CounterpartyKey:   msg.CounterpartyKey(),
	}
}

func TestCallOrchestrator_Trigger_Places(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, req.CounterpartyKey).Return(true, nil)
	f.provider.On("PlaceCall", mock.Anything, mock.MatchedBy(func(r telephony.CallRequest) bool {
		return r.Destination == "+15550001111" && r.IdempotencyKey != "" && r.Variables["case_message_id"] == req.MessageID
	})).Return(&telephony.PlacedCall{SessionID: "ext-1", Provider: "fake"}, nil)

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallActive, msg.Status)
	require.NotNil(t, msg.CallClaimedAt)
	require.NotNil(t, msg.CallSessionID)

	session, err := f.store.FindCallSessionByExternalID(f.ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, *msg.CallSessionID, session.ID)
	assert.Equal(t, req.MessageID, session.MessageID)
	assert.Equal(t, "local", session.DestinationSource)
}

func TestCallOrchestrator_Trigger_AtMostOnce(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, mock.Anything).Return(true, nil)
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(&telephony.PlacedCall{SessionID: "ext-only"}, nil).Once()

	const workers = 32
	var mu sync.Mutex
	outcomes := map[TriggerOutcome]int{}

	g, gctx := errgroup.WithContext(f.ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			outcome, err := f.orch.Trigger(gctx, req)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, outcomes[OutcomePlaced])
	assert.Equal(t, workers-1, outcomes[OutcomeRaceLost])
	f.provider.AssertNumberOfCalls(t, "PlaceCall", 1)
	f.limiter.AssertNumberOfCalls(t, "Allow", 1)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	latest, err := f.store.FindLatestCallSession(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, *msg.CallSessionID, latest.ID)
}

func TestCallOrchestrator_Trigger_RevertThenRetry(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, mock.Anything).Return(true, nil)
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrDependency).Once()

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.Error(t, err)
	assert.Equal(t, OutcomeReverted, outcome)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallNeeded, msg.Status)
	assert.Nil(t, msg.CallClaimedAt)

	failed, err := f.store.FindLatestCallSession(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, failed.Status)

	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(&telephony.PlacedCall{SessionID: "ext-2"}, nil).Once()

	outcome, err = f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	msg, err = f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallActive, msg.Status)
	assert.NotEqual(t, failed.ID, *msg.CallSessionID)
}

func TestCallOrchestrator_Trigger_RateLimited(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, req.CounterpartyKey).Return(false, nil)

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, outcome)
	f.provider.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallNeeded, msg.Status)
	assert.Nil(t, msg.CallClaimedAt)

	_, err = f.store.FindLatestCallSession(f.ctx, req.MessageID)
	assert.Error(t, err, "a capped attempt must not open a call session")
}

func TestCallOrchestrator_Trigger_CappedThenAllowed(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, req.CounterpartyKey).Return(false, nil).Once()
	f.limiter.On("Allow", mock.Anything, req.CounterpartyKey).Return(true, nil).Once()
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(&telephony.PlacedCall{SessionID: "ext-late"}, nil).Once()

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, outcome)

	outcome, err = f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallActive, msg.Status)
}

func TestCallOrchestrator_Trigger_LimiterErrorFailsOpen(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)

	f.limiter.On("Allow", mock.Anything, mock.Anything).Return(false, errors.New("redis: connection refused"))
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).Return(&telephony.PlacedCall{SessionID: "ext-3"}, nil)

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomePlaced, outcome)
}

func TestCallOrchestrator_Trigger_InvalidDestination(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)
	req.Destination = "555-0101"

	outcome, err := f.orch.Trigger(f.ctx, req)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, apperrors.IsFatal(err))
	f.limiter.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything)
}

func TestCallOrchestrator_Trigger_AlreadyClaimed(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)
	ok, err := f.store.ClaimCall(f.ctx, req.MessageID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaceLost, outcome)
	f.provider.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything)
	f.limiter.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything)
}

func TestCallOrchestrator_Trigger_SettledMessageIsNotClaimed(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := f.seed(t)
	// another screening run of the same message finished first with a different verdict
	_, err := f.store.UpdateStatus(f.ctx, req.MessageID, model.StatusCallNeeded, model.StatusLegitimate)
	require.NoError(t, err)

	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRaceLost, outcome)
	f.limiter.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything)
	f.provider.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLegitimate, msg.Status)
	assert.Nil(t, msg.CallClaimedAt)
}
