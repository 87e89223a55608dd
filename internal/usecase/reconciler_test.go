package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/destination"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/pipeline"
	"gitlab.com/timkado/api/billing-verify-processor/internal/telephony"
	"gitlab.com/timkado/api/billing-verify-processor/internal/varmap"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// placeCall drives a seeded message through a successful trigger placed under externalID.
func placeCall(t *testing.T, f *orchestratorFixture, externalID string) CallRequest {
	req := f.seed(t)
	f.limiter.On("Allow", mock.Anything, mock.Anything).Return(true, nil).Maybe()
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(&telephony.PlacedCall{SessionID: externalID}, nil).Once()
	outcome, err := f.orch.Trigger(f.ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomePlaced, outcome)
	return req
}

func newTestReconciler(t *testing.T, f *orchestratorFixture, timeout time.Duration) *Reconciler {
	return NewReconciler(f.store, f.store, config.ReconcilerConfig{
		CallTimeout:   timeout,
		SweepInterval: time.Hour,
		SweepBatch:    50,
		SweepWorkers:  4,
	}, testCompany, zaptest.NewLogger(t))
}

func TestReconciler_ApplyOutcome_Legitimate(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-ok")
	r := newTestReconciler(t, f, time.Hour)

	result, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload(req.MessageID, "ext-ok"))
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileLegitimate, result)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLegitimate, msg.Status)
	require.NotNil(t, msg.VerifiedAt)

	var vr model.VerificationResult
	require.NoError(t, json.Unmarshal(msg.VerificationResult, &vr))
	assert.Equal(t, model.StatusLegitimate, vr.Verdict)
	assert.Equal(t, *msg.CallSessionID, vr.SessionID)

	session, err := f.store.FindCallSessionByExternalID(f.ctx, "ext-ok")
	require.NoError(t, err)
	assert.Equal(t, model.CallCompleted, session.Status)
}

func TestReconciler_ApplyOutcome_Disputed(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-no")
	r := newTestReconciler(t, f, time.Hour)

	p := model.NewCallOutcomePayload(req.MessageID, "ext-no")
	no := false
	p.InvoiceConfirmed = &no

	result, err := r.ApplyOutcome(f.ctx, *p)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileFraudulent, result)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFraudulent, msg.Status)
}

func TestReconciler_ApplyOutcome_StaleSecondOutcome(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-dup")
	r := newTestReconciler(t, f, time.Hour)

	first, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload(req.MessageID, "ext-dup"))
	require.NoError(t, err)
	require.Equal(t, model.ReconcileLegitimate, first)

	p := model.NewCallOutcomePayload(req.MessageID, "ext-dup")
	no := false
	p.VendorConfirmed = &no
	second, err := r.ApplyOutcome(f.ctx, *p)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileStale, second)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLegitimate, msg.Status)
}

func TestReconciler_ApplyOutcome_InProgressThenFailed(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-fail")
	r := newTestReconciler(t, f, time.Hour)

	progress := model.CallOutcomePayload{SessionID: "ext-fail", MessageID: req.MessageID, Status: model.CallInProgress}
	result, err := r.ApplyOutcome(f.ctx, progress)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileInProgress, result)

	failed := model.CallOutcomePayload{SessionID: "ext-fail", MessageID: req.MessageID, Status: model.CallFailed, FailureReason: "no_answer"}
	result, err = r.ApplyOutcome(f.ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, model.ReconcilePending, result)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.Status)

	session, err := f.store.FindCallSessionByExternalID(f.ctx, "ext-fail")
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, session.Status)
	assert.Equal(t, "no_answer", session.FailureReason)
}

func TestReconciler_ApplyOutcome_Errors(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-known")
	r := newTestReconciler(t, f, time.Hour)

	t.Run("invalid payload", func(t *testing.T) {
		_, err := r.ApplyOutcome(f.ctx, model.CallOutcomePayload{SessionID: "ext-known"})
		assert.True(t, apperrors.IsFatal(err))
		assert.ErrorIs(t, err, apperrors.ErrBadPayload)
	})

	t.Run("unknown session is retryable", func(t *testing.T) {
		_, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload(req.MessageID, "ext-unknown"))
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("session of another message", func(t *testing.T) {
		_, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload("someone-else", "ext-known"))
		assert.True(t, apperrors.IsFatal(err))
	})

	t.Run("internal session id is accepted", func(t *testing.T) {
		msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
		require.NoError(t, err)
		result, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload(req.MessageID, *msg.CallSessionID))
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileLegitimate, result)
	})
}

func TestReconciler_SweepTimeouts_ExactlyOnce(t *testing.T) {
	f := newOrchestratorFixture(t)
	expired := placeCall(t, f, "ext-silent")
	r := newTestReconciler(t, f, -time.Minute) // every claim is already past the timeout

	const sweepers = 8
	counts := make([]int, sweepers)
	g, gctx := errgroup.WithContext(f.ctx)
	for i := 0; i < sweepers; i++ {
		g.Go(func() error {
			n, err := r.SweepTimeouts(gctx)
			counts[i] = n
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 1, total)

	msg, err := f.store.FindMessageByID(f.ctx, expired.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.Status)
	assert.NotNil(t, msg.CallClaimedAt, "claim stays so the message is never called again")

	session, err := f.store.FindCallSessionByExternalID(f.ctx, "ext-silent")
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, session.Status)
	assert.Equal(t, "timeout", session.FailureReason)

	// a late outcome after the timeout changes nothing
	result, err := r.ApplyOutcome(f.ctx, *model.NewCallOutcomePayload(expired.MessageID, "ext-silent"))
	require.NoError(t, err)
	assert.Equal(t, model.ReconcileStale, result)
}

func TestReconciler_SweepTimeouts_SkipsFreshClaims(t *testing.T) {
	f := newOrchestratorFixture(t)
	req := placeCall(t, f, "ext-fresh")
	r := newTestReconciler(t, f, time.Hour)

	n, err := r.SweepTimeouts(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	msg, err := f.store.FindMessageByID(f.ctx, req.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallActive, msg.Status)
}

func TestReconciler_StartStop(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := newTestReconciler(t, f, time.Hour)
	r.cfg.SweepInterval = 5 * time.Millisecond

	r.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

// recordingRetrier keeps the cutoff and batch size of the last retry sweep.
type recordingRetrier struct {
	idleSince time.Time
	limit     int
}

func (r *recordingRetrier) RetryUnclaimed(_ context.Context, idleSince time.Time, limit int) (int, error) {
	r.idleSince, r.limit = idleSince, limit
	return 0, nil
}

func TestReconciler_RetryStranded_NoRetrier(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := newTestReconciler(t, f, time.Hour)

	n, err := r.RetryStranded(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReconciler_RetryStranded_UsesBackoff(t *testing.T) {
	f := newOrchestratorFixture(t)
	r := NewReconciler(f.store, f.store, config.ReconcilerConfig{
		CallTimeout: time.Hour,
		RetryAfter:  2 * time.Minute,
		SweepBatch:  7,
	}, testCompany, zaptest.NewLogger(t))
	retrier := &recordingRetrier{}
	r.SetCallRetrier(retrier)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	restore := utils.Now
	defer func() { utils.Now = restore }()
	utils.Now = func() time.Time { return now }

	_, err := r.RetryStranded(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Minute), retrier.idleSince)
	assert.Equal(t, 7, retrier.limit)
}

func TestReconciler_RetryStranded_RevertedCallIsRetried(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.limiter.On("Allow", mock.Anything, mock.Anything).Return(true, nil)
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrDependency).Once()
	f.provider.On("PlaceCall", mock.Anything, mock.Anything).
		Return(&telephony.PlacedCall{SessionID: "ext-retry"}, nil).Once()

	dispatcher, err := NewCallDispatcher(config.WorkerPoolConfig{PoolSize: 2, ExpiryTime: time.Minute}, f.orch, time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer dispatcher.Stop()

	screener := screenerFunc(func(context.Context, *model.Message) (*pipeline.Result, error) {
		return &pipeline.Result{RunID: "run-1", Status: model.StatusCallNeeded, LastStage: model.StageFinalDecision}, nil
	})
	svc := NewScreeningService(f.store, f.store, screener, destination.NewResolver("US"), dispatcher, varmap.Options{CompanyName: "Acme"})
	r := newTestReconciler(t, f, time.Hour)
	r.SetCallRetrier(svc)

	payload := model.NewInboundMessagePayload(&model.InboundMessagePayload{LocalPhones: []string{"+15550001111"}})
	require.NoError(t, svc.ProcessMessage(f.ctx, *payload, nil))

	// The failed placement releases the claim and fails its session.
	require.Eventually(t, func() bool {
		msg, err := f.store.FindMessageByID(f.ctx, payload.MessageID)
		if err != nil || msg.Status != model.StatusCallNeeded || msg.CallClaimedAt != nil {
			return false
		}
		session, err := f.store.FindLatestCallSession(f.ctx, payload.MessageID)
		return err == nil && session.Status == model.CallFailed
	}, 2*time.Second, 5*time.Millisecond)

	n, err := r.RetryStranded(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh revert waits out the backoff")

	later := time.Now().Add(10 * time.Minute)
	restore := utils.Now
	defer func() { utils.Now = restore }()
	utils.Now = func() time.Time { return later }

	n, err = r.RetryStranded(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		msg, err := f.store.FindMessageByID(f.ctx, payload.MessageID)
		return err == nil && msg.Status == model.StatusCallActive && msg.CallSessionID != nil
	}, 2*time.Second, 5*time.Millisecond)

	session, err := f.store.FindCallSessionByExternalID(f.ctx, "ext-retry")
	require.NoError(t, err)
	assert.Equal(t, payload.MessageID, session.MessageID)
	f.provider.AssertExpectations(t)
}
