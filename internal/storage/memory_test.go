package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

func seededStore(t *testing.T, status model.MessageStatus) (*MemoryStore, *model.Message) {
	t.Helper()
	store := NewMemoryStore()
	msg := model.NewMessage(testCompanyID, status)
	created, err := store.SaveMessage(testContext(), msg)
	require.NoError(t, err)
	require.True(t, created)
	return store, msg
}

func TestMemoryStore_SaveMessage_Idempotent(t *testing.T) {
	store, msg := seededStore(t, model.StatusReceived)

	created, err := store.SaveMessage(testContext(), msg)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMemoryStore_ClaimCall_Exclusive(t *testing.T) {
	store, msg := seededStore(t, model.StatusCallNeeded)

	var won atomic.Int32
	g, ctx := errgroup.WithContext(testContext())
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			claimed, err := store.ClaimCall(ctx, msg.MessageID, time.Now())
			if claimed {
				won.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load())

	stored, err := store.FindMessageByID(testContext(), msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCallActive, stored.Status)
	assert.NotNil(t, stored.CallClaimedAt)
}

func TestMemoryStore_ClaimCall_OnlyCallNeeded(t *testing.T) {
	for _, status := range []model.MessageStatus{model.StatusReceived, model.StatusLegitimate, model.StatusPending} {
		store, msg := seededStore(t, status)

		claimed, err := store.ClaimCall(testContext(), msg.MessageID, time.Now())
		require.NoError(t, err)
		assert.False(t, claimed, "status %s", status)

		stored, err := store.FindMessageByID(testContext(), msg.MessageID)
		require.NoError(t, err)
		assert.Equal(t, status, stored.Status)
		assert.Nil(t, stored.CallClaimedAt)
	}
}

func TestMemoryStore_RevertClaim(t *testing.T) {
	ctx := testContext()

	t.Run("releases claim without session", func(t *testing.T) {
		store, msg := seededStore(t, model.StatusCallNeeded)
		claimed, err := store.ClaimCall(ctx, msg.MessageID, time.Now())
		require.NoError(t, err)
		require.True(t, claimed)

		reverted, err := store.RevertClaim(ctx, msg.MessageID)
		require.NoError(t, err)
		assert.True(t, reverted)

		claimed, err = store.ClaimCall(ctx, msg.MessageID, time.Now())
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("keeps claim once call is recorded", func(t *testing.T) {
		store, msg := seededStore(t, model.StatusCallNeeded)
		_, err := store.ClaimCall(ctx, msg.MessageID, time.Now())
		require.NoError(t, err)
		require.NoError(t, store.RecordCallPlaced(ctx, msg.MessageID, "s-1", model.CallMetadata{CallSessionID: "s-1"}))

		reverted, err := store.RevertClaim(ctx, msg.MessageID)
		require.NoError(t, err)
		assert.False(t, reverted)
	})
}

func TestMemoryStore_ApplyVerification_Once(t *testing.T) {
	ctx := testContext()
	store, msg := seededStore(t, model.StatusCallNeeded)
	_, err := store.ClaimCall(ctx, msg.MessageID, time.Now())
	require.NoError(t, err)

	applied, err := store.ApplyVerification(ctx, msg.MessageID, model.StatusLegitimate, model.VerificationResult{}, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.ApplyVerification(ctx, msg.MessageID, model.StatusFraudulent, model.VerificationResult{}, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestMemoryStore_FindExpiredClaims(t *testing.T) {
	ctx := testContext()
	store := NewMemoryStore()
	now := time.Now()

	for i, age := range []time.Duration{time.Hour, 2 * time.Hour, time.Minute} {
		msg := model.NewMessage(testCompanyID, model.StatusCallNeeded)
		_, err := store.SaveMessage(ctx, msg)
		require.NoError(t, err)
		_, err = store.ClaimCall(ctx, msg.MessageID, now.Add(-age))
		require.NoError(t, err, "message %d", i)
	}

	expired, err := store.FindExpiredClaims(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.True(t, expired[0].CallClaimedAt.Before(*expired[1].CallClaimedAt))
}

func TestMemoryStore_FindUnclaimedCalls(t *testing.T) {
	ctx := testContext()
	store := NewMemoryStore()
	now := time.Now().UTC()
	defer func(orig func() time.Time) { utils.Now = orig }(utils.Now)

	save := func(status model.MessageStatus, age time.Duration) *model.Message {
		utils.Now = func() time.Time { return now.Add(-age) }
		msg := model.NewMessage(testCompanyID, status)
		_, err := store.SaveMessage(ctx, msg)
		require.NoError(t, err)
		return msg
	}
	idle := save(model.StatusCallNeeded, time.Hour)
	older := save(model.StatusCallNeeded, 2*time.Hour)
	save(model.StatusCallNeeded, time.Minute)
	save(model.StatusPending, time.Hour)
	claimed := save(model.StatusCallNeeded, time.Hour)
	_, err := store.ClaimCall(ctx, claimed.MessageID, now)
	require.NoError(t, err)

	found, err := store.FindUnclaimedCalls(ctx, now.Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, older.MessageID, found[0].MessageID)
	assert.Equal(t, idle.MessageID, found[1].MessageID)

	found, err = store.FindUnclaimedCalls(ctx, now.Add(-30*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestMemoryStore_Audit(t *testing.T) {
	ctx := testContext()
	store := NewMemoryStore()

	_, err := store.LatestFinalDecision(ctx, "msg-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	for _, stage := range []model.Stage{model.StageKeywordFilter, model.StageFinalDecision} {
		require.NoError(t, store.AppendAudit(ctx, &model.AuditEntry{MessageID: "msg-1", Stage: stage}))
	}

	entries, err := store.ReadAudit(ctx, "msg-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Sequence)
	assert.Equal(t, int64(2), entries[1].Sequence)

	final, err := store.LatestFinalDecision(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.Sequence)

	other, err := store.ReadAudit(context.Background(), "msg-1")
	assert.Error(t, err)
	assert.Nil(t, other)
}

func TestMemoryStore_FindCounterparty(t *testing.T) {
	store := NewMemoryStore(model.Counterparty{CompanyID: testCompanyID, Name: "Acme Supplies GmbH", Domain: "Acme.example", Phone: "+15550001111"})

	byName, err := store.FindCounterparty(testContext(), "ACME Supplies", "")
	require.NoError(t, err)
	assert.Equal(t, "+15550001111", byName.Phone)

	byDomain, err := store.FindCounterparty(testContext(), "Unknown Vendor", "acme.example")
	require.NoError(t, err)
	assert.Equal(t, byName.ID, byDomain.ID)

	_, err = store.FindCounterparty(testContext(), "Unknown Vendor", "other.example")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
