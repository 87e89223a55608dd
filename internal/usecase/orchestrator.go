package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/ratelimit"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/telephony"
	"gitlab.com/timkado/api/billing-verify-processor/internal/validator"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// CallRequest asks for one verification call.
type CallRequest struct {
	MessageID         string
	CompanyID         string
	Destination       string
	DestinationSource string
	Variables         model.VariableSet
	CounterpartyKey   string
}

// TriggerOutcome is how a trigger attempt ended.
type TriggerOutcome string

const (
	OutcomePlaced      TriggerOutcome = "placed"
	OutcomeRaceLost    TriggerOutcome = "race_lost"
	OutcomeRateLimited TriggerOutcome = "rate_limited"
	OutcomeReverted    TriggerOutcome = "reverted"
	OutcomeFailed      TriggerOutcome = "error"
)

// CallOrchestrator places at most one call per message. The claim on call_claimed_at is
// the only synchronization point, so it holds across processes.
type CallOrchestrator struct {
	messages storage.MessageRepo
	sessions storage.CallSessionRepo
	provider telephony.Provider
	limiter  ratelimit.Limiter
}

// NewCallOrchestrator creates an orchestrator.
func NewCallOrchestrator(messages storage.MessageRepo, sessions storage.CallSessionRepo, provider telephony.Provider, limiter ratelimit.Limiter) *CallOrchestrator {
	return &CallOrchestrator{
		messages: messages,
		sessions: sessions,
		provider: provider,
		limiter:  limiter,
	}
}

// Trigger claims req.MessageID, checks the counterparty cap and places the call. Losing
// the claim or hitting the cap is a normal outcome with a nil error; a capped message is
// released back to call_needed for the retry sweep.
func (o *CallOrchestrator) Trigger(ctx context.Context, req CallRequest) (TriggerOutcome, error) {
	outcome, err := o.trigger(ctx, req)
	observer.IncCallAttempt(req.CompanyID, string(outcome))
	return outcome, err
}

func (o *CallOrchestrator) trigger(ctx context.Context, req CallRequest) (TriggerOutcome, error) {
	log := logger.FromContext(ctx).With(
		zap.String("message_id", req.MessageID),
		zap.String("counterparty", req.CounterpartyKey))

	if err := validator.ValidateVar(req.Destination, "required,e164"); err != nil {
		return OutcomeFailed, apperrors.NewFatal(err, "destination of %s", req.MessageID)
	}

	// Single attempt: a commit we cannot confirm is left to the timeout sweep.
	claimed, err := o.messages.ClaimCall(ctx, req.MessageID, utils.Now())
	if err != nil {
		log.Error("Claim failed", zap.Error(err))
		return OutcomeFailed, fmt.Errorf("claim call for %s: %w", req.MessageID, err)
	}
	if !claimed {
		log.Info("Call already claimed by another task")
		return OutcomeRaceLost, nil
	}

	// Only the claim holder spends a token, so lost races never count against the cap.
	allowed, err := o.limiter.Allow(ctx, req.CounterpartyKey)
	if err != nil {
		log.Warn("Rate limiter unavailable, allowing call", zap.Error(err))
		allowed = true
	}
	if !allowed {
		log.Info("Call cap reached for counterparty, releasing claim")
		o.revert(ctx, log, req.MessageID, "")
		return OutcomeRateLimited, nil
	}

	session := &model.CallSession{
		ID:                uuid.NewString(),
		MessageID:         req.MessageID,
		CompanyID:         req.CompanyID,
		Destination:       req.Destination,
		DestinationSource: req.DestinationSource,
		Status:            model.CallInitiated,
		InitiatedAt:       utils.Now(),
	}
	if err := o.sessions.CreateCallSession(ctx, session); err != nil {
		log.Error("Failed to create call session, releasing claim", zap.Error(err))
		o.revert(ctx, log, req.MessageID, "")
		return OutcomeReverted, fmt.Errorf("create call session for %s: %w", req.MessageID, err)
	}
	log = log.With(zap.String("call_session_id", session.ID))

	start := time.Now()
	placed, err := o.provider.PlaceCall(ctx, telephony.CallRequest{
		Destination:    req.Destination,
		Variables:      req.Variables,
		IdempotencyKey: session.ID,
	})
	observer.ObserveCallPlacement(time.Since(start))
	if err != nil {
		log.Warn("Call placement failed, releasing claim", zap.Error(err))
		o.revert(ctx, log, req.MessageID, session.ID)
		return OutcomeReverted, fmt.Errorf("place call for %s: %w", req.MessageID, err)
	}

	// The call is live from here on; nothing below may release the claim.
	if err := o.sessions.MarkCallSessionPlaced(ctx, session.ID, placed.SessionID); err != nil {
		log.Error("Failed to record external session id", zap.String("external_session_id", placed.SessionID), zap.Error(err))
		return OutcomePlaced, fmt.Errorf("mark call session %s placed: %w", session.ID, err)
	}
	meta := model.CallMetadata{
		CallSessionID:     session.ID,
		ExternalSessionID: placed.SessionID,
		Destination:       req.Destination,
		DestinationSource: req.DestinationSource,
		PlacedAt:          utils.Now(),
		Provider:          placed.Provider,
	}
	if err := o.messages.RecordCallPlaced(ctx, req.MessageID, session.ID, meta); err != nil {
		log.Error("Failed to record placed call on message", zap.Error(err))
		return OutcomePlaced, fmt.Errorf("record call for %s: %w", req.MessageID, err)
	}

	log.Info("Verification call placed", zap.String("external_session_id", placed.SessionID))
	return OutcomePlaced, nil
}

// revert releases the claim so a later trigger can retry, and fails the session if one
// was created. A failed revert leaves the message to the timeout sweep.
func (o *CallOrchestrator) revert(ctx context.Context, log *zap.Logger, messageID, sessionID string) {
	reverted, err := o.messages.RevertClaim(ctx, messageID)
	if err != nil || !reverted {
		log.Error("Claim not released, timeout sweep will park the message", zap.Bool("reverted", reverted), zap.Error(err))
	}
	if sessionID == "" {
		return
	}
	if _, err := o.sessions.UpdateCallSessionStatus(ctx, sessionID, model.CallFailed, "placement failed", utils.Now()); err != nil {
		log.Error("Failed to mark call session failed", zap.Error(err))
	}
}
