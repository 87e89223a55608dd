package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/destination"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/pipeline"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/internal/validator"
	"gitlab.com/timkado/api/billing-verify-processor/internal/varmap"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
)

// Screener runs the screening stages over a message.
type Screener interface {
	Run(ctx context.Context, msg *model.Message) (*pipeline.Result, error)
}

// ScreeningService stores inbound billing messages, screens them and schedules a
// verification call when screening cannot decide.
type ScreeningService struct {
	messages   storage.MessageRepo
	audit      storage.AuditRepo
	screener   Screener
	resolver   *destination.Resolver
	dispatcher CallScheduler
	varOpts    varmap.Options
}

// NewScreeningService creates the service.
func NewScreeningService(
	messages storage.MessageRepo,
	audit storage.AuditRepo,
	screener Screener,
	resolver *destination.Resolver,
	dispatcher CallScheduler,
	varOpts varmap.Options,
) *ScreeningService {
	return &ScreeningService{
		messages:   messages,
		audit:      audit,
		screener:   screener,
		resolver:   resolver,
		dispatcher: dispatcher,
		varOpts:    varOpts,
	}
}

// handleRepositoryError maps repository errors to FatalError or RetryableError so the
// consumer knows whether to ACK or NAK.
func handleRepositoryError(ctx context.Context, err error, operation string, messageID string) error {
	if err == nil {
		return nil
	}

	log := logger.FromContext(ctx)
	logFields := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	if messageID != "" {
		logFields = append(logFields, zap.String("message_id", messageID))
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		log.Warn("Repository operation failed: Not found", logFields...)
		return apperrors.NewFatal(err, "%s failed: resource not found", operation)
	case errors.Is(err, apperrors.ErrBadRequest), errors.Is(err, apperrors.ErrValidation):
		log.Warn("Repository operation failed: Bad request", logFields...)
		return apperrors.NewFatal(err, "%s failed: bad request data", operation)
	case errors.Is(err, apperrors.ErrConflict):
		log.Warn("Repository operation failed: Conflict", logFields...)
		return apperrors.NewFatal(err, "%s failed: resource conflict", operation)
	case errors.Is(err, apperrors.ErrDatabase):
		log.Error("Repository operation failed: Database error", logFields...)
		return apperrors.NewRetryable(err, "%s failed: database error", operation)
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		log.Warn("Repository operation failed: Timeout", logFields...)
		return apperrors.NewRetryable(err, "%s failed: operation timeout", operation)
	}

	log.Error("Repository operation failed: Unexpected error", logFields...)
	return apperrors.NewFatal(err, "%s failed: unexpected repository error", operation)
}

// ProcessMessage handles one inbound message. Redeliveries are safe: a stored message is
// never screened twice and a call is never placed twice.
func (s *ScreeningService) ProcessMessage(ctx context.Context, payload model.InboundMessagePayload, metadata *model.LastMetadata) error {
	log := logger.FromContext(ctx)

	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		log.Error("Failed to get tenant ID from context", zap.Error(err))
		return apperrors.NewFatal(err, "failed to get tenant ID from context")
	}
	if err := validator.Validate(payload); err != nil {
		log.Warn("Inbound message failed validation", zap.String("message_id", payload.MessageID), zap.Error(err))
		return apperrors.NewFatal(apperrors.ErrBadPayload, "message %s: %v", payload.MessageID, err)
	}

	msg := payload.ToMessage(companyID)
	if metadata != nil {
		msg.LastMetadata = model.MustJSON(metadata)
	}

	created, err := s.messages.SaveMessage(ctx, msg)
	if err != nil {
		return handleRepositoryError(ctx, err, "SaveMessage", msg.MessageID)
	}
	if !created {
		stored, err := s.messages.FindMessageByID(ctx, msg.MessageID)
		if err != nil {
			return handleRepositoryError(ctx, err, "FindMessageByID", msg.MessageID)
		}
		return s.resume(ctx, stored)
	}
	return s.screen(ctx, msg)
}

// resume continues a redelivered message from wherever its previous delivery stopped.
func (s *ScreeningService) resume(ctx context.Context, msg *model.Message) error {
	log := logger.FromContext(ctx).With(zap.String("message_id", msg.MessageID), zap.String("status", string(msg.Status)))

	switch msg.Status {
	case model.StatusReceived:
		final, err := s.audit.LatestFinalDecision(ctx, msg.MessageID)
		if apperrors.IsNotFoundError(err) {
			log.Info("Redelivered message was not screened yet, screening")
			return s.screen(ctx, msg)
		}
		if err != nil {
			return handleRepositoryError(ctx, err, "LatestFinalDecision", msg.MessageID)
		}
		// Screening finished but the status was never written back.
		var details model.FinalDecisionDetails
		if err := json.Unmarshal(final.Details, &details); err != nil || details.Status == "" {
			return apperrors.NewFatal(apperrors.ErrValidation, "final decision of %s has no status", msg.MessageID)
		}
		log.Info("Restoring status from final decision", zap.String("final_status", string(details.Status)))
		msg.Status = details.Status
		msg.HaltReason = details.HaltReason
		return s.finish(ctx, msg)

	case model.StatusCallNeeded:
		if msg.CallClaimedAt == nil {
			log.Info("Redelivered message still waiting for a call, scheduling")
			return s.scheduleCall(ctx, msg)
		}
	}

	log.Debug("Redelivered message already handled, skipping")
	return nil
}

func (s *ScreeningService) screen(ctx context.Context, msg *model.Message) error {
	res, err := s.screener.Run(ctx, msg)
	if err != nil {
		return handleRepositoryError(ctx, err, "Screen", msg.MessageID)
	}
	msg.Status = res.Status
	msg.HaltReason = res.HaltReason
	return s.finish(ctx, msg)
}

func (s *ScreeningService) finish(ctx context.Context, msg *model.Message) error {
	if err := s.messages.SaveScreeningResult(ctx, msg); err != nil {
		return handleRepositoryError(ctx, err, "SaveScreeningResult", msg.MessageID)
	}
	observer.IncScreeningResult(msg.CompanyID, string(msg.Status))
	logger.FromContext(ctx).Info("Message screened",
		zap.String("message_id", msg.MessageID),
		zap.String("status", string(msg.Status)),
		zap.String("halt_reason", msg.HaltReason))

	if msg.Status == model.StatusCallNeeded {
		return s.scheduleCall(ctx, msg)
	}
	return nil
}

// RetryUnclaimed schedules the call again for every call_needed message that has no
// claim and was last touched before idleSince. These are messages whose call was rate
// limited or reverted after their delivery was acked.
func (s *ScreeningService) RetryUnclaimed(ctx context.Context, idleSince time.Time, limit int) (int, error) {
	stranded, err := s.messages.FindUnclaimedCalls(ctx, idleSince, limit)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for i := range stranded {
		msg := &stranded[i]
		if err := s.scheduleCall(ctx, msg); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		logger.FromContext(ctx).Info("Rescheduled unclaimed calls", zap.Int("count", scheduled))
	}
	return scheduled, nil
}

// scheduleCall resolves a destination and hands the call to the dispatcher. A message
// without any callable number is parked as pending.
func (s *ScreeningService) scheduleCall(ctx context.Context, msg *model.Message) error {
	log := logger.FromContext(ctx).With(zap.String("message_id", msg.MessageID))

	dest, err := s.resolver.Resolve(msg)
	if apperrors.IsNoDestinationError(err) {
		observer.IncCallAttempt(msg.CompanyID, "no_destination")
		parked, uerr := s.messages.UpdateStatus(ctx, msg.MessageID, model.StatusCallNeeded, model.StatusPending)
		if uerr != nil {
			return handleRepositoryError(ctx, uerr, "UpdateStatus", msg.MessageID)
		}
		log.Info("No callable destination, message parked", zap.Bool("parked", parked))
		return nil
	}
	if err != nil {
		return apperrors.NewFatal(err, "resolve destination for %s", msg.MessageID)
	}

	req := CallRequest{
		MessageID:         msg.MessageID,
		CompanyID:         msg.CompanyID,
		Destination:       dest.Phone,
		DestinationSource: string(dest.Source),
		Variables:         varmap.Map(msg, nil, s.varOpts),
		CounterpartyKey:   msg.CounterpartyKey(),
	}
	if err := s.dispatcher.Submit(ctx, req); err != nil {
		// the message stays call_needed and unclaimed, the retry sweep schedules it again
		return apperrors.NewRetryable(err, "schedule call for %s", msg.MessageID)
	}
	log.Debug("Call scheduled", zap.String("destination_source", string(dest.Source)))
	return nil
}
