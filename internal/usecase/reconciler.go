package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/internal/tenant"
	"gitlab.com/timkado/api/billing-verify-processor/internal/validator"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// CallRetrier schedules calls that were left unclaimed.
type CallRetrier interface {
	RetryUnclaimed(ctx context.Context, idleSince time.Time, limit int) (int, error)
}

// Reconciler finalizes messages from call outcomes, parks messages whose outcome
// never arrived and hands stranded call_needed messages back to the retrier.
type Reconciler struct {
	messages  storage.MessageRepo
	sessions  storage.CallSessionRepo
	cfg       config.ReconcilerConfig
	companyID string
	log       *zap.Logger
	retrier   CallRetrier

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewReconciler creates a reconciler for companyID.
func NewReconciler(messages storage.MessageRepo, sessions storage.CallSessionRepo, cfg config.ReconcilerConfig, companyID string, baseLogger *zap.Logger) *Reconciler {
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 1
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Minute
	}
	return &Reconciler{
		messages:  messages,
		sessions:  sessions,
		cfg:       cfg,
		companyID: companyID,
		log:       baseLogger.Named("reconciler"),
		stop:      make(chan struct{}),
	}
}

// ApplyOutcome applies a call outcome. Outcomes for messages that already left
// call_needed_active are stale and change nothing.
func (r *Reconciler) ApplyOutcome(ctx context.Context, p model.CallOutcomePayload) (model.ReconcileResult, error) {
	log := logger.FromContext(ctx).With(zap.String("message_id", p.MessageID), zap.String("session_id", p.SessionID))

	if err := validator.Validate(p); err != nil {
		return "", apperrors.NewFatal(apperrors.ErrBadPayload, "call outcome %s: %v", p.SessionID, err)
	}

	session, err := r.findSession(ctx, p.SessionID)
	if apperrors.IsNotFoundError(err) {
		// the outcome can overtake the placement bookkeeping; a redelivery will find it
		log.Warn("Outcome for unknown call session", zap.Error(err))
		return "", apperrors.NewRetryable(err, "call session %s", p.SessionID)
	}
	if err != nil {
		return "", handleRepositoryError(ctx, err, "FindCallSession", p.MessageID)
	}
	if session.MessageID != p.MessageID {
		return "", apperrors.NewFatal(apperrors.ErrBadPayload, "session %s belongs to message %s, not %s", session.ID, session.MessageID, p.MessageID)
	}

	now := utils.Now()
	var result model.ReconcileResult
	switch p.Status {
	case model.CallInProgress:
		if _, err := r.sessions.UpdateCallSessionStatus(ctx, session.ID, model.CallInProgress, "", now); err != nil {
			return "", handleRepositoryError(ctx, err, "UpdateCallSessionStatus", p.MessageID)
		}
		return model.ReconcileInProgress, nil

	case model.CallCompleted:
		verdict := model.StatusLegitimate
		if p.DisputesIdentity() {
			verdict = model.StatusFraudulent
		}
		verifiedAt := now
		if p.CompletedAt != nil {
			verifiedAt = p.CompletedAt.UTC()
		}
		applied, err := r.messages.ApplyVerification(ctx, p.MessageID, verdict, model.VerificationResult{
			SessionID:        session.ID,
			Verdict:          verdict,
			VendorConfirmed:  p.VendorConfirmed,
			InvoiceConfirmed: p.InvoiceConfirmed,
			AmountConfirmed:  p.AmountConfirmed,
			VerifiedFields:   p.VerifiedFields,
			Notes:            p.Notes,
		}, verifiedAt)
		if err != nil {
			return "", handleRepositoryError(ctx, err, "ApplyVerification", p.MessageID)
		}
		result = model.ReconcileStale
		if applied {
			result = model.ReconcileResult(verdict)
		}
		r.closeSession(ctx, log, session.ID, model.CallCompleted, "", now)

	case model.CallFailed:
		parked, err := r.messages.UpdateStatus(ctx, p.MessageID, model.StatusCallActive, model.StatusPending)
		if err != nil {
			return "", handleRepositoryError(ctx, err, "UpdateStatus", p.MessageID)
		}
		result = model.ReconcileStale
		if parked {
			result = model.ReconcilePending
		}
		r.closeSession(ctx, log, session.ID, model.CallFailed, p.FailureReason, now)

	default:
		return "", apperrors.NewFatal(apperrors.ErrBadPayload, "unexpected call status %q", p.Status)
	}

	observer.IncReconciliation(session.CompanyID, string(result))
	if result == model.ReconcileStale {
		log.Info("Stale call outcome ignored", zap.String("call_status", string(p.Status)))
	} else {
		log.Info("Call outcome applied", zap.String("result", string(result)))
	}
	return result, nil
}

func (r *Reconciler) findSession(ctx context.Context, sessionID string) (*model.CallSession, error) {
	session, err := r.sessions.FindCallSessionByExternalID(ctx, sessionID)
	if apperrors.IsNotFoundError(err) {
		return r.sessions.FindCallSession(ctx, sessionID)
	}
	return session, err
}

func (r *Reconciler) closeSession(ctx context.Context, log *zap.Logger, sessionID string, status model.CallSessionStatus, reason string, at time.Time) {
	if _, err := r.sessions.UpdateCallSessionStatus(ctx, sessionID, status, reason, at); err != nil {
		log.Error("Failed to close call session", zap.String("call_session_id", sessionID), zap.Error(err))
	}
}

// SweepTimeouts parks every claimed message whose call outlived the timeout and returns
// how many it parked. Each message moves at most once, whoever else sweeps.
func (r *Reconciler) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := utils.Now().Add(-r.cfg.CallTimeout)
	expired, err := r.messages.FindExpiredClaims(ctx, cutoff, r.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var parked atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SweepWorkers)
	for _, msg := range expired {
		messageID := msg.MessageID
		g.Go(func() error {
			ok, err := r.timeout(gctx, messageID)
			if ok {
				parked.Add(1)
			}
			return err
		})
	}
	err = g.Wait()
	return int(parked.Load()), err
}

func (r *Reconciler) timeout(ctx context.Context, messageID string) (bool, error) {
	log := logger.FromContext(ctx).With(zap.String("message_id", messageID))

	parked, err := r.messages.UpdateStatus(ctx, messageID, model.StatusCallActive, model.StatusPending)
	if err != nil || !parked {
		return false, err
	}
	observer.IncReconciliation(r.companyID, string(model.ReconcileTimeout))
	log.Warn("No call outcome before timeout, message parked as pending")

	session, err := r.sessions.FindLatestCallSession(ctx, messageID)
	if apperrors.IsNotFoundError(err) {
		return true, nil
	}
	if err != nil {
		log.Error("Failed to load call session of timed out message", zap.Error(err))
		return true, nil
	}
	r.closeSession(ctx, log, session.ID, model.CallFailed, "timeout", utils.Now())
	return true, nil
}

// SetCallRetrier enables the retry sweep. Call it before Start.
func (r *Reconciler) SetCallRetrier(retrier CallRetrier) {
	r.retrier = retrier
}

// RetryStranded reschedules call_needed messages without a claim that have been idle
// for RetryAfter. A message reaches that state when its call was rate limited or its
// claim was reverted after the delivery was acked.
func (r *Reconciler) RetryStranded(ctx context.Context) (int, error) {
	if r.retrier == nil {
		return 0, nil
	}
	return r.retrier.RetryUnclaimed(ctx, utils.Now().Add(-r.cfg.RetryAfter), r.cfg.SweepBatch)
}

// Start runs SweepTimeouts and RetryStranded every SweepInterval until Stop.
func (r *Reconciler) Start() {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		r.log.Info("Timeout sweep started", zap.Duration("interval", interval), zap.Duration("call_timeout", r.cfg.CallTimeout))
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweepOnce(interval)
			}
		}
	}()
}

func (r *Reconciler) sweepOnce(budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	ctx = tenant.WithCompanyID(ctx, r.companyID)
	ctx = logger.WithLogger(ctx, r.log)
	defer utils.RecoverWithLog(ctx, "reconciler sweep")

	n, err := r.SweepTimeouts(ctx)
	if err != nil {
		r.log.Error("Timeout sweep failed", zap.Int("parked", n), zap.Error(err))
	} else if n > 0 {
		r.log.Info("Timeout sweep parked messages", zap.Int("parked", n))
	}

	retried, err := r.RetryStranded(ctx)
	if err != nil {
		r.log.Error("Retry sweep failed", zap.Int("rescheduled", retried), zap.Error(err))
	}
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
