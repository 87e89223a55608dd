// Package pipeline runs the screening stages of a billing message in order, halting on
// the first negative decision, and records every decision in the audit log.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/billing-verify-processor/internal/classifier"
	"gitlab.com/timkado/api/billing-verify-processor/internal/config"
	"gitlab.com/timkado/api/billing-verify-processor/internal/enrichment"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/internal/observer"
	"gitlab.com/timkado/api/billing-verify-processor/internal/storage"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/logger"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// ReasonDependencyError is the reasoning recorded when a stage could not reach a collaborator.
const ReasonDependencyError = "dependency error"

// Decision is the result of one stage.
type Decision struct {
	Pass       bool
	Confidence *float64
	Reasoning  string
	Details    map[string]interface{}
	// HaltStatus is the final status when Pass is false. Defaults to fraudulent.
	HaltStatus model.MessageStatus
}

// Stage is one screening step. Evaluate may copy what it learns onto msg. A returned
// error is a dependency failure and halts the run as fraudulent.
type Stage interface {
	Name() model.Stage
	Evaluate(ctx context.Context, msg *model.Message) (Decision, error)
}

// conditionalStage is implemented by stages that only run in some cases.
type conditionalStage interface {
	Applies(msg *model.Message) bool
}

// Result summarizes a sequencer run.
type Result struct {
	RunID      string
	Status     model.MessageStatus
	HaltReason string
	LastStage  model.Stage
	Confidence *float64
}

// Halted reports whether a stage stopped the run.
func (r *Result) Halted() bool {
	return r.HaltReason != ""
}

// Sequencer executes stages in order.
type Sequencer struct {
	stages    []Stage
	audit     storage.AuditRepo
	threshold float64
}

// NewSequencer creates a sequencer over stages, which must be in execution order.
func NewSequencer(audit storage.AuditRepo, threshold float64, stages ...Stage) *Sequencer {
	return &Sequencer{stages: stages, audit: audit, threshold: threshold}
}

// NewDefaultSequencer wires the standard stage order.
func NewDefaultSequencer(cfg config.PipelineConfig, audit storage.AuditRepo, classify classifier.Client, counterparties storage.CounterpartyRepo, search enrichment.Client) *Sequencer {
	return NewSequencer(audit, cfg.ConfidenceThreshold,
		NewKeywordFilter(cfg.Keywords),
		NewClassification(classify, cfg.BillingCategories),
		NewDomainCheck(counterparties, cfg.FreeMailDomains),
		NewCounterpartyLookup(counterparties),
		NewOnlineVerification(search, cfg.MinSearchConfidence),
	)
}

// Run screens msg. Every executed stage appends one audit entry and the run ends with
// exactly one final_decision entry. An error is returned only when the audit log
// cannot be written; the run is then incomplete and may be repeated.
func (s *Sequencer) Run(ctx context.Context, msg *model.Message) (*Result, error) {
	log := logger.FromContext(ctx).With(zap.String("message_id", msg.MessageID))
	res := &Result{RunID: uuid.NewString()}

	for _, stage := range s.stages {
		if cond, ok := stage.(conditionalStage); ok && !cond.Applies(msg) {
			continue
		}

		start := utils.Now()
		decision, err := stage.Evaluate(ctx, msg)
		outcome := "proceed"
		if err != nil {
			log.Warn("Stage dependency failed, failing closed",
				zap.String("stage", string(stage.Name())), zap.Error(err))
			decision = Decision{
				Pass:       false,
				Reasoning:  ReasonDependencyError,
				Details:    map[string]interface{}{"error": err.Error()},
				HaltStatus: model.StatusFraudulent,
			}
			outcome = "dependency_error"
		} else if !decision.Pass {
			outcome = "halt"
		}
		observer.ObserveStage(msg.CompanyID, string(stage.Name()), outcome, time.Since(start))

		var details interface{}
		if decision.Details != nil {
			details = decision.Details
		}
		if err := s.append(ctx, msg, res.RunID, stage.Name(), decision.Pass, decision.Confidence, decision.Reasoning, details); err != nil {
			return nil, err
		}
		res.LastStage = stage.Name()
		res.Confidence = decision.Confidence

		if !decision.Pass {
			res.HaltReason = string(stage.Name())
			res.Status = decision.HaltStatus
			if res.Status == "" {
				res.Status = model.StatusFraudulent
			}
			log.Info("Screening halted",
				zap.String("stage", res.HaltReason),
				zap.String("status", string(res.Status)),
				zap.String("reasoning", decision.Reasoning))
			break
		}
	}

	if !res.Halted() {
		res.Status = s.settle(res.Confidence, msg)
	}

	final := model.FinalDecisionDetails{Status: res.Status, HaltReason: res.HaltReason, LastStage: res.LastStage}
	reasoning := fmt.Sprintf("status %s after %s", res.Status, res.LastStage)
	if err := s.append(ctx, msg, res.RunID, model.StageFinalDecision, !res.Halted(), res.Confidence, reasoning, final); err != nil {
		return nil, err
	}
	return res, nil
}

// settle decides between legitimate and call_needed once every stage passed.
func (s *Sequencer) settle(confidence *float64, msg *model.Message) model.MessageStatus {
	if confidence != nil && *confidence >= s.threshold && msg.HasTrustedPhone() {
		return model.StatusLegitimate
	}
	return model.StatusCallNeeded
}

func (s *Sequencer) append(ctx context.Context, msg *model.Message, runID string, stage model.Stage, decision bool, confidence *float64, reasoning string, details interface{}) error {
	entry := &model.AuditEntry{
		MessageID:  msg.MessageID,
		CompanyID:  msg.CompanyID,
		RunID:      runID,
		Stage:      stage,
		Decision:   decision,
		Confidence: confidence,
		Reasoning:  reasoning,
		CreatedAt:  utils.Now(),
	}
	if details != nil {
		entry.Details = model.MustJSON(details)
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append %s audit entry: %w", stage, err)
	}
	return nil
}

func confidence(v float64) *float64 {
	return &v
}
