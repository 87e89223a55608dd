package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// Stage names a screening step. The order of StageOrder is the execution order.
type Stage string

const (
	StageKeywordFilter      Stage = "keyword_filter"
	StageClassification     Stage = "classification"
	StageDomainCheck        Stage = "domain_check"
	StageCounterpartyLookup Stage = "counterparty_lookup"
	StageOnlineVerification Stage = "online_verification"
	StageFinalDecision      Stage = "final_decision"
)

// StageOrder lists the screening stages in execution order, excluding the final decision.
var StageOrder = []Stage{
	StageKeywordFilter,
	StageClassification,
	StageDomainCheck,
	StageCounterpartyLookup,
	StageOnlineVerification,
}

// Index returns the position of s in StageOrder, len(StageOrder) for the final
// decision and -1 for unknown stages.
func (s Stage) Index() int {
	if s == StageFinalDecision {
		return len(StageOrder)
	}
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// AuditEntry is one immutable stage decision. Entries are appended, never updated.
type AuditEntry struct {
	ID         int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	MessageID  string         `json:"message_id" gorm:"column:message_id;uniqueIndex:idx_audit_message_sequence,priority:1"`
	Sequence   int64          `json:"sequence" gorm:"column:sequence;uniqueIndex:idx_audit_message_sequence,priority:2"`
	CompanyID  string         `json:"company_id" gorm:"column:company_id;index"`
	RunID      string         `json:"run_id" gorm:"column:run_id;index"`
	Stage      Stage          `json:"stage" gorm:"column:stage;index"`
	Decision   bool           `json:"decision" gorm:"column:decision"`
	Confidence *float64       `json:"confidence,omitempty" gorm:"column:confidence"`
	Reasoning  string         `json:"reasoning" gorm:"column:reasoning"`
	Details    datatypes.JSON `json:"details,omitempty" gorm:"column:details;type:jsonb"`
	CreatedAt  time.Time      `json:"created_at" gorm:"column:created_at"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (AuditEntry) TableName(namer schema.Namer) string {
	return namer.TableName("audit_entries")
}

// FinalDecisionDetails is the structured summary stored on the final decision entry.
type FinalDecisionDetails struct {
	Status     MessageStatus `json:"status"`
	HaltReason string        `json:"halt_reason,omitempty"`
	LastStage  Stage         `json:"last_stage"`
}
