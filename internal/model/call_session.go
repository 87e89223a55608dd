package model

import (
	"time"

	"gorm.io/gorm/schema"
)

// CallSessionStatus is the lifecycle state of one outbound call attempt.
type CallSessionStatus string

const (
	CallInitiated  CallSessionStatus = "initiated"
	CallInProgress CallSessionStatus = "in_progress"
	CallCompleted  CallSessionStatus = "completed"
	CallFailed     CallSessionStatus = "failed"
)

// IsTerminal reports whether the session can no longer change.
func (s CallSessionStatus) IsTerminal() bool {
	return s == CallCompleted || s == CallFailed
}

// CallSession records one outbound verification call.
type CallSession struct {
	ID                string            `json:"id" gorm:"column:id;primaryKey"`
	MessageID         string            `json:"message_id" gorm:"column:message_id;index"`
	CompanyID         string            `json:"company_id" gorm:"column:company_id;index"`
	ExternalSessionID *string           `json:"external_session_id,omitempty" gorm:"column:external_session_id;uniqueIndex"`
	Destination       string            `json:"destination" gorm:"column:destination"`
	DestinationSource string            `json:"destination_source" gorm:"column:destination_source"`
	Status            CallSessionStatus `json:"status" gorm:"column:status;index"`
	FailureReason     string            `json:"failure_reason,omitempty" gorm:"column:failure_reason"`
	InitiatedAt       time.Time         `json:"initiated_at" gorm:"column:initiated_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" gorm:"column:completed_at"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (CallSession) TableName(namer schema.Namer) string {
	return namer.TableName("call_sessions")
}

// ReconcileResult says what a call outcome or a timeout did to its message.
type ReconcileResult string

const (
	ReconcileLegitimate ReconcileResult = "legitimate"
	ReconcileFraudulent ReconcileResult = "fraudulent"
	ReconcilePending    ReconcileResult = "pending"
	ReconcileInProgress ReconcileResult = "in_progress"
	ReconcileStale      ReconcileResult = "stale"
	ReconcileTimeout    ReconcileResult = "timeout"
)
