package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// MessageRepo defines billing message storage operations. The conditional updates
// report whether they changed a row; a false result is not an error.
type MessageRepo interface {
	// SaveMessage inserts msg unless a record with the same MessageID exists.
	SaveMessage(ctx context.Context, msg *model.Message) (created bool, err error)
	FindMessageByID(ctx context.Context, messageID string) (*model.Message, error)
	// SaveScreeningResult writes status, halt reason and the contact fields learned while screening.
	SaveScreeningResult(ctx context.Context, msg *model.Message) error

	// ClaimCall sets call_claimed_at and moves the message to call_needed_active iff it is
	// call_needed and no claim exists. It is executed once, never retried.
	ClaimCall(ctx context.Context, messageID string, now time.Time) (bool, error)
	RecordCallPlaced(ctx context.Context, messageID, sessionID string, metadata model.CallMetadata) error
	// RevertClaim clears a claim whose call was never placed.
	RevertClaim(ctx context.Context, messageID string) (bool, error)
	UpdateStatus(ctx context.Context, messageID string, from, to model.MessageStatus) (bool, error)
	// ApplyVerification stores a call verdict while the message is still call_needed_active.
	ApplyVerification(ctx context.Context, messageID string, verdict model.MessageStatus, result model.VerificationResult, verifiedAt time.Time) (bool, error)
	FindExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error)
	// FindUnclaimedCalls lists call_needed messages without a claim that were last
	// touched before idleSince.
	FindUnclaimedCalls(ctx context.Context, idleSince time.Time, limit int) ([]model.Message, error)

	Close(ctx context.Context) error
}

// AuditRepo is append-only: there are no update or delete operations.
type AuditRepo interface {
	// AppendAudit assigns entry.Sequence and entry.ID.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ReadAudit(ctx context.Context, messageID string) ([]model.AuditEntry, error)
	// LatestFinalDecision returns apperrors.ErrNotFound when the message was never decided.
	LatestFinalDecision(ctx context.Context, messageID string) (*model.AuditEntry, error)
}

// CallSessionRepo defines call session storage operations
type CallSessionRepo interface {
	CreateCallSession(ctx context.Context, session *model.CallSession) error
	MarkCallSessionPlaced(ctx context.Context, sessionID, externalSessionID string) error
	// UpdateCallSessionStatus moves a non-terminal session to status.
	UpdateCallSessionStatus(ctx context.Context, sessionID string, status model.CallSessionStatus, reason string, at time.Time) (bool, error)
	FindCallSession(ctx context.Context, sessionID string) (*model.CallSession, error)
	FindCallSessionByExternalID(ctx context.Context, externalSessionID string) (*model.CallSession, error)
	FindLatestCallSession(ctx context.Context, messageID string) (*model.CallSession, error)
}

// CounterpartyRepo reads the trusted counterparty store.
type CounterpartyRepo interface {
	// FindCounterparty matches by normalized name first, then by domain.
	// Returns apperrors.ErrNotFound when neither matches.
	FindCounterparty(ctx context.Context, vendorName, senderDomain string) (*model.Counterparty, error)
}

// Store bundles every repository. PostgresRepo and MemoryStore both implement it.
type Store interface {
	MessageRepo
	AuditRepo
	CallSessionRepo
	CounterpartyRepo
	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresRepo)(nil)
	_ Store = (*MemoryStore)(nil)
)
