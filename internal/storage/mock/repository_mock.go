package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// StoreMock mocks storage.Store
type StoreMock struct {
	mock.Mock
}

// --- MessageRepo ---

// SaveMessage mocks the SaveMessage method
func (m *StoreMock) SaveMessage(ctx context.Context, msg *model.Message) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

// FindMessageByID mocks the FindMessageByID method
func (m *StoreMock) FindMessageByID(ctx context.Context, messageID string) (*model.Message, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// SaveScreeningResult mocks the SaveScreeningResult method
func (m *StoreMock) SaveScreeningResult(ctx context.Context, msg *model.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// ClaimCall mocks the ClaimCall method
func (m *StoreMock) ClaimCall(ctx context.Context, messageID string, now time.Time) (bool, error) {
	args := m.Called(ctx, messageID, now)
	return args.Bool(0), args.Error(1)
}

// RecordCallPlaced mocks the RecordCallPlaced method
func (m *StoreMock) RecordCallPlaced(ctx context.Context, messageID, sessionID string, metadata model.CallMetadata) error {
	args := m.Called(ctx, messageID, sessionID, metadata)
	return args.Error(0)
}

// RevertClaim mocks the RevertClaim method
func (m *StoreMock) RevertClaim(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

// UpdateStatus mocks the UpdateStatus method
func (m *StoreMock) UpdateStatus(ctx context.Context, messageID string, from, to model.MessageStatus) (bool, error) {
	args := m.Called(ctx, messageID, from, to)
	return args.Bool(0), args.Error(1)
}

// ApplyVerification mocks the ApplyVerification method
func (m *StoreMock) ApplyVerification(ctx context.Context, messageID string, verdict model.MessageStatus, res model.VerificationResult, verifiedAt time.Time) (bool, error) {
	args := m.Called(ctx, messageID, verdict, res, verifiedAt)
	return args.Bool(0), args.Error(1)
}

// FindExpiredClaims mocks the FindExpiredClaims method
func (m *StoreMock) FindExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

// FindUnclaimedCalls mocks the FindUnclaimedCalls method
func (m *StoreMock) FindUnclaimedCalls(ctx context.Context, idleSince time.Time, limit int) ([]model.Message, error) {
	args := m.Called(ctx, idleSince, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

// Close mocks the Close method
func (m *StoreMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Ping mocks the Ping method
func (m *StoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// --- AuditRepo ---

// AppendAudit mocks the AppendAudit method
func (m *StoreMock) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// ReadAudit mocks the ReadAudit method
func (m *StoreMock) ReadAudit(ctx context.Context, messageID string) ([]model.AuditEntry, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AuditEntry), args.Error(1)
}

// LatestFinalDecision mocks the LatestFinalDecision method
func (m *StoreMock) LatestFinalDecision(ctx context.Context, messageID string) (*model.AuditEntry, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AuditEntry), args.Error(1)
}

// --- CallSessionRepo ---

// CreateCallSession mocks the CreateCallSession method
func (m *StoreMock) CreateCallSession(ctx context.Context, session *model.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

// MarkCallSessionPlaced mocks the MarkCallSessionPlaced method
func (m *StoreMock) MarkCallSessionPlaced(ctx context.Context, sessionID, externalSessionID string) error {
	args := m.Called(ctx, sessionID, externalSessionID)
	return args.Error(0)
}

// UpdateCallSessionStatus mocks the UpdateCallSessionStatus method
func (m *StoreMock) UpdateCallSessionStatus(ctx context.Context, sessionID string, status model.CallSessionStatus, reason string, at time.Time) (bool, error) {
	args := m.Called(ctx, sessionID, status, reason, at)
	return args.Bool(0), args.Error(1)
}

// FindCallSession mocks the FindCallSession method
func (m *StoreMock) FindCallSession(ctx context.Context, sessionID string) (*model.CallSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallSession), args.Error(1)
}

// FindCallSessionByExternalID mocks the FindCallSessionByExternalID method
func (m *StoreMock) FindCallSessionByExternalID(ctx context.Context, externalSessionID string) (*model.CallSession, error) {
	args := m.Called(ctx, externalSessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallSession), args.Error(1)
}

// FindLatestCallSession mocks the FindLatestCallSession method
func (m *StoreMock) FindLatestCallSession(ctx context.Context, messageID string) (*model.CallSession, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CallSession), args.Error(1)
}

// --- CounterpartyRepo ---

// FindCounterparty mocks the FindCounterparty method
func (m *StoreMock) FindCounterparty(ctx context.Context, vendorName, senderDomain string) (*model.Counterparty, error) {
	args := m.Called(ctx, vendorName, senderDomain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Counterparty), args.Error(1)
}
