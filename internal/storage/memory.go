package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

// MemoryStore keeps every repository in process memory. The conditional updates follow
// the same predicates as PostgresRepo so claims stay exclusive within one process.
// Used for local runs and tests; state is lost on exit.
type MemoryStore struct {
	mu             sync.Mutex
	nextID         int64
	messages       map[string]*model.Message
	audit          map[string][]model.AuditEntry
	sessions       map[string]*model.CallSession
	counterparties []model.Counterparty
}

// NewMemoryStore creates an empty store, optionally seeded with trusted counterparties.
func NewMemoryStore(counterparties ...model.Counterparty) *MemoryStore {
	s := &MemoryStore{
		messages: make(map[string]*model.Message),
		audit:    make(map[string][]model.AuditEntry),
		sessions: make(map[string]*model.CallSession),
	}
	for _, cp := range counterparties {
		s.AddCounterparty(cp)
	}
	return s
}

// AddCounterparty seeds the trusted store.
func (s *MemoryStore) AddCounterparty(cp model.Counterparty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp.ID = s.nextID
	if cp.NormalizedName == "" {
		cp.NormalizedName = model.NormalizeName(cp.Name)
	}
	cp.Domain = strings.ToLower(cp.Domain)
	s.counterparties = append(s.counterparties, cp)
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.LocalPhones = slices.Clone(m.LocalPhones)
	out.DeclaredPhones = slices.Clone(m.DeclaredPhones)
	out.SenderPhones = slices.Clone(m.SenderPhones)
	out.CallMetadata = slices.Clone(m.CallMetadata)
	out.VerificationResult = slices.Clone(m.VerificationResult)
	out.LastMetadata = slices.Clone(m.LastMetadata)
	if m.CallClaimedAt != nil {
		t := *m.CallClaimedAt
		out.CallClaimedAt = &t
	}
	if m.CallSessionID != nil {
		id := *m.CallSessionID
		out.CallSessionID = &id
	}
	if m.VerifiedAt != nil {
		t := *m.VerifiedAt
		out.VerifiedAt = &t
	}
	if m.SearchConfidence != nil {
		c := *m.SearchConfidence
		out.SearchConfidence = &c
	}
	return &out
}

// message returns the stored record of the current tenant. Callers hold s.mu.
func (s *MemoryStore) message(ctx context.Context, messageID string) (*model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := s.messages[messageID]
	if !ok || m.CompanyID != companyID {
		return nil, fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID)
	}
	return m, nil
}

// ignoreNotFound turns a missing row into a no-op, matching a conditional UPDATE
// that affects zero rows.
func ignoreNotFound(err error) error {
	if apperrors.IsNotFoundError(err) {
		return nil
	}
	return err
}

// SaveMessage implements MessageRepo.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *model.Message) (bool, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return false, err
	}
	if msg.CompanyID != companyID {
		return false, fmt.Errorf("%w: message CompanyID %s does not match tenant ID %s", apperrors.ErrValidation, msg.CompanyID, companyID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.MessageID]; exists {
		return false, nil
	}
	s.nextID++
	now := utils.Now()
	msg.ID = s.nextID
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.MessageID] = cloneMessage(msg)
	return true, nil
}

// FindMessageByID implements MessageRepo.
func (s *MemoryStore) FindMessageByID(ctx context.Context, messageID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return cloneMessage(m), nil
}

// SaveScreeningResult implements MessageRepo.
func (s *MemoryStore) SaveScreeningResult(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, msg.MessageID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusReceived {
		return nil
	}
	m.Status = msg.Status
	m.HaltReason = msg.HaltReason
	m.TrustedName = msg.TrustedName
	m.TrustedPhone = msg.TrustedPhone
	m.TrustedDomain = msg.TrustedDomain
	m.TrustedAddress = msg.TrustedAddress
	m.SearchPhone = msg.SearchPhone
	m.SearchAddress = msg.SearchAddress
	m.SearchDomain = msg.SearchDomain
	m.SearchConfidence = msg.SearchConfidence
	m.UpdatedAt = utils.Now()
	return nil
}

// ClaimCall implements MessageRepo.
func (s *MemoryStore) ClaimCall(ctx context.Context, messageID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if m.CallClaimedAt != nil || m.Status != model.StatusCallNeeded {
		return false, nil
	}
	claimedAt := now
	m.CallClaimedAt = &claimedAt
	m.Status = model.StatusCallActive
	m.UpdatedAt = now
	return true, nil
}

// RecordCallPlaced implements MessageRepo.
func (s *MemoryStore) RecordCallPlaced(ctx context.Context, messageID, sessionID string, metadata model.CallMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusCallActive || (m.CallSessionID != nil && *m.CallSessionID != sessionID) {
		return fmt.Errorf("%w: message %s is no longer %s", apperrors.ErrConflict, messageID, model.StatusCallActive)
	}
	id := sessionID
	m.CallSessionID = &id
	m.CallMetadata = model.MustJSON(metadata)
	m.UpdatedAt = utils.Now()
	return nil
}

// RevertClaim implements MessageRepo.
func (s *MemoryStore) RevertClaim(ctx context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if m.Status != model.StatusCallActive || m.CallSessionID != nil {
		return false, nil
	}
	m.CallClaimedAt = nil
	m.Status = model.StatusCallNeeded
	m.UpdatedAt = utils.Now()
	return true, nil
}

// UpdateStatus implements MessageRepo.
func (s *MemoryStore) UpdateStatus(ctx context.Context, messageID string, from, to model.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = utils.Now()
	return true, nil
}

// ApplyVerification implements MessageRepo.
func (s *MemoryStore) ApplyVerification(ctx context.Context, messageID string, verdict model.MessageStatus, res model.VerificationResult, verifiedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.message(ctx, messageID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if m.Status != model.StatusCallActive || m.VerifiedAt != nil {
		return false, nil
	}
	at := verifiedAt
	m.Status = verdict
	m.VerifiedAt = &at
	m.VerificationResult = model.MustJSON(res)
	m.UpdatedAt = utils.Now()
	return true, nil
}

// FindExpiredClaims implements MessageRepo.
func (s *MemoryStore) FindExpiredClaims(ctx context.Context, cutoff time.Time, limit int) ([]model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.CompanyID != companyID || m.Status != model.StatusCallActive || m.VerifiedAt != nil {
			continue
		}
		if m.CallClaimedAt == nil || !m.CallClaimedAt.Before(cutoff) {
			continue
		}
		out = append(out, *cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallClaimedAt.Before(*out[j].CallClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindUnclaimedCalls implements MessageRepo.
func (s *MemoryStore) FindUnclaimedCalls(ctx context.Context, idleSince time.Time, limit int) ([]model.Message, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.CompanyID != companyID || m.Status != model.StatusCallNeeded || m.CallClaimedAt != nil {
			continue
		}
		if !m.UpdatedAt.Before(idleSince) {
			continue
		}
		out = append(out, *cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements MessageRepo.
func (s *MemoryStore) Close(context.Context) error { return nil }

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// AppendAudit implements AuditRepo.
func (s *MemoryStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.CompanyID == "" {
		entry.CompanyID = companyID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utils.Now()
	}
	s.nextID++
	entry.ID = s.nextID
	entry.Sequence = int64(len(s.audit[entry.MessageID]) + 1)
	stored := *entry
	stored.Details = slices.Clone(entry.Details)
	s.audit[entry.MessageID] = append(s.audit[entry.MessageID], stored)
	return nil
}

// ReadAudit implements AuditRepo.
func (s *MemoryStore) ReadAudit(ctx context.Context, messageID string) ([]model.AuditEntry, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range s.audit[messageID] {
		if e.CompanyID == companyID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LatestFinalDecision implements AuditRepo.
func (s *MemoryStore) LatestFinalDecision(ctx context.Context, messageID string) (*model.AuditEntry, error) {
	entries, err := s.ReadAudit(ctx, messageID)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Stage == model.StageFinalDecision {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("%w: no final decision for message %s", apperrors.ErrNotFound, messageID)
}

// CreateCallSession implements CallSessionRepo.
func (s *MemoryStore) CreateCallSession(ctx context.Context, session *model.CallSession) error {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: call session %s", apperrors.ErrDuplicate, session.ID)
	}
	if session.CompanyID == "" {
		session.CompanyID = companyID
	}
	session.UpdatedAt = utils.Now()
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

// MarkCallSessionPlaced implements CallSessionRepo.
func (s *MemoryStore) MarkCallSessionPlaced(ctx context.Context, sessionID, externalSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if cs.Status != model.CallInitiated {
		return fmt.Errorf("%w: call session %s is no longer %s", apperrors.ErrConflict, sessionID, model.CallInitiated)
	}
	for _, other := range s.sessions {
		if other.ID != sessionID && other.ExternalSessionID != nil && *other.ExternalSessionID == externalSessionID {
			return fmt.Errorf("%w: external session %s", apperrors.ErrDuplicate, externalSessionID)
		}
	}
	ext := externalSessionID
	cs.ExternalSessionID = &ext
	cs.UpdatedAt = utils.Now()
	return nil
}

// UpdateCallSessionStatus implements CallSessionRepo.
func (s *MemoryStore) UpdateCallSessionStatus(ctx context.Context, sessionID string, status model.CallSessionStatus, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.session(ctx, sessionID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if cs.Status.IsTerminal() {
		return false, nil
	}
	cs.Status = status
	if reason != "" {
		cs.FailureReason = reason
	}
	if status.IsTerminal() {
		t := at
		cs.CompletedAt = &t
	}
	cs.UpdatedAt = utils.Now()
	return true, nil
}

// session returns the stored session of the current tenant. Callers hold s.mu.
func (s *MemoryStore) session(ctx context.Context, sessionID string) (*model.CallSession, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	cs, ok := s.sessions[sessionID]
	if !ok || cs.CompanyID != companyID {
		return nil, fmt.Errorf("%w: call session %s", apperrors.ErrNotFound, sessionID)
	}
	return cs, nil
}

// FindCallSession implements CallSessionRepo.
func (s *MemoryStore) FindCallSession(ctx context.Context, sessionID string) (*model.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := *cs
	return &out, nil
}

// FindCallSessionByExternalID implements CallSessionRepo.
func (s *MemoryStore) FindCallSessionByExternalID(ctx context.Context, externalSessionID string) (*model.CallSession, error) {
	return s.findSession(ctx, func(cs *model.CallSession) bool {
		return cs.ExternalSessionID != nil && *cs.ExternalSessionID == externalSessionID
	})
}

// FindLatestCallSession implements CallSessionRepo.
func (s *MemoryStore) FindLatestCallSession(ctx context.Context, messageID string) (*model.CallSession, error) {
	return s.findSession(ctx, func(cs *model.CallSession) bool { return cs.MessageID == messageID })
}

func (s *MemoryStore) findSession(ctx context.Context, match func(*model.CallSession) bool) (*model.CallSession, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.CallSession
	for _, cs := range s.sessions {
		if cs.CompanyID != companyID || !match(cs) {
			continue
		}
		if latest == nil || cs.InitiatedAt.After(latest.InitiatedAt) {
			latest = cs
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: call session", apperrors.ErrNotFound)
	}
	out := *latest
	return &out, nil
}

// FindCounterparty implements CounterpartyRepo.
func (s *MemoryStore) FindCounterparty(ctx context.Context, vendorName, senderDomain string) (*model.Counterparty, error) {
	companyID, err := companyFromContext(ctx)
	if err != nil {
		return nil, err
	}
	name := model.NormalizeName(vendorName)
	domain := strings.ToLower(strings.TrimSpace(senderDomain))

	s.mu.Lock()
	defer s.mu.Unlock()
	if name != "" {
		for _, cp := range s.counterparties {
			if cp.CompanyID == companyID && cp.NormalizedName == name {
				out := cp
				return &out, nil
			}
		}
	}
	if domain != "" {
		for _, cp := range s.counterparties {
			if cp.CompanyID == companyID && cp.Domain == domain {
				out := cp
				return &out, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no counterparty for name %q or domain %q", apperrors.ErrNotFound, name, domain)
}
