package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// MessageStatus is the screening state of a billing message.
type MessageStatus string

const (
	// StatusReceived is a stored message that has not finished screening.
	StatusReceived MessageStatus = "received"
	// StatusPending is parked for manual follow-up (no destination, failed or timed-out call).
	StatusPending    MessageStatus = "pending"
	StatusLegitimate MessageStatus = "legitimate"
	StatusFraudulent MessageStatus = "fraudulent"
	// StatusRejected is a message that is not billing-related at all.
	StatusRejected   MessageStatus = "rejected"
	StatusCallNeeded MessageStatus = "call_needed"
	// StatusCallActive is a claimed message whose verification call is in flight.
	StatusCallActive MessageStatus = "call_needed_active"
)

// IsFinal reports whether no further automated processing happens for the status.
func (s MessageStatus) IsFinal() bool {
	switch s {
	case StatusLegitimate, StatusFraudulent, StatusRejected, StatusPending:
		return true
	}
	return false
}

// Message is an inbound billing message and everything learned about it.
type Message struct {
	ID        int64  `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	MessageID string `json:"message_id" gorm:"column:message_id;uniqueIndex"`
	CompanyID string `json:"company_id" gorm:"column:company_id;index"`
	OwnerID   string `json:"owner_id" gorm:"column:owner_id;index"`

	Sender       string `json:"sender" gorm:"column:sender"`
	SenderDomain string `json:"sender_domain" gorm:"column:sender_domain;index"`
	Subject      string `json:"subject" gorm:"column:subject"`
	Body         string `json:"body" gorm:"column:body"`

	Status     MessageStatus `json:"status" gorm:"column:status;index"`
	HaltReason string        `json:"halt_reason,omitempty" gorm:"column:halt_reason"`

	VendorName     string `json:"vendor_name,omitempty" gorm:"column:vendor_name"`
	InvoiceNumber  string `json:"invoice_number,omitempty" gorm:"column:invoice_number"`
	Amount         string `json:"amount,omitempty" gorm:"column:amount"`
	DueDate        string `json:"due_date,omitempty" gorm:"column:due_date"`
	BillingAddress string `json:"billing_address,omitempty" gorm:"column:billing_address"`

	// Contact candidates, one group per source.
	LocalPhones      datatypes.JSONSlice[string] `json:"local_phones,omitempty" gorm:"column:local_phones;type:jsonb"`
	TrustedName      string                      `json:"trusted_name,omitempty" gorm:"column:trusted_name"`
	TrustedPhone     string                      `json:"trusted_phone,omitempty" gorm:"column:trusted_phone"`
	TrustedDomain    string                      `json:"trusted_domain,omitempty" gorm:"column:trusted_domain"`
	TrustedAddress   string                      `json:"trusted_address,omitempty" gorm:"column:trusted_address"`
	SearchPhone      string                      `json:"search_phone,omitempty" gorm:"column:search_phone"`
	SearchAddress    string                      `json:"search_address,omitempty" gorm:"column:search_address"`
	SearchDomain     string                      `json:"search_domain,omitempty" gorm:"column:search_domain"`
	SearchConfidence *float64                    `json:"search_confidence,omitempty" gorm:"column:search_confidence"`
	DeclaredPhones   datatypes.JSONSlice[string] `json:"declared_phones,omitempty" gorm:"column:declared_phones;type:jsonb"`
	SenderPhones     datatypes.JSONSlice[string] `json:"sender_phones,omitempty" gorm:"column:sender_phones;type:jsonb"`

	CallClaimedAt      *time.Time     `json:"call_claimed_at,omitempty" gorm:"column:call_claimed_at;index"`
	CallSessionID      *string        `json:"call_session_id,omitempty" gorm:"column:call_session_id"`
	CallMetadata       datatypes.JSON `json:"call_metadata,omitempty" gorm:"column:call_metadata;type:jsonb"`
	VerifiedAt         *time.Time     `json:"verified_at,omitempty" gorm:"column:verified_at"`
	VerificationResult datatypes.JSON `json:"verification_result,omitempty" gorm:"column:verification_result;type:jsonb"`

	CreatedAt    time.Time      `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
	LastMetadata datatypes.JSON `json:"last_metadata,omitempty" gorm:"column:last_metadata;type:jsonb"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Message) TableName(namer schema.Namer) string {
	return namer.TableName("billing_messages")
}

// HasTrustedPhone reports whether a phone number came from a source this company already
// trusts (local curation or the counterparty store) rather than from discovery.
func (m *Message) HasTrustedPhone() bool {
	if strings.TrimSpace(m.TrustedPhone) != "" {
		return true
	}
	for _, p := range m.LocalPhones {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// CounterpartyKey identifies the counterparty for rate limiting.
func (m *Message) CounterpartyKey() string {
	if name := NormalizeName(m.TrustedName); name != "" {
		return name
	}
	if name := NormalizeName(m.VendorName); name != "" {
		return name
	}
	return strings.ToLower(m.SenderDomain)
}

// ScreeningUpdatableFields are the columns written back once the pipeline finishes.
func ScreeningUpdatableFields() []string {
	return []string{
		"status", "halt_reason",
		"trusted_name", "trusted_phone", "trusted_domain", "trusted_address",
		"search_phone", "search_address", "search_domain", "search_confidence",
		"updated_at",
	}
}

// SenderDomainOf extracts the lowercased domain part of an email address.
func SenderDomainOf(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.LastIndex(address, "<"); i >= 0 {
		address = strings.TrimSuffix(address[i+1:], ">")
	}
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[at+1:]))
}
