package model

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// InboundMessagePayload is published by the mailbox layer on v1.billing.messages.<company>.
type InboundMessagePayload struct {
	MessageID      string   `json:"message_id" validate:"required,max=255"`
	OwnerID        string   `json:"owner_id" validate:"required,max=255"`
	Sender         string   `json:"sender" validate:"required,max=512"`
	Subject        string   `json:"subject" validate:"max=2048"`
	Body           string   `json:"body" validate:"required"`
	VendorName     string   `json:"vendor_name,omitempty" validate:"max=512"`
	InvoiceNumber  string   `json:"invoice_number,omitempty" validate:"max=255"`
	Amount         string   `json:"amount,omitempty" validate:"max=64"`
	DueDate        string   `json:"due_date,omitempty" validate:"max=64"`
	BillingAddress string   `json:"billing_address,omitempty" validate:"max=1024"`
	LocalPhones    []string `json:"local_phones,omitempty" validate:"max=16,dive,max=64"`
	DeclaredPhones []string `json:"declared_phones,omitempty" validate:"max=16,dive,max=64"`
	SenderPhones   []string `json:"sender_phones,omitempty" validate:"max=16,dive,max=64"`
}

// ToMessage builds the stored record for companyID.
func (p InboundMessagePayload) ToMessage(companyID string) *Message {
	return &Message{
		MessageID:      p.MessageID,
		CompanyID:      companyID,
		OwnerID:        p.OwnerID,
		Sender:         strings.TrimSpace(p.Sender),
		SenderDomain:   SenderDomainOf(p.Sender),
		Subject:        p.Subject,
		Body:           p.Body,
		Status:         StatusReceived,
		VendorName:     strings.TrimSpace(p.VendorName),
		InvoiceNumber:  strings.TrimSpace(p.InvoiceNumber),
		Amount:         strings.TrimSpace(p.Amount),
		DueDate:        strings.TrimSpace(p.DueDate),
		BillingAddress: strings.TrimSpace(p.BillingAddress),
		LocalPhones:    datatypes.NewJSONSlice(p.LocalPhones),
		DeclaredPhones: datatypes.NewJSONSlice(p.DeclaredPhones),
		SenderPhones:   datatypes.NewJSONSlice(p.SenderPhones),
	}
}

// CallOutcomePayload is the asynchronous follow-up of a placed call.
// VendorConfirmed and InvoiceConfirmed are nil when the callee did not answer the question.
type CallOutcomePayload struct {
	SessionID        string            `json:"session_id" validate:"required"`
	MessageID        string            `json:"message_id" validate:"required"`
	Status           CallSessionStatus `json:"status" validate:"required,oneof=in_progress completed failed"`
	VendorConfirmed  *bool             `json:"vendor_confirmed,omitempty"`
	InvoiceConfirmed *bool             `json:"invoice_confirmed,omitempty"`
	AmountConfirmed  *bool             `json:"amount_confirmed,omitempty"`
	VerifiedFields   map[string]string `json:"verified_fields,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// DisputesIdentity reports whether the callee denied the vendor identity or the invoice.
func (p CallOutcomePayload) DisputesIdentity() bool {
	return (p.VendorConfirmed != nil && !*p.VendorConfirmed) ||
		(p.InvoiceConfirmed != nil && !*p.InvoiceConfirmed)
}

// VerificationResult is stored in billing_messages.verification_result.
type VerificationResult struct {
	SessionID        string            `json:"session_id"`
	Verdict          MessageStatus     `json:"verdict"`
	VendorConfirmed  *bool             `json:"vendor_confirmed,omitempty"`
	InvoiceConfirmed *bool             `json:"invoice_confirmed,omitempty"`
	AmountConfirmed  *bool             `json:"amount_confirmed,omitempty"`
	VerifiedFields   map[string]string `json:"verified_fields,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// CallMetadata is stored in billing_messages.call_metadata once a call is placed.
type CallMetadata struct {
	CallSessionID     string    `json:"call_session_id"`
	ExternalSessionID string    `json:"external_session_id"`
	Destination       string    `json:"destination"`
	DestinationSource string    `json:"destination_source"`
	PlacedAt          time.Time `json:"placed_at"`
	Provider          string    `json:"provider,omitempty"`
}

// DLQPayload is published to the dead-letter subject for messages that cannot be processed.
type DLQPayload struct {
	SourceSubject   string          `json:"source_subject"`
	Company         string          `json:"company"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"`
	RetryCount      uint64          `json:"retry_count"`
	MaxRetry        int             `json:"max_retry"`
	Timestamp       time.Time       `json:"ts"`
}

// MustJSON marshals v for a jsonb column; v must be a plain struct or map.
func MustJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		panic("model: marshal json column: " + err.Error())
	}
	return datatypes.JSON(b)
}
