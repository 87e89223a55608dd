package model

import (
	"strings"
	"time"
)

// EventType is the versioned base subject of an ingested event.
type EventType string

const (
	// V1BillingMessages carries inbound messages from the mailbox layer.
	V1BillingMessages EventType = "v1.billing.messages"
	// V1CallOutcome carries asynchronous results from the call-placing service.
	V1CallOutcome EventType = "v1.calls.outcome"
)

var knownEventTypes = map[EventType]struct{}{
	V1BillingMessages: {},
	V1CallOutcome:     {},
}

// MapToBaseEventType maps a subject such as "v1.billing.messages.acme" to its base
// EventType by dropping the trailing company component.
func MapToBaseEventType(subject string) (EventType, bool) {
	if _, ok := knownEventTypes[EventType(subject)]; ok {
		return EventType(subject), true
	}
	idx := strings.LastIndex(subject, ".")
	if idx <= 0 {
		return "", false
	}
	base := EventType(subject[:idx])
	if _, ok := knownEventTypes[base]; ok {
		return base, true
	}
	return "", false
}

// SubjectFor returns the company-scoped subject of an event type.
func SubjectFor(e EventType, companyID string) string {
	return string(e) + "." + companyID
}

// MessageMetadata is the JetStream delivery information handed to handlers.
type MessageMetadata struct {
	ConsumerSequence uint64
	StreamSequence   uint64
	NumDelivered     uint64
	Timestamp        time.Time
	Stream           string
	Consumer         string
	MessageID        string
	MessageSubject   string
	CompanyID        string
}

// ToLastMetadata keeps the subset of delivery information persisted with a message.
func (m MessageMetadata) ToLastMetadata() *LastMetadata {
	return &LastMetadata{
		ConsumerSequence: int64(m.ConsumerSequence),
		StreamSequence:   int64(m.StreamSequence),
		NumDelivered:     int64(m.NumDelivered),
		Stream:           m.Stream,
		Consumer:         m.Consumer,
		MessageID:        m.MessageID,
		MessageSubject:   m.MessageSubject,
		CompanyID:        m.CompanyID,
	}
}

// LastMetadata is stored in the last_metadata column.
type LastMetadata struct {
	ConsumerSequence int64  `json:"consumer_sequence"`
	StreamSequence   int64  `json:"stream_sequence"`
	NumDelivered     int64  `json:"num_delivered"`
	Stream           string `json:"stream"`
	Consumer         string `json:"consumer"`
	MessageID        string `json:"message_id"`
	MessageSubject   string `json:"message_subject"`
	CompanyID        string `json:"company_id"`
}
