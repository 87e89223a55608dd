package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

func TestSenderDomainOf(t *testing.T) {
	tests := map[string]string{
		"billing@Acme.com":                "acme.com",
		"Acme Billing <ap@acme-corp.io>":  "acme-corp.io",
		"  user@mail.example.org ":        "mail.example.org",
		"no-at-sign":                      "",
		"trailing@":                       "",
		"":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, SenderDomainOf(in), in)
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "acme", NormalizeName("ACME, Inc."))
	assert.Equal(t, "acme", NormalizeName("Acme Inc"))
	assert.Equal(t, "globex supplies", NormalizeName("  Globex   Supplies LLC "))
	assert.Equal(t, "inc", NormalizeName("Inc"))
	assert.Equal(t, "", NormalizeName("  ...  "))
}

func TestMessage_HasTrustedPhone(t *testing.T) {
	m := &Message{}
	assert.False(t, m.HasTrustedPhone())

	m.SearchPhone = "+15550002222"
	assert.False(t, m.HasTrustedPhone(), "search-derived phones are discovered, not trusted")

	m.LocalPhones = datatypes.NewJSONSlice([]string{"+15550003333"})
	assert.True(t, m.HasTrustedPhone())

	m = &Message{TrustedPhone: "+15550001111"}
	assert.True(t, m.HasTrustedPhone())
}

func TestMessage_CounterpartyKey(t *testing.T) {
	assert.Equal(t, "acme", (&Message{TrustedName: "ACME Inc.", VendorName: "Other"}).CounterpartyKey())
	assert.Equal(t, "globex", (&Message{VendorName: "Globex LLC"}).CounterpartyKey())
	assert.Equal(t, "globex.com", (&Message{SenderDomain: "Globex.com"}).CounterpartyKey())
}

func TestMessageStatus_IsFinal(t *testing.T) {
	assert.True(t, StatusFraudulent.IsFinal())
	assert.True(t, StatusPending.IsFinal())
	assert.False(t, StatusCallNeeded.IsFinal())
	assert.False(t, StatusCallActive.IsFinal())
	assert.False(t, StatusReceived.IsFinal())
}

func TestCallOutcomePayload_DisputesIdentity(t *testing.T) {
	yes, no := true, false
	assert.False(t, CallOutcomePayload{}.DisputesIdentity())
	assert.False(t, CallOutcomePayload{VendorConfirmed: &yes, InvoiceConfirmed: &yes}.DisputesIdentity())
	assert.True(t, CallOutcomePayload{VendorConfirmed: &no}.DisputesIdentity())
	assert.True(t, CallOutcomePayload{VendorConfirmed: &yes, InvoiceConfirmed: &no}.DisputesIdentity())
}

func TestInboundMessagePayload_ToMessage(t *testing.T) {
	p := NewInboundMessagePayload(&InboundMessagePayload{Sender: "AP Team <ap@Vendor.io>", VendorName: "  Vendor  "})
	m := p.ToMessage("acme")

	assert.Equal(t, "acme", m.CompanyID)
	assert.Equal(t, "vendor.io", m.SenderDomain)
	assert.Equal(t, "Vendor", m.VendorName)
	assert.Equal(t, StatusReceived, m.Status)
	assert.Nil(t, m.CallClaimedAt)
}

func TestStage_Index(t *testing.T) {
	assert.Equal(t, 0, StageKeywordFilter.Index())
	assert.Equal(t, 4, StageOnlineVerification.Index())
	assert.Equal(t, 5, StageFinalDecision.Index())
	assert.Equal(t, -1, Stage("bogus").Index())
}
