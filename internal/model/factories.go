package model

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/billing-verify-processor/pkg/utils"
)

func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

func fakePhone() string {
	return fmt.Sprintf("+1%010d", gofakeit.Number(2000000000, 9899999999))
}

// NewInboundMessagePayload returns a plausible invoice email. The override, when given,
// replaces any non-zero field.
func NewInboundMessagePayload(override ...*InboundMessagePayload) *InboundMessagePayload {
	company := gofakeit.Company()
	domain := gofakeit.DomainName()
	p := &InboundMessagePayload{
		MessageID:      gofakeit.UUID(),
		OwnerID:        gofakeit.Email(),
		Sender:         fmt.Sprintf("billing@%s", domain),
		Subject:        fmt.Sprintf("Invoice %s from %s", gofakeit.DigitN(6), company),
		Body:           fmt.Sprintf("Please find attached invoice. Amount due: $%.2f. Payment by wire to the bank details below.", gofakeit.Price(50, 25000)),
		VendorName:     company,
		InvoiceNumber:  "INV-" + gofakeit.DigitN(6),
		Amount:         fmt.Sprintf("$%.2f", gofakeit.Price(50, 25000)),
		DueDate:        gofakeit.FutureDate().Format("2006-01-02"),
		BillingAddress: gofakeit.Address().Address,
		DeclaredPhones: []string{fakePhone()},
		SenderPhones:   []string{fakePhone()},
	}

	if len(override) > 0 && override[0] != nil {
		o := override[0]
		setIfNotEmpty(&p.MessageID, o.MessageID)
		setIfNotEmpty(&p.OwnerID, o.OwnerID)
		setIfNotEmpty(&p.Sender, o.Sender)
		setIfNotEmpty(&p.Subject, o.Subject)
		setIfNotEmpty(&p.Body, o.Body)
		setIfNotEmpty(&p.VendorName, o.VendorName)
		setIfNotEmpty(&p.InvoiceNumber, o.InvoiceNumber)
		setIfNotEmpty(&p.Amount, o.Amount)
		if o.LocalPhones != nil {
			p.LocalPhones = o.LocalPhones
		}
		if o.DeclaredPhones != nil {
			p.DeclaredPhones = o.DeclaredPhones
		}
		if o.SenderPhones != nil {
			p.SenderPhones = o.SenderPhones
		}
	}
	return p
}

// NewMessage returns a stored message in the given status for companyID.
func NewMessage(companyID string, status MessageStatus) *Message {
	m := NewInboundMessagePayload().ToMessage(companyID)
	m.Status = status
	now := utils.Now()
	m.CreatedAt = now.Add(-time.Duration(gofakeit.Number(1, 60)) * time.Minute)
	m.UpdatedAt = now
	return m
}

// NewCounterparty returns a trusted counterparty record.
func NewCounterparty(companyID string) *Counterparty {
	name := gofakeit.Company()
	return &Counterparty{
		CompanyID:      companyID,
		Name:           name,
		NormalizedName: NormalizeName(name),
		Domain:         gofakeit.DomainName(),
		Phone:          fakePhone(),
		Address:        gofakeit.Address().Address,
	}
}

// NewCallOutcomePayload returns a completed outcome that confirms vendor and invoice.
func NewCallOutcomePayload(messageID, sessionID string) *CallOutcomePayload {
	yes := true
	done := utils.Now()
	return &CallOutcomePayload{
		SessionID:        sessionID,
		MessageID:        messageID,
		Status:           CallCompleted,
		VendorConfirmed:  &yes,
		InvoiceConfirmed: &yes,
		AmountConfirmed:  &yes,
		VerifiedFields:   map[string]string{"contact_name": gofakeit.Name()},
		Notes:            gofakeit.Sentence(8),
		CompletedAt:      &done,
	}
}

// RandomJSON returns a small random JSON object.
func RandomJSON() datatypes.JSON {
	return MustJSON(map[string]interface{}{
		"key": gofakeit.Word(),
		"num": gofakeit.Number(1, 100),
	})
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
