// Package varmap turns a screened message into the variable set read by the calling agent.
// Map is pure: the same inputs always give the same set, and every key in Keys is present.
package varmap

import (
	"regexp"
	"strconv"
	"strings"

	"gitlab.com/timkado/api/billing-verify-processor/internal/enrichment"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// Unknown is the default for descriptive variables with no value.
const Unknown = "unknown"

// Options carries the per-deployment values that are not part of a message.
type Options struct {
	CompanyName string
	Disclosure  string
	AgentName   string
}

type defaultKind int

const (
	descriptive defaultKind = iota // "unknown"
	placeholder                    // ""
)

type variable struct {
	name string
	kind defaultKind
}

var schema = []variable{
	{"customer_owner_id", descriptive},
	{"customer_company_id", descriptive},
	{"customer_company_name", descriptive},

	{"case_message_id", descriptive},
	{"case_reference", descriptive},

	{"email_sender", descriptive},
	{"email_sender_domain", descriptive},
	{"email_subject", descriptive},
	{"email_vendor_name", descriptive},
	{"email_invoice_number", descriptive},
	{"email_amount", descriptive},
	{"email_due_date", descriptive},
	{"email_billing_address", descriptive},

	{"official_name", descriptive},
	{"official_phone", descriptive},
	{"official_domain", descriptive},
	{"official_address", descriptive},

	{"search_phone", descriptive},
	{"search_address", descriptive},
	{"search_domain", descriptive},
	{"search_confidence", descriptive},

	{"verification_vendor_confirmed", placeholder},
	{"verification_invoice_confirmed", placeholder},
	{"verification_amount_confirmed", placeholder},
	{"verification_contact_name", placeholder},
	{"verification_notes", placeholder},

	{"compliance_disclosure", placeholder},
	{"compliance_agent_name", descriptive},
}

// Keys returns every variable name Map produces, in schema order.
func Keys() []string {
	keys := make([]string, len(schema))
	for i, v := range schema {
		keys[i] = v.name
	}
	return keys
}

// Map builds the variable set for msg. search overrides the search fields stored on msg
// when given; it is usually nil because the pipeline already copied its result.
func Map(msg *model.Message, search *enrichment.Result, opts Options) model.VariableSet {
	values := map[string]string{
		"customer_owner_id":     msg.OwnerID,
		"customer_company_id":   msg.CompanyID,
		"customer_company_name": opts.CompanyName,

		"case_message_id": msg.MessageID,
		"case_reference":  firstNonEmpty(msg.InvoiceNumber, msg.MessageID),

		"email_sender":          msg.Sender,
		"email_sender_domain":   msg.SenderDomain,
		"email_subject":         msg.Subject,
		"email_vendor_name":     msg.VendorName,
		"email_invoice_number":  msg.InvoiceNumber,
		"email_amount":          NormalizeAmount(msg.Amount),
		"email_due_date":        msg.DueDate,
		"email_billing_address": msg.BillingAddress,

		"official_name":    msg.TrustedName,
		"official_phone":   msg.TrustedPhone,
		"official_domain":  msg.TrustedDomain,
		"official_address": msg.TrustedAddress,

		"search_phone":      msg.SearchPhone,
		"search_address":    msg.SearchAddress,
		"search_domain":     msg.SearchDomain,
		"search_confidence": formatConfidence(msg.SearchConfidence),

		"compliance_disclosure": opts.Disclosure,
		"compliance_agent_name": opts.AgentName,
	}
	if !search.Empty() {
		values["search_phone"] = search.Phone
		values["search_address"] = search.Address
		values["search_domain"] = search.Domain
		values["search_confidence"] = formatConfidence(&search.Confidence)
	}

	out := make(model.VariableSet, len(schema))
	for _, v := range schema {
		val := collapse(values[v.name])
		if val == "" && v.kind == descriptive {
			val = Unknown
		}
		out[v.name] = val
	}
	return out
}

var spaces = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return strconv.FormatFloat(*c, 'f', 2, 64)
}

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

var amountPattern = regexp.MustCompile(`^([A-Za-z]{3}|[$€£¥₹])?\s*(-?[0-9][0-9.,' ]*)\s*([A-Za-z]{3}|[$€£¥₹])?$`)

// NormalizeAmount rewrites "$1,200.5" or "1.200,50 EUR" as "1200.50 USD" / "1200.50 EUR".
// Text it cannot parse is returned trimmed and otherwise unchanged.
func NormalizeAmount(raw string) string {
	raw = collapse(raw)
	m := amountPattern.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	currency := m[1]
	if currency == "" {
		currency = m[3]
	} else if m[3] != "" {
		return raw
	}
	if code, ok := currencySymbols[currency]; ok {
		currency = code
	}
	currency = strings.ToUpper(currency)

	value, ok := parseNumber(m[2])
	if !ok {
		return raw
	}
	out := strconv.FormatFloat(value, 'f', 2, 64)
	if currency != "" {
		out += " " + currency
	}
	return out
}

// parseNumber accepts both 1,234.56 and 1.234,56 by treating the last separator as the
// decimal point when two or fewer digits follow it.
func parseNumber(s string) (float64, bool) {
	s = strings.NewReplacer(" ", "", "'", "").Replace(s)
	dec := strings.LastIndexAny(s, ".,")
	if dec >= 0 && len(s)-dec-1 <= 2 {
		intPart := strings.NewReplacer(".", "", ",", "").Replace(s[:dec])
		s = intPart + "." + s[dec+1:]
	} else {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
