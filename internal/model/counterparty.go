package model

import (
	"strings"
	"unicode"

	"gorm.io/gorm/schema"
)

// Counterparty is a known vendor maintained outside this service. Read-only here.
type Counterparty struct {
	ID             int64  `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	CompanyID      string `json:"company_id" gorm:"column:company_id;index"`
	Name           string `json:"name" gorm:"column:name"`
	NormalizedName string `json:"normalized_name" gorm:"column:normalized_name;index"`
	Domain         string `json:"domain" gorm:"column:domain;index"`
	Phone          string `json:"phone" gorm:"column:phone"`
	Address        string `json:"address" gorm:"column:address"`
}

// TableName specifies the base table name for GORM, respecting the Namer.
func (Counterparty) TableName(namer schema.Namer) string {
	return namer.TableName("trusted_counterparties")
}

var legalSuffixes = []string{"inc", "llc", "ltd", "gmbh", "corp", "co", "plc", "bv", "sa", "ag", "limited", "corporation"}

// NormalizeName lowercases a company name, strips punctuation and a trailing legal-form
// suffix so "ACME, Inc." and "Acme Inc" compare equal.
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	if len(fields) > 1 {
		last := fields[len(fields)-1]
		for _, s := range legalSuffixes {
			if last == s {
				fields = fields[:len(fields)-1]
				break
			}
		}
	}
	return strings.Join(fields, " ")
}
