// Package destination picks the phone number a verification call goes to.
package destination

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"gitlab.com/timkado/api/billing-verify-processor/internal/apperrors"
	"gitlab.com/timkado/api/billing-verify-processor/internal/model"
)

// Source names where a candidate number came from.
type Source string

const (
	SourceLocal    Source = "local"
	SourceTrusted  Source = "trusted"
	SourceSearch   Source = "search"
	SourceDeclared Source = "declared"
	SourceSender   Source = "sender"
)

// Destination is the chosen number.
type Destination struct {
	Phone  string
	Source Source
}

var e164 = regexp.MustCompile(`^\+[0-9]{8,15}$`)

// Resolver tries sources in a fixed order; the first valid candidate wins.
type Resolver struct {
	defaultRegion string
}

// NewResolver creates a resolver. defaultRegion (ISO 3166, e.g. "US") is used to read
// numbers written in national format.
func NewResolver(defaultRegion string) *Resolver {
	return &Resolver{defaultRegion: strings.ToUpper(defaultRegion)}
}

// Resolve returns the highest-priority valid number of msg, or ErrNoDestination.
func (r *Resolver) Resolve(msg *model.Message) (Destination, error) {
	groups := []struct {
		source     Source
		candidates []string
	}{
		{SourceLocal, msg.LocalPhones},
		{SourceTrusted, []string{msg.TrustedPhone}},
		{SourceSearch, []string{msg.SearchPhone}},
		{SourceDeclared, msg.DeclaredPhones},
		{SourceSender, msg.SenderPhones},
	}

	for _, g := range groups {
		for _, c := range g.candidates {
			if phone, ok := r.Normalize(c); ok {
				return Destination{Phone: phone, Source: g.source}, nil
			}
		}
	}
	return Destination{}, fmt.Errorf("%w for message %s", apperrors.ErrNoDestination, msg.MessageID)
}

// Normalize converts raw to E.164 and reports whether the result is callable.
func (r *Resolver) Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	candidate := stripSeparators(raw)
	if !strings.HasPrefix(candidate, "+") {
		if num, err := phonenumbers.Parse(raw, r.defaultRegion); err == nil {
			candidate = phonenumbers.Format(num, phonenumbers.E164)
		}
	}
	if !e164.MatchString(candidate) {
		return "", false
	}
	return candidate, true
}

func stripSeparators(s string) string {
	var b strings.Builder
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '+' && i == 0:
			b.WriteRune(c)
		case c == ' ', c == '-', c == '.', c == '(', c == ')', c == '/':
		default:
			// letters or extensions make the number unusable as-is
			return s
		}
	}
	return b.String()
}
