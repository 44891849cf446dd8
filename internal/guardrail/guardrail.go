// Package guardrail decides per-recipient send eligibility before any
// external call: every declared template token must resolve to a non-empty
// value and the recipient's phone must normalize to the provider's canonical
// form. Pure functions only; suppression policy is layered on top by the
// orchestrator.
package guardrail

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bulkwave/bulkwave-backend/internal/model"
)

// Ineligibility codes
const (
	CodeMissingParam    = "MISSING_REQUIRED_PARAM"
	CodeInvalidIdentity = "INVALID_IDENTITY"
)

var tokenRx = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// ResolvedParam is one template parameter in declaration order.
type ResolvedParam struct {
	Position int    `json:"position"`
	Token    string `json:"token"`
	Value    string `json:"value"`
}

// Eligible is a recipient cleared to send.
type Eligible struct {
	Identity string
	Params   []ResolvedParam
}

// Ineligible carries the deterministic reason a recipient is skipped.
type Ineligible struct {
	Code   string
	Reason string
}

type Validator struct {
	DefaultCountryCode string
}

// Validate resolves every token the contract body declares and normalizes
// the recipient identity. Same inputs always produce the same result.
func (v Validator) Validate(rec *model.CampaignRecipient, contract *model.TemplateContract, variables map[string]string) (*Eligible, *Ineligible) {
	tokens := tokenRx.FindAllStringSubmatch(contract.Body, -1)

	params := make([]ResolvedParam, 0, len(tokens))
	for i, m := range tokens {
		raw, key := m[0], m[1]
		value := v.resolve(key, rec, variables)
		if strings.TrimSpace(value) == "" {
			return nil, &Ineligible{
				Code:   CodeMissingParam,
				Reason: fmt.Sprintf("parameter %d (%s) resolved empty", i+1, raw),
			}
		}
		params = append(params, ResolvedParam{Position: i + 1, Token: raw, Value: value})
	}

	identity := NormalizePhone(rec.Phone, v.DefaultCountryCode)
	if identity == "" {
		return nil, &Ineligible{
			Code:   CodeInvalidIdentity,
			Reason: fmt.Sprintf("phone %q is not normalizable", rec.Phone),
		}
	}

	return &Eligible{Identity: identity, Params: params}, nil
}

// resolve looks a token up against, in order: recipient built-ins, the
// recipient's contact-supplied custom fields, then static campaign
// variables. Positional tokens ({{1}}, {{2}}) hit campaign variables first
// since that is where build-time positional values live.
func (v Validator) resolve(key string, rec *model.CampaignRecipient, variables map[string]string) string {
	if isDigits(key) {
		if val, ok := variables[key]; ok && val != "" {
			return val
		}
		return rec.Custom[key]
	}

	switch strings.ToLower(key) {
	case "name":
		return rec.Name
	case "phone":
		return rec.Phone
	case "email":
		return rec.Email
	}
	if val, ok := rec.Custom[key]; ok && val != "" {
		return val
	}
	return variables[key]
}

// NormalizePhone reduces a phone number to the provider's canonical digit
// form: no plus, no separators, national prefix replaced by the country
// code. Returns "" when the input cannot be a valid identity.
func NormalizePhone(phone, countryCode string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators dropped, '+' handled by position below
		default:
			return ""
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	}

	if len(digits) < 8 || len(digits) > 15 {
		return ""
	}
	return digits
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
