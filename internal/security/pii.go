package security

import (
	"regexp"
	"strings"
)

// PIICategory names a class of personally identifiable data.
type PIICategory string

const (
	PIISSN        PIICategory = "ssn"
	PIIEmail      PIICategory = "email"
	PIICreditCard PIICategory = "credit_card"
	PIIPhone      PIICategory = "phone"
	PIIAPIKeyLike PIICategory = "api_key_like"
)

// PIIMatch is one detected occurrence.
type PIIMatch struct {
	Category PIICategory `json:"category"`
	Match    string      `json:"match"`
}

type piiRule struct {
	category PIICategory
	re       *regexp.Regexp
	// valid further filters regex hits (e.g. Luhn for card numbers).
	valid func(string) bool
}

// Order matters: longer digit runs are claimed before phone numbers.
var piiRules = []piiRule{
	{category: PIIAPIKeyLike, re: regexp.MustCompile(`\b(?:sk|pk|rk)[-_](?:[A-Za-z0-9]+[-_])?[A-Za-z0-9]{16,}\b|\b[A-Za-z0-9_\-]{32,}\b`), valid: looksLikeKey},
	{category: PIIEmail, re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{category: PIICreditCard, re: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), valid: luhnValid},
	{category: PIISSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{category: PIIPhone, re: regexp.MustCompile(`(?:\+?1[ .\-]?)?\(?\b\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)},
}

// PIIDetector finds and redacts personally identifiable data in free text.
type PIIDetector struct{}

// NewPIIDetector creates a detector with the built-in category rules.
func NewPIIDetector() *PIIDetector { return &PIIDetector{} }

// Scan returns every match in text in rule order.
func (d *PIIDetector) Scan(text string) []PIIMatch {
	var matches []PIIMatch
	for _, r := range piiRules {
		for _, m := range r.re.FindAllString(text, -1) {
			if isPlaceholder(m) || (r.valid != nil && !r.valid(m)) {
				continue
			}
			matches = append(matches, PIIMatch{Category: r.category, Match: m})
		}
	}
	return matches
}

// Categories returns the distinct categories found in text, in rule order.
func (d *PIIDetector) Categories(text string) []string {
	var out []string
	seen := make(map[PIICategory]bool)
	for _, m := range d.Scan(text) {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, string(m.Category))
		}
	}
	return out
}

// Redact replaces every match with [REDACTED_<CATEGORY>]. Redacting an
// already-redacted string returns it unchanged.
func (d *PIIDetector) Redact(text string) string {
	for _, r := range piiRules {
		label := RedactionLabel(r.category)
		text = r.re.ReplaceAllStringFunc(text, func(m string) string {
			if isPlaceholder(m) || (r.valid != nil && !r.valid(m)) {
				return m
			}
			return label
		})
	}
	return text
}

// RedactionLabel returns the placeholder used for category c.
func RedactionLabel(c PIICategory) string {
	return "[REDACTED_" + strings.ToUpper(string(c)) + "]"
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "REDACTED_") || strings.Contains(s, "[REDACTED")
}

// looksLikeKey rejects long runs that are plainly not credentials (pure
// letters or pure digits).
func looksLikeKey(s string) bool {
	var hasDigit, hasLetter bool
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			hasLetter = true
		}
	}
	return hasDigit && hasLetter
}

func luhnValid(s string) bool {
	var digits []int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
