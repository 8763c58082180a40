package security

import (
	"regexp"
	"strings"
)

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

// SecretsRedactor scrubs credential shapes from free text. It is tuned for log
// lines rather than structured payloads.
type SecretsRedactor struct {
	rules []redactionRule
}

// NewSecretsRedactor builds a redactor with the built-in credential rules plus
// any extra regular expressions. Invalid custom patterns are skipped.
func NewSecretsRedactor(custom ...string) *SecretsRedactor {
	rules := []redactionRule{
		{re: regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), label: "[REDACTED_PRIVATE_KEY]"},
		{re: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), label: "[REDACTED_JWT]"},
		{re: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{8,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`\bxox[abpr]-[A-Za-z0-9\-]{10,}`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), label: "[REDACTED_AWS_KEY]"},
		{re: regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`), label: "[REDACTED_API_KEY]"},
		{re: regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password|passwd)(\s*[:=]\s*)['"]?[^\s'",;&]+`), label: "$1$2[REDACTED]"},
	}
	for _, pattern := range custom {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, redactionRule{re: re, label: "[REDACTED_CUSTOM]"})
	}
	return &SecretsRedactor{rules: rules}
}

// Redact applies every rule to input.
func (r *SecretsRedactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	out := input
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllStringFunc(out, func(m string) string {
			if strings.Contains(m, "[REDACTED") {
				return m
			}
			return rule.re.ReplaceAllString(m, rule.label)
		})
	}
	return out
}
