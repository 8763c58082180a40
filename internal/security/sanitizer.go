package security

import (
	"fmt"
	"regexp"

	"subdispatch/internal/domain"
)

// MaxTemplateSize bounds a task template before pattern matching.
const MaxTemplateSize = 64 * 1024

type templateRule struct {
	re     *regexp.Regexp
	reason string
}

// Prompt-injection phrasings. Matched case-insensitively anywhere in the template.
var injectionRules = []templateRule{
	{regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions?|prompts?|context)`), "prompt injection: instruction override"},
	{regexp.MustCompile(`(?i)forget\s+everything`), "prompt injection: instruction override"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\b`), "prompt injection: role hijack"},
	{regexp.MustCompile(`(?im)^\s*system\s*:`), "prompt injection: system marker"},
	{regexp.MustCompile(`(?i)<\s*system\s*>|\[\s*system\s*\]`), "prompt injection: system marker"},
}

// Dangerous-pattern signatures shared with tool argument checks.
var dangerousRules = []templateRule{
	{regexp.MustCompile(`;\s*(rm|curl|wget|sh|bash|chmod|chown|nc)\b`), "shell metacharacter sequence"},
	{regexp.MustCompile(`&&|\|\|`), "shell metacharacter sequence"},
	{regexp.MustCompile("`"), "shell command substitution"},
	{regexp.MustCompile(`\$\(`), "shell command substitution"},
	{regexp.MustCompile(`(?i)\b(os\.system|subprocess|__import__|child_process)\b`), "restricted module reference"},
	{regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`), "restricted module reference"},
	{regexp.MustCompile(`\.\.[/\\]`), "path traversal"},
}

// SanitizeTemplate returns template unchanged when it is safe to fill and
// dispatch, or an *UnsafeTemplateError naming the first matching pattern.
// It has no side effects.
func SanitizeTemplate(template string) (string, error) {
	if len(template) > MaxTemplateSize {
		return "", &domain.UnsafeTemplateError{
			Pattern: fmt.Sprintf("size>%d", MaxTemplateSize),
			Reason:  "template too large",
		}
	}
	for _, rules := range [][]templateRule{injectionRules, dangerousRules} {
		for _, r := range rules {
			if loc := r.re.FindStringIndex(template); loc != nil {
				return "", &domain.UnsafeTemplateError{
					Pattern: template[loc[0]:loc[1]],
					Reason:  r.reason,
				}
			}
		}
	}
	return template, nil
}
