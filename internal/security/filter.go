package security

import (
	"unicode"
)

// RedactedValue replaces the whole value of a sensitive-named key.
const RedactedValue = "[REDACTED]"

// sensitiveSegments mark a key as a credential wherever they appear in it.
var sensitiveSegments = map[string]bool{
	"apikey":        true,
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"credential":    true,
	"credentials":   true,
	"authorization": true,
}

// IsSensitiveKey reports whether a mapping key names a credential. Keys are
// split into segments on separators and camelCase boundaries, so "max_tokens"
// and "token_count" stay visible while "access_token" and "X-Api-Key" do not.
func IsSensitiveKey(key string) bool {
	segs := keySegments(key)
	for i, seg := range segs {
		if sensitiveSegments[seg] {
			return true
		}
		if seg == "key" && i > 0 && segs[i-1] == "api" {
			return true
		}
	}
	// "token" names a credential only as the final segment.
	return len(segs) > 0 && segs[len(segs)-1] == "token"
}

func keySegments(key string) []string {
	var segs []string
	var cur []rune
	prevLower := false
	flush := func() {
		if len(cur) > 0 {
			segs = append(segs, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			prevLower = false
			continue
		}
		if unicode.IsUpper(r) && prevLower {
			flush()
		}
		cur = append(cur, unicode.ToLower(r))
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	flush()
	return segs
}

// PIIObserver is notified of every category detected while filtering.
type PIIObserver func(path string, categories []string)

// ResponseFilter scrubs agent responses before they reach the caller.
type ResponseFilter struct {
	pii      *PIIDetector
	secrets  *SecretsRedactor
	observer PIIObserver
}

// FilterOption configures a ResponseFilter.
type FilterOption func(*ResponseFilter)

// WithPIIObserver registers a callback for detected PII (used for audit events).
func WithPIIObserver(fn PIIObserver) FilterOption {
	return func(f *ResponseFilter) { f.observer = fn }
}

// NewResponseFilter builds a filter composed of a PIIDetector and a SecretsRedactor.
func NewResponseFilter(pii *PIIDetector, secrets *SecretsRedactor, opts ...FilterOption) *ResponseFilter {
	if pii == nil {
		pii = NewPIIDetector()
	}
	if secrets == nil {
		secrets = NewSecretsRedactor()
	}
	f := &ResponseFilter{pii: pii, secrets: secrets}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FilterResponse returns a scrubbed copy of m. Sensitive-named keys are
// replaced wholesale; remaining strings are redacted, and a sibling
// "_<key>_pii_detected" list records which categories were found unless m
// already carries a key of that name.
func (f *ResponseFilter) FilterResponse(m map[string]any) map[string]any {
	return f.filterMap("", m)
}

// FilterValue scrubs an arbitrary decoded JSON value.
func (f *ResponseFilter) FilterValue(v any) any {
	return f.filterValue("", v)
}

func (f *ResponseFilter) filterMap(path string, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		childPath := joinPath(path, k)
		if IsSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		if s, ok := v.(string); ok {
			cats := f.pii.Categories(s)
			out[k] = f.redactString(s)
			if len(cats) > 0 {
				if sibling := "_" + k + "_pii_detected"; !hasKey(m, sibling) {
					out[sibling] = cats
				}
				f.notify(childPath, cats)
			}
			continue
		}
		out[k] = f.filterValue(childPath, v)
	}
	return out
}

func (f *ResponseFilter) filterValue(path string, v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return f.filterMap(path, tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = f.filterValue(path, item)
		}
		return out
	case []string:
		out := make([]string, len(tv))
		for i, s := range tv {
			out[i] = f.filterString(path, s)
		}
		return out
	case string:
		return f.filterString(path, tv)
	default:
		return v
	}
}

func (f *ResponseFilter) filterString(path, s string) string {
	if cats := f.pii.Categories(s); len(cats) > 0 {
		f.notify(path, cats)
	}
	return f.redactString(s)
}

func (f *ResponseFilter) redactString(s string) string {
	return f.pii.Redact(f.secrets.Redact(s))
}

func (f *ResponseFilter) notify(path string, cats []string) {
	if f.observer != nil {
		f.observer(path, cats)
	}
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
