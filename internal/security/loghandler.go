package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RedactingHandler wraps a slog.Handler and scrubs secrets and PII from the
// message and every string attribute before delegating.
type RedactingHandler struct {
	next    slog.Handler
	secrets *SecretsRedactor
	pii     *PIIDetector
}

// NewRedactingHandler wraps next. A nil redactor uses the built-in rules.
func NewRedactingHandler(next slog.Handler, secrets *SecretsRedactor) *RedactingHandler {
	if secrets == nil {
		secrets = NewSecretsRedactor()
	}
	return &RedactingHandler{next: next, secrets: secrets, pii: NewPIIDetector()}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(clean), secrets: h.secrets, pii: h.pii}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name), secrets: h.secrets, pii: h.pii}
}

func (h *RedactingHandler) redact(s string) string {
	return h.pii.Redact(h.secrets.Redact(s))
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, RedactedValue)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, ga := range group {
			clean[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		return slog.Attr{Key: a.Key, Value: h.redactAny(v.Any())}
	default:
		return slog.Attr{Key: a.Key, Value: v}
	}
}

// redactAny scrubs maps, slices and structs. JSON-representable values are
// decoded into generic form and cleaned key by key; anything else is rendered
// with %+v and redacted as text.
func (h *RedactingHandler) redactAny(x any) slog.Value {
	switch tv := x.(type) {
	case nil:
		return slog.AnyValue(nil)
	case error:
		return slog.StringValue(h.redact(tv.Error()))
	case fmt.Stringer:
		return slog.StringValue(h.redact(tv.String()))
	}
	if data, err := json.Marshal(x); err == nil {
		var generic any
		if json.Unmarshal(data, &generic) == nil {
			return slog.AnyValue(h.scrub(generic))
		}
	}
	return slog.StringValue(h.redact(fmt.Sprintf("%+v", x)))
}

func (h *RedactingHandler) scrub(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		for k, item := range tv {
			if IsSensitiveKey(k) {
				tv[k] = RedactedValue
				continue
			}
			tv[k] = h.scrub(item)
		}
		return tv
	case []any:
		for i, item := range tv {
			tv[i] = h.scrub(item)
		}
		return tv
	case string:
		return h.redact(tv)
	default:
		return v
	}
}
