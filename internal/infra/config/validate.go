package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"subdispatch/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateDispatch(cfg, ve)
	validateTransport(cfg, ve)
	validateIdempotency(cfg, ve)
	validateCapabilities(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateSink(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	d := cfg.Dispatch
	if s := strings.TrimSpace(d.MaxTotalCostUSD); s != "" {
		if _, err := decimal.NewFromString(s); err != nil {
			ve.Add("dispatch.max_total_cost_usd: %q is not a decimal", s)
		}
	}
	if d.MaxFailureRate < 0 || d.MaxFailureRate > 1 {
		ve.Add("dispatch.max_failure_rate must be within [0, 1], got %v", d.MaxFailureRate)
	}
	if d.MinSuccessCount > 0 && d.MaxTotalAgents > 0 && d.MinSuccessCount > d.MaxTotalAgents {
		ve.Add("dispatch.min_success_count (%d) exceeds max_total_agents (%d)", d.MinSuccessCount, d.MaxTotalAgents)
	}
	if d.MaxAgentDuration > 0 && d.MaxTotalDuration > 0 && d.MaxAgentDuration > d.MaxTotalDuration {
		ve.Add("dispatch.max_agent_duration (%s) exceeds max_total_duration (%s)", d.MaxAgentDuration, d.MaxTotalDuration)
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	if t.DefaultTimeout < 0 {
		ve.Add("transport.default_timeout must not be negative")
	}
	if t.Retry.MaxAttempts < 0 {
		ve.Add("transport.retry.max_attempts must not be negative")
	}
	if t.Retry.Multiplier != 0 && t.Retry.Multiplier < 1 {
		ve.Add("transport.retry.multiplier must be >= 1, got %v", t.Retry.Multiplier)
	}
	if t.Retry.JitterFraction < 0 || t.Retry.JitterFraction > 1 {
		ve.Add("transport.retry.jitter_fraction must be within [0, 1]")
	}
	if t.Retry.MaxDelay > 0 && t.Retry.BaseDelay > t.Retry.MaxDelay {
		ve.Add("transport.retry.base_delay (%s) exceeds max_delay (%s)", t.Retry.BaseDelay, t.Retry.MaxDelay)
	}
	if t.RateLimit.Burst < 0 {
		ve.Add("transport.rate_limit.burst must not be negative")
	}
	if t.MaxResponseBytes < 0 {
		ve.Add("transport.max_response_bytes must not be negative")
	}
}

var validIdempotencyBackends = map[string]bool{"memory": true, "sqlite": true}

func validateIdempotency(cfg *Config, ve *ValidationError) {
	i := cfg.Idempotency
	if !validIdempotencyBackends[i.Backend] {
		ve.Add("idempotency.backend %q is not supported (want memory or sqlite)", i.Backend)
	}
	if i.Backend == "sqlite" && i.Path == "" {
		ve.Add("idempotency.path is required for the sqlite backend")
	}
	if i.TTL < 0 {
		ve.Add("idempotency.ttl must not be negative")
	}
}

var validEndpointSchemes = map[domain.TransportKind]map[string]bool{
	domain.TransportHTTP:      {"http": true, "https": true},
	domain.TransportSSE:       {"http": true, "https": true},
	domain.TransportWebSocket: {"ws": true, "wss": true, "http": true, "https": true},
}

func validateCapabilities(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.Capabilities))
	for i, c := range cfg.Capabilities {
		label := fmt.Sprintf("capabilities[%d]", i)
		if c.Name == "" {
			ve.Add("%s: name is required", label)
		} else {
			label = fmt.Sprintf("capabilities[%s]", c.Name)
			if seen[c.Name] {
				ve.Add("%s: duplicate name", label)
			}
			seen[c.Name] = true
		}

		kind := domain.TransportKind(strings.ToLower(c.Transport))
		if kind == "" {
			kind = domain.TransportHTTP
		}
		if !kind.Valid() {
			ve.Add("%s: transport %q is not supported", label, c.Transport)
		}

		if c.Endpoint == "" {
			ve.Add("%s: endpoint is required", label)
		} else if u, err := url.Parse(c.Endpoint); err != nil || u.Host == "" {
			ve.Add("%s: endpoint %q is not an absolute URL", label, c.Endpoint)
		} else if schemes, ok := validEndpointSchemes[kind]; ok && !schemes[u.Scheme] {
			ve.Add("%s: endpoint scheme %q does not match transport %s", label, u.Scheme, kind)
		}

		if s := strings.TrimSpace(c.CostEstimate); s != "" {
			if d, err := decimal.NewFromString(s); err != nil {
				ve.Add("%s: cost_estimate %q is not a decimal", label, s)
			} else if d.IsNegative() {
				ve.Add("%s: cost_estimate must not be negative", label)
			}
		}
		if c.InputSchema != "" && !json.Valid([]byte(c.InputSchema)) {
			ve.Add("%s: input_schema is not valid JSON", label)
		}
		if c.Streaming && kind == domain.TransportHTTP {
			ve.Add("%s: streaming requires the sse or websocket transport", label)
		}
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if l := strings.ToLower(cfg.Logger.Level); l != "" && !validLogLevels[l] {
		ve.Add("logger.level %q is not supported", cfg.Logger.Level)
	}
	if f := strings.ToLower(cfg.Logger.Format); f != "" && !validLogFormats[f] {
		ve.Add("logger.format %q is not supported (want json or text)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (want stdout or noop)", cfg.Tracer.Exporter)
	}
}

func validateSink(cfg *Config, ve *ValidationError) {
	if cfg.Sink.Enabled && cfg.Sink.Path == "" {
		ve.Add("sink.path is required when the sink is enabled")
	}
	if cfg.Sink.MaxAge < 0 {
		ve.Add("sink.max_age must not be negative")
	}
	if cfg.Sink.MaxSize != "" {
		if _, err := humanize.ParseBytes(cfg.Sink.MaxSize); err != nil {
			ve.Add("sink.max_size %q is not a valid size", cfg.Sink.MaxSize)
		}
	}
}
