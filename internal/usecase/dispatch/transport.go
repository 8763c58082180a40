package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"subdispatch/internal/domain"
	"subdispatch/internal/infra/tracer"
)

// DefaultAgentTimeout applies when neither the request nor the transport sets one.
const DefaultAgentTimeout = 5 * time.Minute

// TransportConfig tunes a Transport.
type TransportConfig struct {
	Retry          RetryPolicy
	DefaultTimeout time.Duration
}

// Transport performs resilient calls to remote agents: idempotent replay,
// per-endpoint circuit breaking and rate limiting, bounded retries and a
// per-call timeout.
type Transport struct {
	client         domain.AgentClient
	breakers       *BreakerRegistry
	limiters       *LimiterRegistry
	idem           *IdempotencyKeyStore
	retry          RetryPolicy
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewTransport wires a Transport. breakers and limiters are shared state and
// should be reused across transports talking to the same endpoints; idem may be nil.
func NewTransport(client domain.AgentClient, breakers *BreakerRegistry, limiters *LimiterRegistry, idem *IdempotencyKeyStore, cfg TransportConfig, logger *slog.Logger) *Transport {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultAgentTimeout
	}
	if limiters == nil {
		limiters = NewLimiterRegistry(0, 0)
	}
	return &Transport{
		client:         client,
		breakers:       breakers,
		limiters:       limiters,
		idem:           idem,
		retry:          cfg.Retry.withDefaults(),
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger,
	}
}

// Delegate performs one logical call. A live idempotency entry short-circuits
// everything else. Agent-reported failures come back as a response with
// Success=false; transport failures come back as typed errors.
func (t *Transport) Delegate(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	endpoint := req.Capability.Endpoint
	ctx, span := tracer.StartSpan(ctx, "dispatch.delegate")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.capability", req.Capability.Name),
		tracer.StringAttr("agent.endpoint", endpoint),
	)

	if cached, ok := t.idem.Get(ctx, req.IdempotencyKey); ok {
		t.logger.Debug("idempotent replay", "endpoint", endpoint, "key", req.IdempotencyKey)
		span.SetAttributes(tracer.StringAttr("delegate.cache", "hit"))
		tracer.SetOK(span)
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < t.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.retry.Backoff(attempt - 1)
			t.logger.Debug("retrying delegation",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				break
			}
		}

		resp, err := t.attempt(ctx, req, attempt)
		if err == nil {
			if resp.Success {
				t.idem.Set(ctx, req.IdempotencyKey, resp)
			}
			tracer.SetOK(span)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !t.retry.ShouldRetry(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	tracer.RecordError(span, lastErr)
	return nil, lastErr
}

func (t *Transport) attempt(ctx context.Context, req domain.DelegationRequest, attempt int) (*domain.DelegationResponse, error) {
	endpoint := req.Capability.Endpoint
	ctx, span := tracer.StartSpan(ctx, "dispatch.attempt")
	defer span.End()
	span.SetAttributes(tracer.IntAttr("attempt", attempt+1))

	// Fail fast before queueing for a token.
	if t.breakers != nil && !t.breakers.Allow(endpoint) {
		err := &domain.CircuitOpenError{Endpoint: endpoint}
		tracer.RecordError(span, err)
		return nil, err
	}

	if err := t.limiters.For(endpoint).Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	if err := dispatchLimiterFrom(ctx).Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	call := func() (*domain.DelegationResponse, error) { return t.invoke(ctx, req) }
	var (
		resp *domain.DelegationResponse
		err  error
	)
	if t.breakers != nil {
		resp, err = t.breakers.Execute(endpoint, call)
	} else {
		resp, err = call()
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// invoke issues the network call under the per-call timeout and normalises
// the outcome.
func (t *Transport) invoke(ctx context.Context, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	req.Timeout = timeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		resp *domain.DelegationResponse
		err  error
	)
	if sc, ok := t.client.(domain.StreamingAgentClient); ok && req.Capability.Streaming {
		resp, err = t.collectStream(callCtx, sc, req)
	} else {
		resp, err = t.client.Invoke(callCtx, req)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("delegate %s: %w", req.Capability.Endpoint, ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &domain.AgentTimeoutError{Agent: req.Capability.Name, Timeout: timeout}
		}
		return nil, err
	}
	if resp == nil {
		return nil, &domain.TransientDelegationError{Err: errors.New("empty response")}
	}
	if resp.Duration <= 0 {
		resp.Duration = time.Since(start)
	}
	return resp, nil
}

func (t *Transport) collectStream(ctx context.Context, sc domain.StreamingAgentClient, req domain.DelegationRequest) (*domain.DelegationResponse, error) {
	ch, err := sc.InvokeStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return domain.CollectChunks(ctx, ch)
}
