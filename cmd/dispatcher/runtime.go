package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"subdispatch/internal/adapter/agentclient"
	"subdispatch/internal/adapter/resultcache"
	"subdispatch/internal/adapter/sink"
	"subdispatch/internal/domain"
	"subdispatch/internal/infra/config"
	"subdispatch/internal/security"
	"subdispatch/internal/usecase/dispatch"
	"subdispatch/internal/usecase/eventbus"
)

// resultStore is a result cache the runtime owns and must close.
type resultStore interface {
	domain.ResultCache
	io.Closer
}

// RuntimeComponents holds the wired dispatch engine.
type RuntimeComponents struct {
	Orchestrator *dispatch.Orchestrator
	Limits       domain.DispatchResourceLimits
	Breakers     *dispatch.BreakerRegistry
	Bus          *eventbus.Bus
}

// initRuntime wires catalog, result cache, transport and orchestrator from
// cfg. The returned cleanup drains the event bus and closes stores.
func initRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger) (*RuntimeComponents, func() error, error) {
	var (
		bus    *eventbus.Bus
		events *sink.JSONL
		cache  resultStore
	)
	// The bus drains before the sink it feeds is closed.
	cleanup := func() error {
		var errs []error
		if bus != nil {
			bus.Close()
		}
		if events != nil {
			errs = append(errs, events.Close())
		}
		if cache != nil {
			errs = append(errs, cache.Close())
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*RuntimeComponents, func() error, error) {
		cleanup()
		return nil, nil, err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return fail(err)
	}
	limits, err := cfg.Dispatch.Limits()
	if err != nil {
		return fail(err)
	}

	// 1. Event bus and optional JSONL sink
	bus = eventbus.New(log)
	bus.Subscribe(func(_ context.Context, ev domain.Event) {
		log.Debug("dispatch event", "type", string(ev.Type), "dispatch_id", ev.DispatchID)
	})
	if cfg.Sink.Enabled {
		if events, err = initSink(cfg.Sink, log); err != nil {
			return fail(err)
		}
		bus.Forward(events)
	}

	// 2. Idempotency result cache
	if cache, err = initResultCache(ctx, cfg.Idempotency, log); err != nil {
		return fail(err)
	}
	idem := dispatch.NewIdempotencyKeyStore(cache, cfg.Idempotency.TTL, log)

	// 3. Agent clients behind per-endpoint breakers and limiters
	tc := cfg.Transport
	pooled := agentclient.NewPooledClient(tc)
	router := agentclient.NewRouter(map[domain.TransportKind]domain.AgentClient{
		domain.TransportHTTP:      agentclient.NewHTTPClient(pooled, tc.MaxResponseBytes, log),
		domain.TransportSSE:       agentclient.NewSSEClient(pooled, tc.MaxResponseBytes, log),
		domain.TransportWebSocket: agentclient.NewWSClient(agentclient.NewHandshakeClient(tc), tc.MaxResponseBytes, log),
	})
	breakers := dispatch.NewBreakerRegistry(dispatch.BreakerConfig{
		FailureThreshold: tc.CircuitBreaker.MaxFailures,
		ResetTimeout:     tc.CircuitBreaker.Timeout,
		Interval:         tc.CircuitBreaker.Interval,
	}, log, bus)
	limiters := dispatch.NewLimiterRegistry(tc.RateLimit.RequestsPerSecond, tc.RateLimit.Burst)
	transport := dispatch.NewTransport(router, breakers, limiters, idem, dispatch.TransportConfig{
		Retry: dispatch.RetryPolicy{
			MaxAttempts:    tc.Retry.MaxAttempts,
			BaseDelay:      tc.Retry.BaseDelay,
			MaxDelay:       tc.Retry.MaxDelay,
			Multiplier:     tc.Retry.Multiplier,
			JitterFraction: tc.Retry.JitterFraction,
			RetryTimeouts:  tc.Retry.RetryTimeouts,
		},
		DefaultTimeout: tc.DefaultTimeout,
	}, log)

	// 4. Orchestrator
	secrets := security.NewSecretsRedactor(cfg.Logger.RedactPatterns...)
	orch := dispatch.NewOrchestrator(catalog, transport, secrets, bus, log)

	log.Info("dispatcher initialized",
		"capabilities", len(catalog),
		"idempotency", cfg.Idempotency.Backend,
		"sink", cfg.Sink.Enabled,
	)
	return &RuntimeComponents{
		Orchestrator: orch,
		Limits:       limits,
		Breakers:     breakers,
		Bus:          bus,
	}, cleanup, nil
}

func initSink(cfg config.SinkConfig, log *slog.Logger) (*sink.JSONL, error) {
	events, err := sink.NewJSONL(cfg.Path, log)
	if err != nil {
		return nil, err
	}
	policy, err := sink.ParseRetention(cfg.MaxAge, cfg.MaxSize)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("sink retention: %w", err)
	}
	if removed, err := events.EnforceRetention(policy); err != nil {
		log.Warn("event sink retention failed", "path", cfg.Path, "error", err)
	} else if removed > 0 {
		log.Info("event sink trimmed", "path", cfg.Path, "removed", removed)
	}
	return events, nil
}

func initResultCache(ctx context.Context, cfg config.IdempotencyConfig, log *slog.Logger) (resultStore, error) {
	switch cfg.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("create idempotency dir: %w", err)
		}
		store, err := resultcache.NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if n, err := store.Purge(ctx); err != nil {
			log.Warn("purge expired results failed", "error", err)
		} else if n > 0 {
			log.Debug("purged expired results", "count", n)
		}
		return store, nil
	case "memory", "":
		return resultcache.NewMemory(ctx, cfg.MaxEntries, cfg.SweepInterval), nil
	default:
		return nil, domain.NewDomainError("initResultCache", domain.ErrInvalidInput, fmt.Sprintf("unknown backend %q", cfg.Backend))
	}
}
