package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"subdispatch/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens.
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before allowing a trial call.
	ResetTimeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// BreakerRegistry owns one circuit breaker per endpoint. Breaker state outlives
// individual dispatches so that endpoint health carries across calls.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*domain.DelegationResponse]
	cfg      BreakerConfig
	logger   *slog.Logger
	recorder domain.EventRecorder
}

// NewBreakerRegistry creates an empty registry. Zero-valued config fields use defaults.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger, recorder domain.EventRecorder) *BreakerRegistry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultCBMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultCBTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCBInterval
	}
	if recorder == nil {
		recorder = domain.NoopRecorder{}
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*domain.DelegationResponse]),
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
	}
}

func (r *BreakerRegistry) get(endpoint string) *gobreaker.CircuitBreaker[*domain.DelegationResponse] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}

	maxFailures := r.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[*domain.DelegationResponse](gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // exactly one trial call in half-open state
		Interval:    r.cfg.Interval,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"endpoint", name,
				"from", from.String(),
				"to", to.String(),
			)
			r.recorder.Record(context.Background(), domain.NewEvent(context.Background(), domain.EventBreakerStateChanged,
				domain.BreakerStatePayload{Endpoint: name, From: mapState(from), To: mapState(to)}))
		},
		IsSuccessful: isEndpointHealthy,
	})
	r.breakers[endpoint] = cb
	return cb
}

// isEndpointHealthy decides whether an outcome counts against the endpoint.
// Rejections of the request itself and caller-side cancellation do not.
func isEndpointHealthy(err error) bool {
	if err == nil {
		return true
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Execute runs fn through the endpoint's breaker. An open breaker, or a
// half-open one whose single trial is already in flight, yields
// *domain.CircuitOpenError without calling fn.
func (r *BreakerRegistry) Execute(endpoint string, fn func() (*domain.DelegationResponse, error)) (*domain.DelegationResponse, error) {
	resp, err := r.get(endpoint).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.CircuitOpenError{Endpoint: endpoint}
		}
		return nil, err
	}
	return resp, nil
}

// Allow reports whether a call to endpoint would currently be admitted.
func (r *BreakerRegistry) Allow(endpoint string) bool {
	return r.State(endpoint) != domain.BreakerOpen
}

// State returns the current breaker state for endpoint.
func (r *BreakerRegistry) State(endpoint string) domain.BreakerState {
	return mapState(r.get(endpoint).State())
}

// Counts returns the current failure/success counts for endpoint.
func (r *BreakerRegistry) Counts(endpoint string) gobreaker.Counts {
	return r.get(endpoint).Counts()
}

func mapState(s gobreaker.State) domain.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return domain.BreakerOpen
	case gobreaker.StateHalfOpen:
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerClosed
	}
}
