package dispatch

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket. Acquire only delays; it fails solely when
// the caller's context ends.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a bucket refilled at rps tokens per second holding at
// most burst tokens. burst <= 0 defaults to 2*rps (minimum 1). rps <= 0
// disables limiting. The bucket starts with ceil(rps) tokens, capped at
// burst, so the first second admits about rps calls whatever the capacity.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = int(math.Ceil(2 * rps))
		if burst < 1 {
			burst = 1
		}
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	if initial := int(math.Ceil(rps)); initial < burst {
		lim.AllowN(time.Now(), burst-initial)
	}
	return &RateLimiter{limiter: lim}
}

// Acquire blocks until a token is available. Token reservation happens under
// the limiter's internal lock; the wait itself does not hold it.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Burst returns the bucket capacity.
func (l *RateLimiter) Burst() int { return l.limiter.Burst() }

// LimiterRegistry hands out one RateLimiter per endpoint. It is shared by every
// dispatch running through the same transport.
type LimiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	rps      float64
	burst    int
}

// NewLimiterRegistry creates a registry whose limiters use rps and burst.
func NewLimiterRegistry(rps float64, burst int) *LimiterRegistry {
	return &LimiterRegistry{
		limiters: make(map[string]*RateLimiter),
		rps:      rps,
		burst:    burst,
	}
}

// For returns the limiter for endpoint, creating it on first use.
func (r *LimiterRegistry) For(endpoint string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[endpoint]
	if !ok {
		l = NewRateLimiter(r.rps, r.burst)
		r.limiters[endpoint] = l
	}
	return l
}

type dispatchLimiterKey struct{}

// withDispatchLimiter attaches a per-dispatch limiter that the transport
// acquires in addition to the endpoint limiter.
func withDispatchLimiter(ctx context.Context, l *RateLimiter) context.Context {
	return context.WithValue(ctx, dispatchLimiterKey{}, l)
}

func dispatchLimiterFrom(ctx context.Context) *RateLimiter {
	l, _ := ctx.Value(dispatchLimiterKey{}).(*RateLimiter)
	return l
}
