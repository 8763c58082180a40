package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"subdispatch/internal/domain"
)

// RetryPolicy bounds retries of transient delegation failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// JitterFraction adds up to this fraction of the delay at random.
	JitterFraction float64
	// RetryTimeouts opts per-call timeouts into retrying. Off by default so a
	// slow agent is never asked to do the same work twice.
	RetryTimeouts bool
}

// DefaultRetryPolicy returns 3 attempts, 250ms base doubling up to 5s, 0-25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	d := time.Duration(delay)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFraction > 0 {
		d += time.Duration(rand.Int63n(int64(float64(d)*p.JitterFraction) + 1))
	}
	return d
}

// ShouldRetry reports whether a failed attempt may be repeated.
func (p RetryPolicy) ShouldRetry(err error) bool {
	switch classifyFailure(err) {
	case failureTransient:
		return true
	case failureTimeout:
		return p.RetryTimeouts
	default:
		return false
	}
}

type failureClass int

const (
	failurePermanent failureClass = iota
	failureTransient
	failureTimeout
)

// classifyFailure maps an attempt error onto the retry taxonomy. Typed
// errors win; untyped errors fall back to message patterns for network faults.
func classifyFailure(err error) failureClass {
	if err == nil {
		return failurePermanent
	}
	var (
		ve  *domain.ValidationError
		coe *domain.CircuitOpenError
		ate *domain.AgentTimeoutError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &coe):
		return failurePermanent
	case errors.Is(err, context.Canceled):
		return failurePermanent
	case errors.As(err, &ate):
		return failureTimeout
	case domain.IsRetryableError(err):
		return failureTransient
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{
		"rate limit", "too many requests",
		"connection refused", "no such host", "connection reset",
		"broken pipe", "eof",
	} {
		if strings.Contains(lower, p) {
			return failureTransient
		}
	}
	return failurePermanent
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
