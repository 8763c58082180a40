package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"subdispatch/internal/domain"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}.withDefaults()
	p.JitterFraction = 0

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFraction: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Backoff(0)
		if d < 100*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("Backoff(0) = %s, want within [100ms, 150ms]", d)
		}
	}
}

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	def := DefaultRetryPolicy()
	if p.MaxAttempts != def.MaxAttempts || p.BaseDelay != def.BaseDelay || p.MaxDelay != def.MaxDelay {
		t.Errorf("withDefaults() = %+v, want defaults %+v", p, def)
	}
}

func TestShouldRetry(t *testing.T) {
	timeout := &domain.AgentTimeoutError{Agent: "a", Timeout: time.Second}
	tests := []struct {
		name          string
		err           error
		retryTimeouts bool
		want          bool
	}{
		{"transient", &domain.TransientDelegationError{StatusCode: 503}, false, true},
		{"wrapped transient", fmt.Errorf("call: %w", &domain.TransientDelegationError{StatusCode: 429}), false, true},
		{"rate limit sentinel", domain.ErrRateLimit, false, true},
		{"validation", &domain.ValidationError{StatusCode: 400}, false, false},
		{"circuit open", &domain.CircuitOpenError{Endpoint: "x"}, false, false},
		{"canceled", context.Canceled, false, false},
		{"timeout default", timeout, false, false},
		{"timeout opted in", timeout, true, true},
		{"untyped network", errors.New("dial tcp: connection refused"), false, true},
		{"untyped eof", errors.New("unexpected EOF"), false, true},
		{"untyped other", errors.New("something odd"), false, false},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			p.RetryTimeouts = tt.retryTimeouts
			if got := p.ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSleepCtx(t *testing.T) {
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepCtx: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepCtx on cancelled ctx = %v, want context.Canceled", err)
	}
}
