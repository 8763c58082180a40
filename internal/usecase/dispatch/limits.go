package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"subdispatch/internal/domain"
)

// minFailureSample is the number of completions required before the failure
// rate is evaluated.
const minFailureSample = 10

// Limit names carried by DispatchQuotaExceeded.Limit.
const (
	LimitTotalAgents   = "max_total_agents"
	LimitDispatchDepth = "max_dispatch_depth"
	LimitTotalCost     = "max_total_cost_usd"
	LimitFailureRate   = "max_failure_rate"
	LimitTotalDuration = "max_total_duration"
	LimitMinSuccess    = "min_success_count"
)

// TrackerSnapshot is a point-in-time copy of a LimitTracker's accounting.
type TrackerSnapshot struct {
	TotalCost   decimal.Decimal
	TotalAgents int
	Completed   int
	Succeeded   int
	Failed      int
	Depth       int
	Elapsed     time.Duration
	FailureRate float64
}

// LimitTracker accounts aggregate usage for exactly one dispatch. Every
// check-then-update runs under a single mutex. Limits <= 0 are disabled.
//
// The cost budget is a soft bound: tasks already in flight when the budget is
// crossed still settle, so the total may overshoot by one task's cost.
type LimitTracker struct {
	mu          sync.Mutex
	limits      domain.DispatchResourceLimits
	totalCost   decimal.Decimal
	totalAgents int
	completed   int
	succeeded   int
	failed      int
	depth       int
	start       time.Time
	breach      *domain.DispatchQuotaExceeded
	now         func() time.Time
}

// NewLimitTracker starts accounting at depth (the depth of the dispatch that
// is about to run its children, 0 for a top-level call).
func NewLimitTracker(limits domain.DispatchResourceLimits, depth int) *LimitTracker {
	return &LimitTracker{
		limits:    limits,
		depth:     depth,
		totalCost: decimal.Zero,
		start:     time.Now(),
		now:       time.Now,
	}
}

// CheckPreDispatch refuses a dispatch before any agent runs if it would exceed
// the agent count, nesting depth or estimated cost budget.
func (t *LimitTracker) CheckPreDispatch(numAgents int, perAgentCost decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limits.MaxTotalAgents > 0 && numAgents > t.limits.MaxTotalAgents {
		return t.fail(LimitTotalAgents, fmt.Sprintf("%d agents requested, limit %d", numAgents, t.limits.MaxTotalAgents))
	}
	if t.limits.MaxDispatchDepth > 0 && t.depth+1 > t.limits.MaxDispatchDepth {
		return t.fail(LimitDispatchDepth, fmt.Sprintf("depth %d would exceed limit %d", t.depth+1, t.limits.MaxDispatchDepth))
	}
	if t.limits.MaxTotalCostUSD.IsPositive() {
		estimate := perAgentCost.Mul(decimal.NewFromInt(int64(numAgents)))
		if estimate.GreaterThan(t.limits.MaxTotalCostUSD) {
			return t.fail(LimitTotalCost, fmt.Sprintf("estimated cost %s exceeds budget %s",
				estimate.StringFixed(4), t.limits.MaxTotalCostUSD.StringFixed(4)))
		}
	}
	t.totalAgents = numAgents
	return nil
}

// Admit reports whether another task may start. It fails once any aggregate
// limit has been breached or the wall-clock budget is spent.
func (t *LimitTracker) Admit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.breach != nil {
		return t.breach
	}
	if t.limits.MaxTotalCostUSD.IsPositive() && t.totalCost.GreaterThanOrEqual(t.limits.MaxTotalCostUSD) {
		return t.fail(LimitTotalCost, fmt.Sprintf("cost %s reached budget %s",
			t.totalCost.StringFixed(4), t.limits.MaxTotalCostUSD.StringFixed(4)))
	}
	return t.checkDurationLocked()
}

// RecordAgentCompletion accounts one settled task and returns a quota error if
// an aggregate limit is now breached. Once breached the tracker stays breached.
func (t *LimitTracker) RecordAgentCompletion(cost decimal.Decimal, success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalCost = t.totalCost.Add(cost)
	t.completed++
	if success {
		t.succeeded++
	} else {
		t.failed++
	}
	if t.breach != nil {
		return t.breach
	}

	if t.limits.MaxFailureRate > 0 && t.completed >= minFailureSample {
		rate := float64(t.failed) / float64(t.completed)
		if rate > t.limits.MaxFailureRate {
			return t.fail(LimitFailureRate, fmt.Sprintf("failure rate %.2f over %d completions exceeds %.2f",
				rate, t.completed, t.limits.MaxFailureRate))
		}
	}
	if t.limits.MaxTotalCostUSD.IsPositive() && t.totalCost.GreaterThan(t.limits.MaxTotalCostUSD) {
		return t.fail(LimitTotalCost, fmt.Sprintf("cost %s exceeds budget %s",
			t.totalCost.StringFixed(4), t.limits.MaxTotalCostUSD.StringFixed(4)))
	}
	return t.checkDurationLocked()
}

// CheckMinSuccess runs after every task has settled.
func (t *LimitTracker) CheckMinSuccess() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MinSuccessCount > 0 && t.succeeded < t.limits.MinSuccessCount {
		return t.fail(LimitMinSuccess, fmt.Sprintf("%d succeeded, need %d", t.succeeded, t.limits.MinSuccessCount))
	}
	return nil
}

// Snapshot returns a copy of the current accounting.
func (t *LimitTracker) Snapshot() TrackerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TrackerSnapshot{
		TotalCost:   t.totalCost,
		TotalAgents: t.totalAgents,
		Completed:   t.completed,
		Succeeded:   t.succeeded,
		Failed:      t.failed,
		Depth:       t.depth,
		Elapsed:     t.now().Sub(t.start),
	}
	if t.completed > 0 {
		s.FailureRate = float64(t.failed) / float64(t.completed)
	}
	return s
}

func (t *LimitTracker) checkDurationLocked() error {
	if t.limits.MaxTotalDuration <= 0 {
		return nil
	}
	if elapsed := t.now().Sub(t.start); elapsed > t.limits.MaxTotalDuration {
		return t.fail(LimitTotalDuration, fmt.Sprintf("elapsed %s exceeds %s",
			elapsed.Round(time.Millisecond), t.limits.MaxTotalDuration))
	}
	return nil
}

func (t *LimitTracker) fail(limit, reason string) *domain.DispatchQuotaExceeded {
	if t.breach == nil {
		t.breach = &domain.DispatchQuotaExceeded{Limit: limit, Reason: reason}
	}
	return t.breach
}
