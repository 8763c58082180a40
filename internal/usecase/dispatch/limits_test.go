package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subdispatch/internal/domain"
)

func quotaLimit(t *testing.T, err error) string {
	t.Helper()
	var qe *domain.DispatchQuotaExceeded
	require.True(t, errors.As(err, &qe), "want DispatchQuotaExceeded, got %v", err)
	return qe.Limit
}

func TestCheckPreDispatch(t *testing.T) {
	limits := domain.DefaultLimits()
	limits.MaxTotalAgents = 5
	limits.MaxTotalCostUSD = decimal.RequireFromString("1.00")

	tests := []struct {
		name   string
		agents int
		cost   string
		depth  int
		limit  string
	}{
		{"within limits", 5, "0.20", 0, ""},
		{"too many agents", 6, "0.01", 0, LimitTotalAgents},
		{"estimated cost", 5, "0.21", 0, LimitTotalCost},
		{"depth", 1, "0", 3, LimitDispatchDepth},
		{"deepest allowed", 1, "0", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewLimitTracker(limits, tt.depth)
			err := tr.CheckPreDispatch(tt.agents, decimal.RequireFromString(tt.cost))
			if tt.limit == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.limit, quotaLimit(t, err))
		})
	}
}

func TestFailureRateNeedsMinimumSample(t *testing.T) {
	limits := domain.DispatchResourceLimits{MaxFailureRate: 0.5}
	tr := NewLimitTracker(limits, 0)

	for i := 0; i < minFailureSample-1; i++ {
		require.NoError(t, tr.RecordAgentCompletion(decimal.Zero, false))
	}
	err := tr.RecordAgentCompletion(decimal.Zero, false)
	assert.Equal(t, LimitFailureRate, quotaLimit(t, err))

	// Breach is sticky.
	assert.Error(t, tr.RecordAgentCompletion(decimal.Zero, true))
	assert.Error(t, tr.Admit())
}

func TestFailureRateAtThresholdIsAllowed(t *testing.T) {
	tr := NewLimitTracker(domain.DispatchResourceLimits{MaxFailureRate: 0.5}, 0)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.RecordAgentCompletion(decimal.Zero, i%2 == 0))
	}
	snap := tr.Snapshot()
	assert.InDelta(t, 0.5, snap.FailureRate, 1e-9)
	assert.Equal(t, 5, snap.Succeeded)
	assert.Equal(t, 5, snap.Failed)
}

func TestCostBudget(t *testing.T) {
	limits := domain.DispatchResourceLimits{MaxTotalCostUSD: decimal.RequireFromString("1.00")}
	tr := NewLimitTracker(limits, 0)

	require.NoError(t, tr.RecordAgentCompletion(decimal.RequireFromString("0.60"), true))
	require.NoError(t, tr.Admit())
	err := tr.RecordAgentCompletion(decimal.RequireFromString("0.50"), true)
	assert.Equal(t, LimitTotalCost, quotaLimit(t, err))
	assert.True(t, tr.Snapshot().TotalCost.Equal(decimal.RequireFromString("1.10")))
}

func TestAdmitStopsAtExactBudget(t *testing.T) {
	limits := domain.DispatchResourceLimits{MaxTotalCostUSD: decimal.RequireFromString("1.00")}
	tr := NewLimitTracker(limits, 0)
	require.NoError(t, tr.RecordAgentCompletion(decimal.RequireFromString("1.00"), true))
	assert.Equal(t, LimitTotalCost, quotaLimit(t, tr.Admit()))
}

func TestDurationLimit(t *testing.T) {
	tr := NewLimitTracker(domain.DispatchResourceLimits{MaxTotalDuration: time.Minute}, 0)
	start := time.Now()
	tr.start = start
	tr.now = func() time.Time { return start.Add(30 * time.Second) }
	require.NoError(t, tr.Admit())

	tr.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Equal(t, LimitTotalDuration, quotaLimit(t, tr.Admit()))
}

func TestCheckMinSuccess(t *testing.T) {
	tr := NewLimitTracker(domain.DispatchResourceLimits{MinSuccessCount: 2}, 0)
	require.NoError(t, tr.RecordAgentCompletion(decimal.Zero, true))
	assert.Equal(t, LimitMinSuccess, quotaLimit(t, tr.CheckMinSuccess()))

	tr = NewLimitTracker(domain.DispatchResourceLimits{MinSuccessCount: 2}, 0)
	require.NoError(t, tr.RecordAgentCompletion(decimal.Zero, true))
	require.NoError(t, tr.RecordAgentCompletion(decimal.Zero, true))
	assert.NoError(t, tr.CheckMinSuccess())
}

func TestZeroLimitsDisabled(t *testing.T) {
	tr := NewLimitTracker(domain.DispatchResourceLimits{}, 50)
	require.NoError(t, tr.CheckPreDispatch(10000, decimal.NewFromInt(1000)))
	for i := 0; i < 20; i++ {
		require.NoError(t, tr.RecordAgentCompletion(decimal.NewFromInt(100), false))
	}
	assert.NoError(t, tr.Admit())
	assert.NoError(t, tr.CheckMinSuccess())
}

func TestTrackerConcurrentAccounting(t *testing.T) {
	tr := NewLimitTracker(domain.DispatchResourceLimits{}, 0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.RecordAgentCompletion(decimal.RequireFromString("0.01"), i%4 != 0)
		}(i)
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, 100, snap.Completed)
	assert.Equal(t, 75, snap.Succeeded)
	assert.Equal(t, 25, snap.Failed)
	assert.True(t, snap.TotalCost.Equal(decimal.NewFromInt(1)))
}
