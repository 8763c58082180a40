package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Arguments is one caller-supplied argument mapping. Values are scalars,
// nested Arguments-shaped maps, or lists of those.
type Arguments map[string]any

// ValidateArguments checks that every value in args has a supported shape.
func ValidateArguments(args Arguments) error {
	for _, k := range sortedKeys(args) {
		if err := validateValue(k, args[k]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any) error {
	switch tv := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]any:
		for _, k := range sortedKeys(tv) {
			if err := validateValue(path+"."+k, tv[k]); err != nil {
				return err
			}
		}
		return nil
	case Arguments:
		return validateValue(path, map[string]any(tv))
	case []any:
		for i, item := range tv {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	default:
		return &ValidationError{Detail: fmt.Sprintf("argument %q has unsupported type %T", path, v)}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SubAgentTask is one unit of work in a dispatch. Immutable after creation.
type SubAgentTask struct {
	Index          int
	Template       string
	Prompt         string
	Arguments      Arguments
	AgentName      string
	Model          string
	Timeout        time.Duration
	IdempotencyKey string
}

// SubAgentResult is the settled outcome of one task, stored at Index.
type SubAgentResult struct {
	Index      int             `json:"index"`
	Arguments  Arguments       `json:"arguments"`
	Output     any             `json:"output,omitempty"`
	Err        error           `json:"-"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Success    bool            `json:"success"`
	Cost       decimal.Decimal `json:"cost"`
	Cached     bool            `json:"cached,omitempty"`
}

// DispatchResourceLimits is the tunable boundary of a dispatch call.
type DispatchResourceLimits struct {
	MaxTotalCostUSD   decimal.Decimal `json:"max_total_cost_usd"`
	MaxConcurrent     int             `json:"max_concurrent"`
	MaxTotalAgents    int             `json:"max_total_agents"`
	MaxAgentDuration  time.Duration   `json:"max_agent_duration"`
	MaxTotalDuration  time.Duration   `json:"max_total_duration"`
	RequestsPerSecond float64         `json:"requests_per_second"`
	MaxFailureRate    float64         `json:"max_failure_rate"`
	MinSuccessCount   int             `json:"min_success_count"`
	MaxDispatchDepth  int             `json:"max_dispatch_depth"`
}

// DefaultLimits returns the limits applied when a caller supplies none.
func DefaultLimits() DispatchResourceLimits {
	return DispatchResourceLimits{
		MaxTotalCostUSD:   decimal.NewFromInt(10),
		MaxConcurrent:     10,
		MaxTotalAgents:    100,
		MaxAgentDuration:  5 * time.Minute,
		MaxTotalDuration:  30 * time.Minute,
		RequestsPerSecond: 10,
		MaxFailureRate:    0.5,
		MinSuccessCount:   0,
		MaxDispatchDepth:  3,
	}
}
