package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"subdispatch/internal/domain"
)

// AggregateFunc reduces the ordered result list of a dispatch.
type AggregateFunc func(results []domain.SubAgentResult) (any, error)

// CollectAll returns the results unchanged, in input order.
func CollectAll(results []domain.SubAgentResult) (any, error) {
	return results, nil
}

// RankByMetric returns successful results sorted by a numeric output field.
// Results whose output lacks the field sort last. Ties keep input order.
func RankByMetric(field string, descending bool) AggregateFunc {
	return func(results []domain.SubAgentResult) (any, error) {
		type scored struct {
			r     domain.SubAgentResult
			score float64
			ok    bool
		}
		var items []scored
		for _, r := range results {
			if !r.Success {
				continue
			}
			score, ok := metricOf(r.Output, field)
			items = append(items, scored{r: r, score: score, ok: ok})
		}
		sort.SliceStable(items, func(i, j int) bool {
			a, b := items[i], items[j]
			if a.ok != b.ok {
				return a.ok
			}
			if descending {
				return a.score > b.score
			}
			return a.score < b.score
		})
		ranked := make([]domain.SubAgentResult, len(items))
		for i, it := range items {
			ranked[i] = it.r
		}
		return ranked, nil
	}
}

// BestResult returns the successful result with the highest value of field.
func BestResult(field string) AggregateFunc {
	rank := RankByMetric(field, true)
	return func(results []domain.SubAgentResult) (any, error) {
		v, err := rank(results)
		if err != nil {
			return nil, err
		}
		ranked := v.([]domain.SubAgentResult)
		if len(ranked) == 0 {
			return nil, fmt.Errorf("best result: no successful results")
		}
		return ranked[0], nil
	}
}

// VoteOutcome is the result of MajorityVote.
type VoteOutcome struct {
	Winner any            `json:"winner"`
	Votes  int            `json:"votes"`
	Total  int            `json:"total"`
	Tally  map[string]int `json:"tally"`
}

// MajorityVote picks the most common output among successful results. Outputs
// are compared by their canonical JSON form; ties go to the earliest index.
func MajorityVote(results []domain.SubAgentResult) (any, error) {
	outcome := VoteOutcome{Tally: make(map[string]int)}
	first := make(map[string]int)
	values := make(map[string]any)
	for _, r := range results {
		if !r.Success {
			continue
		}
		key := canonical(r.Output)
		if _, seen := first[key]; !seen {
			first[key] = r.Index
			values[key] = r.Output
		}
		outcome.Tally[key]++
		outcome.Total++
	}
	if outcome.Total == 0 {
		return nil, fmt.Errorf("majority vote: no successful results")
	}
	var winner string
	for key, n := range outcome.Tally {
		if n > outcome.Votes || (n == outcome.Votes && first[key] < first[winner]) {
			winner, outcome.Votes = key, n
		}
	}
	outcome.Winner = values[winner]
	return outcome, nil
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// metricOf extracts a numeric value from output. field may be a dotted path;
// an empty field uses the output itself.
func metricOf(output any, field string) (float64, bool) {
	cur := output
	if field != "" {
		for _, part := range strings.Split(field, ".") {
			m, ok := cur.(map[string]any)
			if !ok {
				return 0, false
			}
			if cur, ok = m[part]; !ok {
				return 0, false
			}
		}
	}
	switch n := cur.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
