package consensus

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Algorithm names a consensus strategy.
type Algorithm string

const (
	Majority        Algorithm = "majority"
	WeightedAverage Algorithm = "weighted_average"
	Ensemble        Algorithm = "ensemble"
)

// Result is the output of one contributing task.
type Result struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Value   any    `json:"value,omitempty"`
	// Confidence is the task's self-reported confidence in [0,1]; 0 means unreported.
	Confidence float64 `json:"confidence,omitempty"`
	// Weight scales the result in weighted strategies; 0 means 1.
	Weight float64 `json:"weight,omitempty"`
	Err    error   `json:"-"`
}

// Exclusion records an input that did not contribute and why.
type Exclusion struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason"`
}

// Outcome is the reduced result plus its diagnostic.
type Outcome struct {
	Algorithm    Algorithm   `json:"algorithm"`
	Value        any         `json:"value"`
	Agreement    float64     `json:"agreement"`
	Quorum       int         `json:"quorum"`
	Contributors []string    `json:"contributors"`
	Excluded     []Exclusion `json:"excluded,omitempty"`
}

// QuorumError reports that fewer than quorum inputs were usable.
type QuorumError struct {
	Algorithm Algorithm
	Quorum    int
	Usable    int
	Total     int
	Excluded  []Exclusion
}

func (e *QuorumError) Error() string {
	parts := make([]string, 0, len(e.Excluded))
	for _, ex := range e.Excluded {
		parts = append(parts, fmt.Sprintf("%s: %s", ex.TaskID, ex.Reason))
	}
	return fmt.Sprintf("consensus %s: quorum %d not met (%d of %d usable; excluded: %s)",
		e.Algorithm, e.Quorum, e.Usable, e.Total, strings.Join(parts, "; "))
}

// Strategy reduces a set of usable results.
type Strategy interface {
	// Accept returns a non-nil error when r cannot take part in the reduction.
	Accept(r Result) error
	// Combine reduces at least one accepted result.
	Combine(results []Result) (value any, agreement float64)
}

// Aggregator holds the registered strategies.
type Aggregator struct {
	mu         sync.RWMutex
	strategies map[Algorithm]Strategy
}

// NewAggregator returns an aggregator with the built-in strategies registered.
func NewAggregator() *Aggregator {
	a := &Aggregator{strategies: make(map[Algorithm]Strategy)}
	a.Register(Majority, majorityStrategy{})
	a.Register(WeightedAverage, weightedAverageStrategy{})
	a.Register(Ensemble, ensembleStrategy{})
	return a
}

// Register installs or replaces a strategy.
func (a *Aggregator) Register(name Algorithm, s Strategy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strategies[name] = s
}

// Has reports whether a strategy is registered under name.
func (a *Aggregator) Has(name Algorithm) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.strategies[name]
	return ok
}

// Aggregate reduces results with the named algorithm. Failed and unusable
// inputs are excluded; fewer than quorum usable inputs yields *QuorumError.
func (a *Aggregator) Aggregate(results []Result, algorithm Algorithm, quorum int) (*Outcome, error) {
	a.mu.RLock()
	strategy, ok := a.strategies[algorithm]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown consensus algorithm %q", algorithm)
	}
	if quorum <= 0 {
		quorum = 1
	}

	usable := make([]Result, 0, len(results))
	var excluded []Exclusion
	for _, r := range results {
		if r.Err != nil {
			excluded = append(excluded, Exclusion{TaskID: r.TaskID, AgentID: r.AgentID, Reason: r.Err.Error()})
			continue
		}
		if err := strategy.Accept(r); err != nil {
			excluded = append(excluded, Exclusion{TaskID: r.TaskID, AgentID: r.AgentID, Reason: err.Error()})
			continue
		}
		usable = append(usable, r)
	}

	if len(usable) < quorum {
		return nil, &QuorumError{
			Algorithm: algorithm,
			Quorum:    quorum,
			Usable:    len(usable),
			Total:     len(results),
			Excluded:  excluded,
		}
	}

	value, agreement := strategy.Combine(usable)
	contributors := make([]string, len(usable))
	for i, r := range usable {
		contributors[i] = r.TaskID
	}
	return &Outcome{
		Algorithm:    algorithm,
		Value:        value,
		Agreement:    clamp01(agreement),
		Quorum:       quorum,
		Contributors: contributors,
		Excluded:     excluded,
	}, nil
}

// FromOutput builds a Result from a handler's raw output. A map output may
// carry "value", "confidence" and "weight" keys; anything else is the value.
func FromOutput(taskID, agentID string, out any, err error) Result {
	r := Result{TaskID: taskID, AgentID: agentID, Value: out, Err: err}
	m, ok := out.(map[string]any)
	if !ok {
		return r
	}
	if v, ok := m["value"]; ok {
		r.Value = v
	}
	if c, ok := toFloat(m["confidence"]); ok {
		r.Confidence = c
	}
	if w, ok := toFloat(m["weight"]); ok {
		r.Weight = w
	}
	return r
}

// =============================================================================
// majority
// =============================================================================

type majorityStrategy struct{}

func (majorityStrategy) Accept(Result) error { return nil }

func (majorityStrategy) Combine(results []Result) (any, float64) {
	winner, score, total := vote(results, func(Result) float64 { return 1 })
	return winner, score / total
}

// =============================================================================
// weighted_average
// =============================================================================

type weightedAverageStrategy struct{}

func (weightedAverageStrategy) Accept(r Result) error {
	if _, ok := toFloat(r.Value); !ok {
		return fmt.Errorf("non-numeric value %v", r.Value)
	}
	return nil
}

func (weightedAverageStrategy) Combine(results []Result) (any, float64) {
	values := make([]float64, len(results))
	weights := make([]float64, len(results))
	for i, r := range results {
		values[i], _ = toFloat(r.Value)
		weights[i] = weightOf(r)
	}
	return weightedMean(values, weights), dispersionAgreement(values)
}

// =============================================================================
// ensemble
// =============================================================================

type ensembleStrategy struct{}

func (ensembleStrategy) Accept(Result) error { return nil }

func (ensembleStrategy) Combine(results []Result) (any, float64) {
	allNumeric := true
	for _, r := range results {
		if _, ok := toFloat(r.Value); !ok {
			allNumeric = false
			break
		}
	}

	if !allNumeric {
		winner, score, total := vote(results, func(r Result) float64 { return confidenceOf(r) })
		return winner, score / total
	}

	values := make([]float64, len(results))
	weights := make([]float64, len(results))
	var confSum float64
	for i, r := range results {
		values[i], _ = toFloat(r.Value)
		c := confidenceOf(r)
		weights[i] = weightOf(r) * c
		confSum += c
	}
	meanConf := confSum / float64(len(results))
	return weightedMean(values, weights), dispersionAgreement(values) * meanConf
}

// =============================================================================
// helpers
// =============================================================================

// vote tallies results by canonical value. Ties go to the value seen first.
func vote(results []Result, weight func(Result) float64) (winner any, score, total float64) {
	type tally struct {
		value any
		score float64
		first int
	}
	tallies := make(map[string]*tally)
	for i, r := range results {
		key := canonicalKey(r.Value)
		w := weight(r)
		total += w
		t, ok := tallies[key]
		if !ok {
			t = &tally{value: r.Value, first: i}
			tallies[key] = t
		}
		t.score += w
	}

	ordered := make([]*tally, 0, len(tallies))
	for _, t := range tallies {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].score != ordered[j].score {
			return ordered[i].score > ordered[j].score
		}
		return ordered[i].first < ordered[j].first
	})
	if total == 0 {
		return ordered[0].value, 0, 1
	}
	return ordered[0].value, ordered[0].score, total
}

func canonicalKey(v any) string {
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("n:%g", f)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("v:%v", v)
	}
	return "j:" + string(b)
}

func weightedMean(values, weights []float64) float64 {
	var num, den float64
	for i, v := range values {
		num += v * weights[i]
		den += weights[i]
	}
	if den == 0 {
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
	return num / den
}

// dispersionAgreement is 1 - stddev/|mean| over the population, in [0,1].
func dispersionAgreement(values []float64) float64 {
	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / n)

	if mean == 0 {
		if std == 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - std/math.Abs(mean))
}

func weightOf(r Result) float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

func confidenceOf(r Result) float64 {
	if r.Confidence <= 0 {
		return 1
	}
	return clamp01(r.Confidence)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
