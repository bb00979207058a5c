package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// Strategy names.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastLoaded        = "least_loaded"
	StrategyPredictive         = "predictive"
)

// Strategy picks an agent with free capacity, or nil when all are full.
type Strategy interface {
	Name() string
	Select(agentType string, agents []*Agent) *Agent
}

// NewStrategy builds a strategy by name. defaultEstimate is the expected
// task duration assumed for agents without history.
func NewStrategy(name string, defaultEstimate time.Duration) (Strategy, error) {
	switch name {
	case "", StrategyRoundRobin:
		return NewRoundRobin(), nil
	case StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	case StrategyLeastLoaded, "least_connections":
		return LeastLoaded{}, nil
	case StrategyPredictive, "performance_based":
		return Predictive{DefaultEstimate: defaultEstimate}, nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy %q", name)
	}
}

// RoundRobin rotates through the agents of each type, skipping full ones.
type RoundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[string]int)}
}

func (s *RoundRobin) Name() string { return StrategyRoundRobin }

func (s *RoundRobin) Select(agentType string, agents []*Agent) *Agent {
	if len(agents) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.next[agentType] % len(agents)
	for i := 0; i < len(agents); i++ {
		idx := (start + i) % len(agents)
		if agents[idx].HasCapacity() {
			s.next[agentType] = idx + 1
			return agents[idx]
		}
	}
	return nil
}

// WeightedRoundRobin spreads tasks in proportion to agent capacity using
// smooth weighted round-robin: every pick adds each eligible agent's
// capacity to its running weight, takes the highest and subtracts the
// eligible total from the winner. Capacities 3 and 1 yield a a b a, not
// a a a b.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]map[string]int // agent type -> agent id -> running weight
}

// NewWeightedRoundRobin creates a capacity-weighted round-robin strategy.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: make(map[string]map[string]int)}
}

func (s *WeightedRoundRobin) Name() string { return StrategyWeightedRoundRobin }

func (s *WeightedRoundRobin) Select(agentType string, agents []*Agent) *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	weights := s.current[agentType]
	if weights == nil {
		weights = make(map[string]int, len(agents))
		s.current[agentType] = weights
	}

	var best *Agent
	total := 0
	for _, a := range agents {
		if !a.HasCapacity() {
			continue
		}
		weights[a.ID] += a.Capacity
		total += a.Capacity
		if best == nil || weights[a.ID] > weights[best.ID] {
			best = a
		}
	}
	if best != nil {
		weights[best.ID] -= total
	}
	return best
}

// LeastLoaded picks the agent with the lowest load relative to capacity.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return StrategyLeastLoaded }

func (LeastLoaded) Select(_ string, agents []*Agent) *Agent {
	var best *Agent
	var bestRatio float64
	for _, a := range agents {
		if !a.HasCapacity() {
			continue
		}
		ratio := float64(a.CurrentLoad()) / float64(a.Capacity)
		if best == nil || ratio < bestRatio {
			best, bestRatio = a, ratio
		}
	}
	return best
}

// Predictive picks the agent minimizing expected finish time, estimated
// as mean recent duration * (load+1) / capacity.
type Predictive struct {
	DefaultEstimate time.Duration
}

func (Predictive) Name() string { return StrategyPredictive }

func (p Predictive) Select(_ string, agents []*Agent) *Agent {
	var best *Agent
	var bestFinish time.Duration
	for _, a := range agents {
		if !a.HasCapacity() {
			continue
		}
		finish := p.ExpectedFinish(a)
		if best == nil || finish < bestFinish ||
			(finish == bestFinish && a.CurrentLoad() < best.CurrentLoad()) {
			best, bestFinish = a, finish
		}
	}
	return best
}

// Estimate returns the expected duration of one task on a.
func (p Predictive) Estimate(a *Agent) time.Duration {
	if mean, ok := a.MeanDuration(); ok {
		return mean
	}
	return p.DefaultEstimate
}

// ExpectedFinish returns when a newly assigned task would finish on a.
func (p Predictive) ExpectedFinish(a *Agent) time.Duration {
	return p.Estimate(a) * time.Duration(a.CurrentLoad()+1) / time.Duration(a.Capacity)
}
