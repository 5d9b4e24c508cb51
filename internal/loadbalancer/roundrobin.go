package loadbalancer

import (
	"sync"
	"sync/atomic"

	"github.com/devopscentral/gateway/internal/registry"
)

// RoundRobin rotates through the healthy set with an atomic counter.
type RoundRobin struct {
	current uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick returns the next instance in rotation.
func (rr *RoundRobin) Pick(healthy []*registry.Instance) *registry.Instance {
	if len(healthy) == 0 {
		return nil
	}
	idx := atomic.AddUint64(&rr.current, 1)
	return healthy[(idx-1)%uint64(len(healthy))]
}

// WeightedRoundRobin implements the classic interleaved weighted rotation:
// instances with weight N receive N slots per cycle, spread across the cycle
// rather than bunched together.
type WeightedRoundRobin struct {
	mu        sync.Mutex
	current   int
	curWeight int
}

// NewWeightedRoundRobin creates a weighted round-robin balancer.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: -1}
}

// Pick returns the next instance honoring weights. A zero-weight instance
// receives no traffic; when every weight is zero nothing is eligible.
// Weights are re-read on every call; a membership change simply restarts
// the cycle shape.
func (wrr *WeightedRoundRobin) Pick(healthy []*registry.Instance) *registry.Instance {
	eligible := make([]*registry.Instance, 0, len(healthy))
	for _, inst := range healthy {
		if inst.Weight > 0 {
			eligible = append(eligible, inst)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	wrr.mu.Lock()
	defer wrr.mu.Unlock()

	maxWeight := 0
	gcdWeight := eligible[0].Weight
	for _, inst := range eligible {
		if inst.Weight > maxWeight {
			maxWeight = inst.Weight
		}
		gcdWeight = gcd(gcdWeight, inst.Weight)
	}

	for i := 0; i < len(eligible)*maxWeight+1; i++ {
		wrr.current = (wrr.current + 1) % len(eligible)
		if wrr.current == 0 {
			wrr.curWeight -= gcdWeight
			if wrr.curWeight <= 0 {
				wrr.curWeight = maxWeight
			}
		}
		if eligible[wrr.current].Weight >= wrr.curWeight {
			return eligible[wrr.current]
		}
	}
	return eligible[0]
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
