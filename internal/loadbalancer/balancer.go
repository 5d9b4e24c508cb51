package loadbalancer

import (
	"sync"

	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/store"
)

// Balancer picks one instance from a healthy set. Implementations may keep
// per-service state (rotation position) across calls; the candidate slice is
// supplied fresh on every call so membership changes take effect immediately.
type Balancer interface {
	Pick(healthy []*registry.Instance) *registry.Instance
}

// Selector owns one balancer per (service, strategy) pair and resolves
// candidates through the registry's healthy snapshot.
type Selector struct {
	registry *registry.Registry

	mu        sync.Mutex
	balancers map[string]Balancer
}

// NewSelector creates a selector over the given registry.
func NewSelector(reg *registry.Registry) *Selector {
	return &Selector{
		registry:  reg,
		balancers: make(map[string]Balancer),
	}
}

// Pick selects a healthy instance for the service using the route's
// configured strategy. Returns nil when no healthy instance exists.
func (s *Selector) Pick(serviceName, strategy string) *registry.Instance {
	healthy := s.registry.ListHealthy(serviceName)
	if len(healthy) == 0 {
		return nil
	}
	return s.balancerFor(serviceName, strategy).Pick(healthy)
}

func (s *Selector) balancerFor(serviceName, strategy string) Balancer {
	key := serviceName + "|" + strategy

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.balancers[key]; ok {
		return b
	}

	var b Balancer
	switch strategy {
	case store.StrategyWeighted:
		b = NewWeightedRoundRobin()
	case store.StrategyLeastConn:
		b = NewLeastConnections()
	default:
		b = NewRoundRobin()
	}
	s.balancers[key] = b
	return b
}
