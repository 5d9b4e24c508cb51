package loadbalancer

import (
	"github.com/devopscentral/gateway/internal/registry"
)

// LeastConnections picks the healthy instance with the fewest in-flight
// requests. Ties are broken by slice order, which is stable per snapshot.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections balancer.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Pick returns the instance with the lowest active request count.
func (lc *LeastConnections) Pick(healthy []*registry.Instance) *registry.Instance {
	if len(healthy) == 0 {
		return nil
	}

	best := healthy[0]
	bestActive := best.Active()
	for _, inst := range healthy[1:] {
		if active := inst.Active(); active < bestActive {
			best = inst
			bestActive = active
		}
	}
	return best
}
