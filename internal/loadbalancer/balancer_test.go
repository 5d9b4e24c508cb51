package loadbalancer

import (
	"testing"

	"github.com/devopscentral/gateway/internal/registry"
	"github.com/devopscentral/gateway/internal/store"
)

func instances(weights ...int) []*registry.Instance {
	out := make([]*registry.Instance, len(weights))
	for i, w := range weights {
		out[i] = &registry.Instance{
			ID:          int64(i + 1),
			ServiceName: "svc",
			InstanceID:  "i" + string(rune('0'+i+1)),
			Weight:      w,
		}
	}
	return out
}

func TestRoundRobinRotates(t *testing.T) {
	rr := NewRoundRobin()
	insts := instances(1, 1, 1)

	var got []int64
	for i := 0; i < 6; i++ {
		got = append(got, rr.Pick(insts).ID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation mismatch at %d: got %v want %v", i, got, want)
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	if NewRoundRobin().Pick(nil) != nil {
		t.Error("empty set should yield nil")
	}
}

func TestWeightedDistribution(t *testing.T) {
	wrr := NewWeightedRoundRobin()
	insts := instances(3, 1)

	counts := map[int64]int{}
	for i := 0; i < 40; i++ {
		counts[wrr.Pick(insts).ID]++
	}
	if counts[1] != 30 || counts[2] != 10 {
		t.Errorf("expected 3:1 split over 40 picks, got %v", counts)
	}
}

func TestWeightedZeroWeightIneligible(t *testing.T) {
	wrr := NewWeightedRoundRobin()
	insts := instances(0, 2)

	for i := 0; i < 10; i++ {
		got := wrr.Pick(insts)
		if got == nil || got.ID != 2 {
			t.Fatalf("zero-weight instance must receive no traffic, got %+v", got)
		}
	}

	if wrr.Pick(instances(0, 0)) != nil {
		t.Error("all-zero weights leave nothing eligible")
	}
}

func TestLeastConnectionsPicksIdlest(t *testing.T) {
	lc := NewLeastConnections()
	insts := instances(1, 1, 1)
	insts[0].IncrActive()
	insts[0].IncrActive()
	insts[1].IncrActive()

	if got := lc.Pick(insts); got.ID != 3 {
		t.Errorf("expected idle instance 3, got %d", got.ID)
	}

	insts[2].IncrActive()
	insts[2].IncrActive()
	insts[2].IncrActive()
	// Now counts are 2,1,3; instance 2 is idlest.
	if got := lc.Pick(insts); got.ID != 2 {
		t.Errorf("expected instance 2, got %d", got.ID)
	}
}

func TestLeastConnectionsTieBreaksBySliceOrder(t *testing.T) {
	lc := NewLeastConnections()
	insts := instances(1, 1)

	if got := lc.Pick(insts); got.ID != 1 {
		t.Errorf("tie should go to first instance, got %d", got.ID)
	}
}

func TestSelectorPerServiceRotation(t *testing.T) {
	reg := registry.New(nil)
	reg.Load([]store.ServiceInstance{
		instRow(1, "user-service", "u1"),
		instRow(2, "user-service", "u2"),
		instRow(3, "order-service", "o1"),
	})
	sel := NewSelector(reg)

	first := sel.Pick("user-service", store.StrategyRoundRobin)
	second := sel.Pick("user-service", store.StrategyRoundRobin)
	if first == nil || second == nil {
		t.Fatal("expected picks for user-service")
	}
	if first.ID == second.ID {
		t.Error("round robin should rotate between the two instances")
	}

	if got := sel.Pick("order-service", store.StrategyRoundRobin); got == nil || got.ServiceName != "order-service" {
		t.Errorf("cross-service pick leaked: %+v", got)
	}
	if sel.Pick("missing-service", store.StrategyRoundRobin) != nil {
		t.Error("unknown service should yield nil")
	}
}

func TestSelectorUnknownStrategyFallsBackToRoundRobin(t *testing.T) {
	reg := registry.New(nil)
	reg.Load([]store.ServiceInstance{instRow(1, "svc", "i1")})
	sel := NewSelector(reg)

	if sel.Pick("svc", "made-up") == nil {
		t.Error("unknown strategy should still pick")
	}
}

func instRow(id int64, service, instanceID string) store.ServiceInstance {
	return store.ServiceInstance{
		ID:          id,
		ServiceName: service,
		InstanceID:  instanceID,
		Host:        "10.0.0.1",
		Port:        8080,
		Protocol:    "http",
		Weight:      1,
		Status:      store.InstanceHealthy,
	}
}
