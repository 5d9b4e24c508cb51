package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devopscentral/gateway/internal/store"
)

// Instance is the registry's runtime view of one service instance.
type Instance struct {
	ID             int64
	ServiceName    string
	InstanceID     string
	Host           string
	Port           int
	Protocol       string
	Weight         int
	HealthCheckURL string
	Interval       time.Duration
	BaseURL        string

	// ActiveRequests is the in-flight counter for least-connections
	// balancing. Mutated atomically; survives health transitions.
	ActiveRequests int64

	// Guarded by the registry mutex.
	state           string
	consecutiveFail int
	lastCheck       time.Time
	nextCheck       time.Time
}

// IncrActive atomically increments the in-flight counter.
func (i *Instance) IncrActive() { atomic.AddInt64(&i.ActiveRequests, 1) }

// DecrActive atomically decrements the in-flight counter.
func (i *Instance) DecrActive() { atomic.AddInt64(&i.ActiveRequests, -1) }

// Active atomically reads the in-flight counter.
func (i *Instance) Active() int64 { return atomic.LoadInt64(&i.ActiveRequests) }

// StateChange describes one instance state transition, emitted to the
// registry's listener for persistence and logging.
type StateChange struct {
	Instance *Instance
	From     string
	To       string
	At       time.Time
}

// Registry tracks registered instances per service. It is the only mutator
// of instance state. Healthy sets are pre-computed and read lock-free by
// the load balancer.
type Registry struct {
	mu        sync.Mutex
	byID      map[int64]*Instance
	byService map[string][]*Instance

	healthySnap atomic.Value // map[string][]*Instance

	onStateChange func(StateChange)
}

// New creates an empty registry. onStateChange may be nil.
func New(onStateChange func(StateChange)) *Registry {
	r := &Registry{
		byID:          make(map[int64]*Instance),
		byService:     make(map[string][]*Instance),
		onStateChange: onStateChange,
	}
	r.healthySnap.Store(map[string][]*Instance{})
	return r
}

// Load replaces the registry contents from persisted rows. Existing
// in-flight counters are preserved for instances that survive the reload.
func (r *Registry) Load(rows []store.ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.byID
	r.byID = make(map[int64]*Instance, len(rows))
	r.byService = make(map[string][]*Instance)

	for _, row := range rows {
		inst := fromRow(&row)
		if prev, ok := old[row.ID]; ok {
			inst.ActiveRequests = atomic.LoadInt64(&prev.ActiveRequests)
			inst.consecutiveFail = prev.consecutiveFail
			inst.lastCheck = prev.lastCheck
			inst.nextCheck = prev.nextCheck
		}
		r.byID[inst.ID] = inst
		r.byService[inst.ServiceName] = append(r.byService[inst.ServiceName], inst)
	}
	r.rebuildHealthyLocked()
}

// Register adds or replaces an instance from a persisted row.
func (r *Registry) Register(row *store.ServiceInstance) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := fromRow(row)
	if prev, ok := r.byID[inst.ID]; ok {
		inst.ActiveRequests = atomic.LoadInt64(&prev.ActiveRequests)
		r.removeFromServiceLocked(prev)
	}
	r.byID[inst.ID] = inst
	r.byService[inst.ServiceName] = append(r.byService[inst.ServiceName], inst)
	r.rebuildHealthyLocked()
	return inst
}

// Deregister removes an instance. Returns false if unknown.
func (r *Registry) Deregister(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	r.removeFromServiceLocked(inst)
	r.rebuildHealthyLocked()
	return true
}

// Drain marks an instance draining: it receives no new traffic but keeps
// serving in-flight requests. Returns false if unknown.
func (r *Registry) Drain(id int64) bool {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	change := r.setStateLocked(inst, store.InstanceDraining)
	r.mu.Unlock()

	r.emit(change)
	return true
}

// ListHealthy returns the pre-computed healthy slice for a service.
// Callers must not mutate the returned slice.
func (r *Registry) ListHealthy(serviceName string) []*Instance {
	snap := r.healthySnap.Load().(map[string][]*Instance)
	return snap[serviceName]
}

// HealthyCount returns the number of healthy instances across all services.
func (r *Registry) HealthyCount() int {
	snap := r.healthySnap.Load().(map[string][]*Instance)
	n := 0
	for _, insts := range snap {
		n += len(insts)
	}
	return n
}

// State returns the current state of an instance, or "" if unknown.
func (r *Registry) State(id int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.byID[id]; ok {
		return inst.state
	}
	return ""
}

// All returns every instance. Used by the health scheduler and admin API.
func (r *Registry) All() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	return out
}

// recordCheck applies one health-check outcome with hysteresis: an instance
// becomes unhealthy after threshold consecutive failures and returns to
// healthy after a single success. Draining instances never change state.
// Returns the emitted change, if any.
func (r *Registry) recordCheck(inst *Instance, ok bool, threshold int, now time.Time) *StateChange {
	r.mu.Lock()

	inst.lastCheck = now
	inst.nextCheck = now.Add(inst.Interval)

	var change *StateChange
	if ok {
		inst.consecutiveFail = 0
		if inst.state == store.InstanceUnhealthy {
			change = r.setStateLocked(inst, store.InstanceHealthy)
		}
	} else {
		inst.consecutiveFail++
		if inst.state == store.InstanceHealthy && inst.consecutiveFail >= threshold {
			change = r.setStateLocked(inst, store.InstanceUnhealthy)
		}
	}
	r.mu.Unlock()

	r.emit(change)
	return change
}

// dueForCheck returns instances whose next check time has arrived, and
// reserves their next slot so a slow check is not scheduled twice.
func (r *Registry) dueForCheck(now time.Time) []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Instance
	for _, inst := range r.byID {
		if now.Before(inst.nextCheck) {
			continue
		}
		inst.nextCheck = now.Add(inst.Interval)
		due = append(due, inst)
	}
	return due
}

func (r *Registry) setStateLocked(inst *Instance, state string) *StateChange {
	if inst.state == state {
		return nil
	}
	change := &StateChange{Instance: inst, From: inst.state, To: state, At: time.Now()}
	inst.state = state
	inst.consecutiveFail = 0
	r.rebuildHealthyLocked()
	return change
}

func (r *Registry) emit(change *StateChange) {
	if change != nil && r.onStateChange != nil {
		r.onStateChange(*change)
	}
}

func (r *Registry) removeFromServiceLocked(inst *Instance) {
	insts := r.byService[inst.ServiceName]
	for i, candidate := range insts {
		if candidate.ID == inst.ID {
			r.byService[inst.ServiceName] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	if len(r.byService[inst.ServiceName]) == 0 {
		delete(r.byService, inst.ServiceName)
	}
}

// rebuildHealthyLocked recomputes the lock-free healthy snapshot.
func (r *Registry) rebuildHealthyLocked() {
	snap := make(map[string][]*Instance, len(r.byService))
	for service, insts := range r.byService {
		healthy := make([]*Instance, 0, len(insts))
		for _, inst := range insts {
			if inst.state == store.InstanceHealthy {
				healthy = append(healthy, inst)
			}
		}
		if len(healthy) > 0 {
			snap[service] = healthy
		}
	}
	r.healthySnap.Store(snap)
}

func fromRow(row *store.ServiceInstance) *Instance {
	state := row.Status
	if !store.ValidInstanceStatus(state) {
		state = store.InstanceHealthy
	}
	return &Instance{
		ID:             row.ID,
		ServiceName:    row.ServiceName,
		InstanceID:     row.InstanceID,
		Host:           row.Host,
		Port:           row.Port,
		Protocol:       row.Protocol,
		Weight:         row.Weight,
		HealthCheckURL: row.HealthCheckURL,
		Interval:       row.HealthInterval(),
		BaseURL:        row.BaseURL(),
		state:          state,
	}
}
